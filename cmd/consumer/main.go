package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total agent location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	msgsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_out_of_order_total",
		Help:      "Messages older than the last one applied for the agent",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_redis_updates_total",
		Help:      "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_redis_errors_total",
		Help:      "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsSkipped, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel, "location-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	mirror := geo.NewRedisMirror(geo.NewRedisAdapter(rc), cfg.RedisGeoKey)
	proj := newProjector(mirror, &redisCells{c: rc}, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		switch err := proj.Apply(ctx, m); {
		case err == nil:
			redisUpdates.Inc()
		case errors.Is(err, errInvalidMessage):
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
		case errors.Is(err, errOutOfOrder):
			msgsSkipped.Inc()
		default:
			redisErrors.Inc()
			logger.Error("redis update failed", "key", string(m.Key), "error", err)
		}
	}
}

type redisCells struct{ c *redis.Client }

func (r *redisCells) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.c.SAdd(ctx, key, members...).Err()
}

func (r *redisCells) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.c.SRem(ctx, key, members...).Err()
}
