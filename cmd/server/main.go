package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-dispatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	classes := make([]models.ServiceClass, 0, len(cfg.ServiceClasses))
	for _, c := range cfg.ServiceClasses {
		classes = append(classes, models.ServiceClass(c))
	}

	idx := geo.NewIndex(geo.WithStaleness(cfg.StalenessWindow))
	reg := registry.New(idx, registry.WithLockTimeout(cfg.RegistryLockTimeout), registry.WithObserver(fleet.ObserveStatus))
	book := offer.NewBook(offer.WithObserver(recordOffer(store, logger)))

	var (
		publisher fleet.Publisher
		mirror    fleet.Mirror
		notifiers notify.Fanout
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp.Close)
		publisher = kp
		ep := ingest.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, ep.Close)
		notifiers = append(notifiers, ep)
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		mirror = geo.NewRedisMirror(geo.NewRedisAdapter(rc), cfg.RedisGeoKey)
	}

	sessions := notify.NewWSRegistry(logger)
	notifiers = append(notifiers, sessions)
	var fallback notify.OfferSender
	if cfg.WebhookURL != "" {
		wh := notify.NewWebhook(cfg.WebhookURL, "")
		fallback = wh
		notifiers = append(notifiers, wh)
	}

	m := matcher.New(idx, reg, book, notify.NewPushSender(sessions, fallback), matcher.Config{
		InitialRadiusKm: cfg.Matcher.InitialRadiusKm,
		MaxRadiusKm:     cfg.Matcher.MaxRadiusKm,
		RadiusFactor:    cfg.Matcher.RadiusFactor,
		MaxAttempts:     cfg.Matcher.MaxAttempts,
		MinCandidates:   cfg.Matcher.MinCandidates,
		CandidateLimit:  cfg.Matcher.CandidateLimit,
		Policy:          matcher.Policy(cfg.Matcher.OfferPolicy),
		FanOut:          cfg.Matcher.FanOut,
		OfferTimeout:    cfg.Matcher.OfferTimeout,
	}, logger)

	coord := dispatch.New(dispatch.Deps{
		Matcher:   m,
		Book:      book,
		Registry:  reg,
		Positions: idx,
		ETA:       eta.NewEstimator(newRouter(cfg, logger), eta.NewCache(time.Minute), cfg.DefaultSpeedMps, logger),
		Notifier:  notifiers,
		Store:     store,
		Logger:    logger,
	}, dispatch.Config{
		Deadline:   cfg.Dispatch.RequestDeadline,
		MaxRounds:  cfg.Dispatch.MaxRounds,
		RetryDelay: cfg.Dispatch.RetryDelay,
		Retention:  cfg.Dispatch.Retention,
		Classes:    classes,
	})
	defer coord.Close()

	fl := fleet.New(idx, reg, publisher, mirror, classes, logger)
	go fl.RunSweeper(ctx, cfg.SweepInterval)
	go coord.RunJanitor(ctx, time.Minute)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(ctx, coord, fl, sessions, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "offer_policy", cfg.Matcher.OfferPolicy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.RequestStore, error) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory request store")
		return storage.NewMemoryStore(), nil
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(cfg.PGDSN); err != nil {
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return storage.NewPostgresStore(ctx, cfg.PGDSN)
}

func newRouter(cfg config.ServerConfig, logger *slog.Logger) eta.Router {
	switch {
	case cfg.GoogleMapsAPIKey != "":
		g, err := eta.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err == nil {
			return g
		}
		logger.Warn("google maps disabled", "error", err)
	case cfg.OSRMURL != "":
		return eta.NewOSRMClient(cfg.OSRMURL)
	}
	return nil
}

// recordOffer counts every offer change and writes it to the store off the
// caller's goroutine.
func recordOffer(store storage.RequestStore, logger *slog.Logger) func(models.Offer) {
	return func(o models.Offer) {
		if o.Outcome != models.OfferPending {
			observability.OffersTotal.WithLabelValues(string(o.Outcome)).Inc()
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := store.SaveOffer(ctx, o); err != nil {
				logger.Warn("save offer", "offer_id", o.ID, "error", err)
			}
		}()
	}
}
