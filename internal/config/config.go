package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from environment variables, optionally overlaid on a
// config.yaml in the working directory, with defaults that run locally
// without any setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN         string
	RunMigrations bool

	OSRMURL          string
	GoogleMapsAPIKey string
	WebhookURL       string
	DefaultSpeedMps  float64

	Matcher  MatcherConfig
	Dispatch DispatchConfig

	StalenessWindow     time.Duration
	SweepInterval       time.Duration
	RegistryLockTimeout time.Duration
	ServiceClasses      []string

	LogLevel string
}

type MatcherConfig struct {
	InitialRadiusKm float64
	MaxRadiusKm     float64
	RadiusFactor    float64
	MaxAttempts     int
	MinCandidates   int
	CandidateLimit  int
	OfferPolicy     string
	FanOut          int
	OfferTimeout    time.Duration
}

type DispatchConfig struct {
	RequestDeadline time.Duration
	MaxRounds       int
	RetryDelay      time.Duration
	Retention       time.Duration
}

// ConsumerConfig configures the location stream consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	RedisAddr    string
	RedisGeoKey  string
	MetricsAddr  string
	LogLevel     string
}

var serverDefaults = map[string]any{
	"HTTP_ADDR":                 ":8080",
	"HTTP_READ_TIMEOUT":         "5s",
	"HTTP_WRITE_TIMEOUT":        "10s",
	"HTTP_IDLE_TIMEOUT":         "120s",
	"HTTP_SHUTDOWN_TIMEOUT":     "15s",
	"REDIS_GEO_KEY":             "agents_geo",
	"KAFKA_TOPIC":               "agent-locations",
	"KAFKA_EVENTS_TOPIC":        "dispatch-events",
	"DEFAULT_SPEED_MPS":         8.0,
	"MATCHER_INITIAL_RADIUS_KM": 2.0,
	"MATCHER_MAX_RADIUS_KM":     10.0,
	"MATCHER_RADIUS_FACTOR":     2.0,
	"MATCHER_MAX_ATTEMPTS":      4,
	"MATCHER_MIN_CANDIDATES":    3,
	"MATCHER_CANDIDATE_LIMIT":   20,
	"MATCHER_OFFER_POLICY":      "sequential",
	"MATCHER_FANOUT":            3,
	"OFFER_TIMEOUT":             "10s",
	"REQUEST_DEADLINE":          "60s",
	"DISPATCH_MAX_ROUNDS":       2,
	"DISPATCH_RETRY_DELAY":      "2s",
	"REQUEST_RETENTION":         "10m",
	"STALENESS_WINDOW":          "5m",
	"SWEEP_INTERVAL":            "30s",
	"REGISTRY_LOCK_TIMEOUT":     "250ms",
	"SERVICE_CLASSES":           "standard,premium,xl",
	"LOG_LEVEL":                 "info",
}

func newViper(defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return v, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

func LoadServerConfig() (ServerConfig, error) {
	var errs []error
	v, err := newViper(serverDefaults)
	if err != nil {
		errs = append(errs, err)
	}

	cfg := ServerConfig{
		HTTPAddr:         trimmed(v, "HTTP_ADDR"),
		RedisAddr:        trimmed(v, "REDIS_ADDR"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:      trimmed(v, "REDIS_GEO_KEY"),
		KafkaBrokers:     splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:       trimmed(v, "KAFKA_TOPIC"),
		KafkaEventsTopic: trimmed(v, "KAFKA_EVENTS_TOPIC"),
		PGDSN:            v.GetString("PG_DSN"),
		RunMigrations:    strings.EqualFold(v.GetString("MIGRATE"), "true"),
		OSRMURL:          trimmed(v, "OSRM_URL"),
		GoogleMapsAPIKey: trimmed(v, "GOOGLE_MAPS_API_KEY"),
		WebhookURL:       trimmed(v, "WEBHOOK_URL"),
		ServiceClasses:   splitAndTrim(v.GetString("SERVICE_CLASSES")),
		LogLevel:         strings.ToLower(trimmed(v, "LOG_LEVEL")),
		Matcher: MatcherConfig{
			OfferPolicy: strings.ToLower(trimmed(v, "MATCHER_OFFER_POLICY")),
		},
	}

	setDuration(v, &cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(v, &cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(v, &cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setDuration(v, &cfg.Matcher.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDuration(v, &cfg.Dispatch.RequestDeadline, "REQUEST_DEADLINE", &errs)
	setDuration(v, &cfg.Dispatch.Retention, "REQUEST_RETENTION", &errs)
	setDuration(v, &cfg.Dispatch.RetryDelay, "DISPATCH_RETRY_DELAY", &errs)
	setDuration(v, &cfg.StalenessWindow, "STALENESS_WINDOW", &errs)
	setDuration(v, &cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDuration(v, &cfg.RegistryLockTimeout, "REGISTRY_LOCK_TIMEOUT", &errs)

	setFloat(v, &cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setFloat(v, &cfg.Matcher.InitialRadiusKm, "MATCHER_INITIAL_RADIUS_KM", &errs)
	setFloat(v, &cfg.Matcher.MaxRadiusKm, "MATCHER_MAX_RADIUS_KM", &errs)
	setFloat(v, &cfg.Matcher.RadiusFactor, "MATCHER_RADIUS_FACTOR", &errs)

	setInt(v, &cfg.Matcher.MaxAttempts, "MATCHER_MAX_ATTEMPTS", &errs)
	setInt(v, &cfg.Matcher.MinCandidates, "MATCHER_MIN_CANDIDATES", &errs)
	setInt(v, &cfg.Matcher.CandidateLimit, "MATCHER_CANDIDATE_LIMIT", &errs)
	setInt(v, &cfg.Matcher.FanOut, "MATCHER_FANOUT", &errs)
	setInt(v, &cfg.Dispatch.MaxRounds, "DISPATCH_MAX_ROUNDS", &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	m := c.Matcher
	if m.InitialRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_INITIAL_RADIUS_KM must be > 0"))
	}
	if m.MaxRadiusKm < m.InitialRadiusKm {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_RADIUS_KM must be >= MATCHER_INITIAL_RADIUS_KM"))
	}
	if m.RadiusFactor <= 1 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_FACTOR must be > 1"))
	}
	if m.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_ATTEMPTS must be > 0"))
	}
	if m.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_CANDIDATE_LIMIT must be > 0"))
	}
	if m.OfferPolicy != "sequential" && m.OfferPolicy != "parallel" {
		errs = append(errs, fmt.Errorf("MATCHER_OFFER_POLICY must be sequential or parallel"))
	}
	if m.FanOut <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_FANOUT must be > 0"))
	}
	if m.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if c.Dispatch.RequestDeadline <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_DEADLINE must be > 0"))
	}
	if c.Dispatch.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ROUNDS must be > 0"))
	}
	if c.Dispatch.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_DELAY must be > 0"))
	}
	if c.StalenessWindow <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("STALENESS_WINDOW and SWEEP_INTERVAL must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if len(c.ServiceClasses) == 0 {
		errs = append(errs, fmt.Errorf("SERVICE_CLASSES must not be empty"))
	}
	return errs
}

var consumerDefaults = map[string]any{
	"KAFKA_BROKERS": "localhost:9092",
	"KAFKA_TOPIC":   "agent-locations",
	"KAFKA_GROUP":   "agent-location-mirror",
	"REDIS_ADDR":    "localhost:6379",
	"REDIS_GEO_KEY": "agents_geo",
	"METRICS_ADDR":  ":9102",
	"LOG_LEVEL":     "info",
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var errs []error
	v, err := newViper(consumerDefaults)
	if err != nil {
		errs = append(errs, err)
	}
	cfg := ConsumerConfig{
		KafkaBrokers: splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:   trimmed(v, "KAFKA_TOPIC"),
		KafkaGroup:   trimmed(v, "KAFKA_GROUP"),
		RedisAddr:    trimmed(v, "REDIS_ADDR"),
		RedisGeoKey:  trimmed(v, "REDIS_GEO_KEY"),
		MetricsAddr:  trimmed(v, "METRICS_ADDR"),
		LogLevel:     strings.ToLower(trimmed(v, "LOG_LEVEL")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.KafkaTopic == "" || cfg.KafkaGroup == "" {
		errs = append(errs, fmt.Errorf("KAFKA_TOPIC and KAFKA_GROUP are required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	return cfg, errors.Join(errs...)
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	raw := trimmed(v, key)
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = d
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	f, err := castFloat(v.Get(key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = f
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) {
	f, err := castFloat(v.Get(key))
	if err != nil || f != float64(int(f)) {
		*errs = append(*errs, fmt.Errorf("invalid %s: %v", key, v.Get(key)))
		return
	}
	*target = int(f)
}

func castFloat(raw any) (float64, error) {
	switch x := raw.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("unsupported value %v", raw)
	}
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
