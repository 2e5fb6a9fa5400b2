package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RedisGeoKey != "agents_geo" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	m := cfg.Matcher
	if m.InitialRadiusKm != 2 || m.MaxRadiusKm != 10 || m.RadiusFactor != 2 || m.MaxAttempts != 4 {
		t.Fatalf("unexpected matcher defaults %+v", m)
	}
	if m.OfferPolicy != "sequential" || m.OfferTimeout != 10*time.Second {
		t.Fatalf("unexpected offer defaults %+v", m)
	}
	if cfg.Dispatch.RetryDelay != 2*time.Second {
		t.Fatalf("unexpected retry delay %v", cfg.Dispatch.RetryDelay)
	}
	if cfg.Dispatch.RequestDeadline != time.Minute || cfg.StalenessWindow != 5*time.Minute {
		t.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if strings.Join(cfg.ServiceClasses, ",") != "standard,premium,xl" {
		t.Fatalf("unexpected classes %v", cfg.ServiceClasses)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MATCHER_OFFER_POLICY", "Parallel")
	t.Setenv("MATCHER_FANOUT", "5")
	t.Setenv("MATCHER_INITIAL_RADIUS_KM", "1.5")
	t.Setenv("OFFER_TIMEOUT", "15s")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9090" || !cfg.RunMigrations {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	m := cfg.Matcher
	if m.OfferPolicy != "parallel" || m.FanOut != 5 || m.InitialRadiusKm != 1.5 || m.OfferTimeout != 15*time.Second {
		t.Fatalf("unexpected matcher config %+v", m)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCHER_MAX_ATTEMPTS", "many")
	t.Setenv("MATCHER_OFFER_POLICY", "random")
	t.Setenv("MATCHER_MAX_RADIUS_KM", "1")
	t.Setenv("DISPATCH_RETRY_DELAY", "0s")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "MATCHER_MAX_ATTEMPTS", "MATCHER_OFFER_POLICY", "MATCHER_MAX_RADIUS_KM", "DISPATCH_RETRY_DELAY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "mirror-2")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KafkaGroup != "mirror-2" || cfg.RedisAddr != "localhost:6379" || len(cfg.KafkaBrokers) != 1 {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}

	t.Setenv("KAFKA_BROKERS", " , ")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}
