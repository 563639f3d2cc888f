package config

import (
	"testing"
	"time"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.RateLimitInterval != 0 || cfg.RateLimitBurst != 0 {
		t.Fatalf("expected rate limiting disabled by default: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected shutdown timeout: %v", cfg.ShutdownTimeout)
	}
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("RATE_LIMIT_BURST", "10")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.RateLimitInterval != 5*time.Millisecond || cfg.RateLimitBurst != 10 {
		t.Fatalf("unexpected rate limit cfg: %+v", cfg)
	}
}

func TestLoadRedisDefaults(t *testing.T) {
	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "" {
		t.Fatalf("expected empty url, got %s", cfg.URL)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl: %v", cfg.IdempotencyTTL)
	}
}

func TestLoadRedisWithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("IDEMPOTENCY_TTL", "1h")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected url: %s", cfg.URL)
	}
	if cfg.IdempotencyTTL != time.Hour {
		t.Fatalf("unexpected ttl: %v", cfg.IdempotencyTTL)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
}

func TestLoadRedisRejectsMalformedTTL(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL", "not-a-duration")

	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for malformed ttl")
	}
}

func TestLoadKafka(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")

	cfg, err := LoadKafka()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[0] != "broker-1:9092" || cfg.Brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Brokers)
	}
	if cfg.GroupID != "custom-group" {
		t.Fatalf("unexpected group id: %s", cfg.GroupID)
	}
	if cfg.PublishAttempts != 3 || cfg.PublishBackoff != 100*time.Millisecond {
		t.Fatalf("unexpected publish defaults: %+v", cfg)
	}
}

func TestLoadTelemetryRejectsBadRatio(t *testing.T) {
	t.Setenv("OTEL_SAMPLE_RATIO", "1.5")

	if _, err := LoadTelemetry(); err == nil {
		t.Fatalf("expected error for out-of-range ratio")
	}
}

func TestLoadDependencyPrefix(t *testing.T) {
	t.Setenv("PAYMENT_TIMEOUT", "4s")
	t.Setenv("PAYMENT_BREAKER_MAX_FAILURES", "7")

	cfg, err := LoadDependency("payment")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Timeout != 4*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout)
	}
	if cfg.BreakerMaxFailures != 7 {
		t.Fatalf("unexpected breaker threshold: %d", cfg.BreakerMaxFailures)
	}
	if cfg.RetryMaxAttempts != 0 {
		t.Fatalf("expected unset retry attempts to stay zero, got %d", cfg.RetryMaxAttempts)
	}
}

func TestLoadDependencyRejectsMalformed(t *testing.T) {
	t.Setenv("SHIPPING_TIMEOUT", "soon")

	if _, err := LoadDependency("shipping"); err == nil {
		t.Fatalf("expected error for malformed timeout")
	}
}
