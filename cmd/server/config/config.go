// Package config reads server configuration from the environment. Every
// knob has a documented default; only malformed values are errors.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tollgate/internal/checkout"
	"tollgate/internal/ledger"
)

// ServerConfig holds the HTTP listener and ingress pacing settings.
type ServerConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	ShutdownTimeout   time.Duration
}

// RedisConfig holds the idempotency ledger backend settings. An empty URL
// selects the in-memory ledger.
type RedisConfig struct {
	URL            string
	IdempotencyTTL time.Duration
	DialTimeout    *time.Duration
	ReadTimeout    *time.Duration
	WriteTimeout   *time.Duration
	PoolSize       *int
	MaxRetries     *int
	EnableOTel     bool
	TLSConfig      *tls.Config
}

// PostgresConfig holds the saga store backend settings. An empty DSN
// selects the in-memory store.
type PostgresConfig struct {
	DSN string
}

// KafkaConfig holds the event bus backend settings. No brokers selects the
// in-memory bus.
type KafkaConfig struct {
	Brokers         []string
	GroupID         string
	PublishAttempts int
	PublishBackoff  time.Duration
}

// TelemetryConfig holds tracing settings. An empty endpoint disables the
// exporter.
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
	SampleRatio  float64
}

// DownstreamConfig holds the provider endpoints. Empty values select the
// in-memory stand-ins, which is the local development default.
type DownstreamConfig struct {
	CartURL     string
	PricingURL  string
	PaymentURL  string
	ShippingURL string
	EmailURL    string
}

// LoadServer reads the HTTP server settings.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:            defaultString("HTTP_ADDR", ":8080"),
		ShutdownTimeout: 10 * time.Second,
	}

	var err error
	if cfg.RateLimitInterval, err = defaultDuration("RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = defaultInt("RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = defaultDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads the idempotency ledger settings.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL: strings.TrimSpace(os.Getenv("REDIS_URL")),
	}

	var err error
	if cfg.IdempotencyTTL, err = defaultDuration("IDEMPOTENCY_TTL", ledger.DefaultTTL); err != nil {
		return cfg, err
	}
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadPostgres reads the saga store settings.
func LoadPostgres() PostgresConfig {
	return PostgresConfig{DSN: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
}

// LoadKafka reads the event bus settings.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{
		GroupID: defaultString("KAFKA_GROUP_ID", "checkout-core"),
	}
	if raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); raw != "" {
		for _, broker := range strings.Split(raw, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.Brokers = append(cfg.Brokers, broker)
			}
		}
	}

	var err error
	if cfg.PublishAttempts, err = defaultInt("KAFKA_PUBLISH_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.PublishBackoff, err = defaultDuration("KAFKA_PUBLISH_BACKOFF", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadTelemetry reads the tracing settings.
func LoadTelemetry() (TelemetryConfig, error) {
	cfg := TelemetryConfig{
		ServiceName:  defaultString("OTEL_SERVICE_NAME", "tollgate-checkout"),
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTLP_ENDPOINT")),
	}

	var err error
	if cfg.SampleRatio, err = defaultFloat("OTEL_SAMPLE_RATIO", 1.0); err != nil {
		return cfg, err
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return cfg, errors.New("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	return cfg, nil
}

// LoadDownstream reads the provider endpoints.
func LoadDownstream() DownstreamConfig {
	return DownstreamConfig{
		CartURL:     strings.TrimSpace(os.Getenv("CART_URL")),
		PricingURL:  strings.TrimSpace(os.Getenv("PRICING_URL")),
		PaymentURL:  strings.TrimSpace(os.Getenv("PAYMENT_URL")),
		ShippingURL: strings.TrimSpace(os.Getenv("SHIPPING_URL")),
		EmailURL:    strings.TrimSpace(os.Getenv("EMAIL_URL")),
	}
}

// LoadDependency reads the reliability knobs for one downstream dependency.
// Variables are prefixed with the upper-cased dependency name, e.g.
// PAYMENT_TIMEOUT, PAYMENT_BREAKER_MAX_FAILURES. Unset knobs keep the
// defaults from checkout.DefaultDependencyConfig.
func LoadDependency(name string) (checkout.DependencyConfig, error) {
	prefix := strings.ToUpper(name) + "_"
	cfg := checkout.DependencyConfig{}

	var err error
	if cfg.Timeout, err = defaultDuration(prefix+"TIMEOUT", 0); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = defaultInt(prefix+"RETRY_MAX_ATTEMPTS", 0); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = defaultDuration(prefix+"RETRY_BASE_DELAY", 0); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = defaultDuration(prefix+"RETRY_MAX_DELAY", 0); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = defaultInt(prefix+"BREAKER_MAX_FAILURES", 0); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = defaultDuration(prefix+"BREAKER_RESET_TIMEOUT", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func defaultString(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func defaultDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func defaultInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func defaultFloat(name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
