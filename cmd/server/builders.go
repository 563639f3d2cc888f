package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"tollgate/cmd/server/config"
	"tollgate/internal/checkout"
	"tollgate/internal/checkout/saga"
	checkoutdb "tollgate/internal/db/checkout"
	"tollgate/internal/downstream"
	"tollgate/internal/eventbus"
	"tollgate/internal/ledger"
	"tollgate/internal/observability"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var openSagaDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildSagaStore wires the Postgres saga store, or the in-memory store when
// no DATABASE_URL is configured.
func buildSagaStore(ctx context.Context) (saga.Store, func(), error) {
	cfg := config.LoadPostgres()
	if cfg.DSN == "" {
		slog.Warn("DATABASE_URL not set, saga records are in-memory only")
		return saga.NewMemoryStore(), func() {}, nil
	}

	db, err := openSagaDB("pgx", cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	store, err := checkoutdb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			slog.Warn("close saga db failed", "error", err)
		}
	}
	return store, cleanup, nil
}

// buildLedger wires the Redis idempotency ledger, or the in-memory ledger
// when no REDIS_URL is configured.
func buildLedger(ctx context.Context) (ledger.Ledger, func(), error) {
	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}
	if cfg.URL == "" {
		slog.Warn("REDIS_URL not set, idempotency ledger is in-memory only")
		return ledger.NewMemoryLedger(cfg.IdempotencyTTL), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			slog.Warn("close redis failed", "error", err)
		}
	}
	return ledger.NewRedisLedger(client, cfg.IdempotencyTTL), cleanup, nil
}

// buildBus wires the Kafka event bus, or the in-memory bus when no brokers
// are configured. The returned run func, when non-nil, starts the consumer
// loops.
func buildBus() (eventbus.Bus, func(context.Context), func(), error) {
	cfg, err := config.LoadKafka()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(cfg.Brokers) == 0 {
		slog.Warn("KAFKA_BROKERS not set, event bus is in-memory only")
		bus := eventbus.NewMemoryBus()
		return bus, nil, func() { _ = bus.Close() }, nil
	}

	bus := eventbus.NewKafkaBus(eventbus.KafkaConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		PublishAttempts: cfg.PublishAttempts,
		PublishBackoff:  cfg.PublishBackoff,
	})
	cleanup := func() {
		if err := bus.Close(); err != nil {
			slog.Warn("close kafka bus failed", "error", err)
		}
	}
	return bus, bus.Run, cleanup, nil
}

// buildClients wires the downstream capability clients, each behind its own
// reliability envelope. Endpoints left unconfigured fall back to in-memory
// stand-ins so the server stays runnable for local development.
func buildClients(metrics *observability.Metrics) (checkout.Clients, error) {
	cfg := config.LoadDownstream()
	caller := downstream.NewCaller(&http.Client{Timeout: 10 * time.Second})

	dep := func(name string) (*checkout.Dependency, error) {
		depCfg, err := config.LoadDependency(name)
		if err != nil {
			return nil, err
		}
		depCfg.OnOpen = metrics.BreakerOpened
		return checkout.NewDependency(name, depCfg), nil
	}

	var clients checkout.Clients

	cartDep, err := dep("cart")
	if err != nil {
		return clients, err
	}
	var cart checkout.CartClient = checkout.NewInMemoryCartClient()
	if cfg.CartURL != "" {
		cart = downstream.NewCartService(caller, cfg.CartURL)
	} else {
		slog.Warn("CART_URL not set, using in-memory carts")
	}
	clients.Cart = checkout.NewReliableCartClient(cart, cartDep)

	pricingDep, err := dep("pricing")
	if err != nil {
		return clients, err
	}
	var pricing checkout.PricingClient = checkout.NewInMemoryPricingClient(
		checkout.NewMoney("USD", 2, 0), checkout.NewMoney("USD", 3, 0))
	if cfg.PricingURL != "" {
		pricing = downstream.NewPricingService(caller, cfg.PricingURL)
	}
	clients.Pricing = checkout.NewReliablePricingClient(pricing, pricingDep)

	paymentDep, err := dep("payment")
	if err != nil {
		return clients, err
	}
	var payment checkout.PaymentClient = checkout.NewInMemoryPaymentClient()
	if cfg.PaymentURL != "" {
		payment = downstream.NewPaymentService(caller, cfg.PaymentURL)
	} else {
		slog.Warn("PAYMENT_URL not set, charges are simulated")
	}
	clients.Payment = checkout.NewReliablePaymentClient(payment, paymentDep)

	shippingDep, err := dep("shipping")
	if err != nil {
		return clients, err
	}
	var shipping checkout.ShippingClient = checkout.NewInMemoryShippingClient()
	if cfg.ShippingURL != "" {
		shipping = downstream.NewShippingService(caller, cfg.ShippingURL)
	}
	clients.Shipping = checkout.NewReliableShippingClient(shipping, shippingDep)

	emailDep, err := dep("email")
	if err != nil {
		return clients, err
	}
	var email checkout.EmailClient = checkout.NoopEmailClient{}
	if cfg.EmailURL != "" {
		email = downstream.NewEmailService(caller, cfg.EmailURL)
	}
	clients.Email = checkout.NewReliableEmailClient(email, emailDep)

	return clients, nil
}
