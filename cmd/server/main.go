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

	"github.com/joho/godotenv"

	"tollgate/cmd/server/config"
	"tollgate/internal/checkout"
	"tollgate/internal/httpapi"
	"tollgate/internal/observability"
	"tollgate/internal/realtime"
	"tollgate/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	telemetry.InitLogger(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	telCfg, err := config.LoadTelemetry()
	if err != nil {
		return err
	}
	if telCfg.OTLPEndpoint != "" {
		shutdownTracer, err := telemetry.SetupTracer(ctx, telCfg.ServiceName, telCfg.OTLPEndpoint, telCfg.SampleRatio)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(flushCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	store, cleanupStore, err := buildSagaStore(ctx)
	if err != nil {
		return err
	}
	defer cleanupStore()

	ldg, cleanupLedger, err := buildLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanupLedger()

	bus, runBus, cleanupBus, err := buildBus()
	if err != nil {
		return err
	}
	defer cleanupBus()

	metrics := observability.NewMetrics()
	clients, err := buildClients(metrics)
	if err != nil {
		return err
	}

	hub := realtime.NewHub()
	go hub.Run(ctx)

	service := checkout.NewService(clients, store, ldg, bus,
		checkout.WithStepObserver(metrics),
		checkout.WithTransitionListener(hub.Notify),
	)
	checkout.RegisterConsumers(bus)
	if runBus != nil {
		go runBus(ctx)
	}

	resumeInterrupted(ctx, service, store)

	srvCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	var limiter httpapi.Limiter
	if srvCfg.RateLimitInterval > 0 && srvCfg.RateLimitBurst > 0 {
		limiter = checkout.NewRateLimiter(srvCfg.RateLimitInterval, srvCfg.RateLimitBurst)
	}

	handler := httpapi.NewHandler(service, hub)
	srv := &http.Server{
		Addr:    srvCfg.Addr,
		Handler: httpapi.NewRouter(handler, metrics, limiter),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("checkout server listening", "addr", srvCfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		slog.Info("checkout server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// interruptedLister is satisfied by the Postgres saga store. The in-memory
// store starts empty, so it has nothing to resume.
type interruptedLister interface {
	NonTerminal(ctx context.Context) ([]string, error)
}

// resumeInterrupted drives sagas left non-terminal by a previous run.
func resumeInterrupted(ctx context.Context, service *checkout.Service, store any) {
	lister, ok := store.(interruptedLister)
	if !ok {
		return
	}
	ids, err := lister.NonTerminal(ctx)
	if err != nil {
		slog.Warn("list interrupted sagas failed", "error", err)
		return
	}
	for _, orderID := range ids {
		go func(orderID string) {
			result, err := service.Resume(ctx, orderID)
			if err != nil {
				slog.Error("resume saga failed", "order_id", orderID, "error", err)
				return
			}
			slog.Info("resumed saga", "order_id", orderID, "status", string(result.Status))
		}(orderID)
	}
}
