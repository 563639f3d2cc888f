package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tollgate/internal/observability"
	"tollgate/internal/telemetry"
)

// NewRouter wires the checkout endpoints, the metrics snapshot and the
// realtime feed into one chi router.
func NewRouter(handler *Handler, metrics *observability.Metrics, limiter Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TraceContext(telemetry.NewPropagator()))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Healthz)
	r.Get("/metrics", observability.Handler(metrics).ServeHTTP)
	r.Get("/ws/orders", handler.OrdersFeed)

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(limiter, metrics))
		r.Post("/checkout", handler.PlaceOrder)
		r.Get("/orders/{id}", handler.GetOrder)
	})

	return r
}
