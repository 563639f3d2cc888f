// Package httpapi exposes the checkout service over HTTP/JSON.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"tollgate/internal/checkout"
	"tollgate/internal/checkout/saga"
	"tollgate/internal/ledger"
	"tollgate/internal/realtime"
)

// HeaderIdempotencyKey carries the client-chosen checkout key.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// Handler serves the checkout endpoints.
type Handler struct {
	service  *checkout.Service
	hub      *realtime.Hub
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. hub may be nil; the feed endpoint then
// answers 503.
func NewHandler(service *checkout.Service, hub *realtime.Hub) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// PlaceOrder handles POST /checkout.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		writeError(w, http.StatusBadRequest, checkout.ErrIdempotencyKeyRequired)
		return
	}

	var body checkoutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.PlaceOrder(r.Context(), checkout.CheckoutRequest{
		IdempotencyKey: key,
		CartID:         body.CartID,
		Address:        body.Address,
		Payment: checkout.PaymentInfo{
			Token: body.Payment.Token,
			Email: body.Payment.Email,
		},
	})
	if err != nil {
		writeServiceError(w, r, result, err)
		return
	}

	status := http.StatusOK
	if result.Status == checkout.StatusProcessing {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toResponse(result))
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	result, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(result))
}

// OrdersFeed handles GET /ws/orders, streaming state transitions.
func (h *Handler) OrdersFeed(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("feed disabled"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	h.hub.Register <- conn

	// Drain the read side so close frames and pings are handled; the feed
	// is write-only from the server's point of view.
	go func() {
		defer func() { h.hub.Unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, result checkout.CheckoutResult, err error) {
	switch {
	case errors.Is(err, checkout.ErrIdempotencyKeyRequired),
		errors.Is(err, checkout.ErrCartRequired),
		errors.Is(err, checkout.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, saga.ErrIdempotencyConflict):
		writeError(w, http.StatusPreconditionFailed, err)
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case checkout.ClassOf(err) == checkout.ClassCompensationFailed:
		// The refund is stuck; report the order so operators can chase it.
		slog.ErrorContext(r.Context(), "compensation failed",
			"order_id", result.OrderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, toResponse(result))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
