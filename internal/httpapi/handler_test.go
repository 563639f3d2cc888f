package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"tollgate/internal/checkout"
	"tollgate/internal/checkout/saga"
	"tollgate/internal/eventbus"
	"tollgate/internal/ledger"
	"tollgate/internal/observability"
	"tollgate/internal/telemetry"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	cart := checkout.NewInMemoryCartClient()
	cart.Put("cart-1", "USD",
		checkout.LineItem{ProductID: "sku-1", Quantity: 2, UnitPrice: checkout.NewMoney("USD", 10, 0)},
		checkout.LineItem{ProductID: "sku-2", Quantity: 1, UnitPrice: checkout.NewMoney("USD", 5, 0)},
	)
	clients := checkout.Clients{
		Cart:     cart,
		Pricing:  checkout.NewInMemoryPricingClient(checkout.NewMoney("USD", 2, 0), checkout.NewMoney("USD", 3, 0)),
		Payment:  checkout.NewInMemoryPaymentClient(),
		Shipping: checkout.NewInMemoryShippingClient(),
		Email:    checkout.NoopEmailClient{},
	}
	service := checkout.NewService(clients, saga.NewMemoryStore(), ledger.NewMemoryLedger(0), eventbus.NewMemoryBus())

	return NewRouter(NewHandler(service, nil), observability.NewMetrics(), nil)
}

const checkoutBodyJSON = `{
	"cart_id": "cart-1",
	"address": {"street": "1 Main St", "city": "Springfield", "country": "US"},
	"payment": {"token": "tok-visa", "email": "buyer@example.com"}
}`

func placeOrder(t *testing.T, router http.Handler, key string) checkoutResponse {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(checkoutBodyJSON))
	req.Header.Set(HeaderIdempotencyKey, key)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp checkoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestPlaceOrderEndpoint(t *testing.T) {
	router := newTestRouter(t)

	resp := placeOrder(t, router, "key-1")
	if resp.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s (%s)", resp.Status, resp.Reason)
	}
	if !resp.Totals.GrandTotal.Equal(checkout.NewMoney("USD", 30, 0)) {
		t.Fatalf("unexpected grand total: %s", resp.Totals.GrandTotal)
	}
}

func TestPlaceOrderEndpointRequiresKey(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(checkoutBodyJSON))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rr.Code)
	}
}

func TestPlaceOrderEndpointRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader("{not json"))
	req.Header.Set(HeaderIdempotencyKey, "key-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
}

func TestPlaceOrderEndpointReplaysIdempotently(t *testing.T) {
	router := newTestRouter(t)

	first := placeOrder(t, router, "key-1")
	second := placeOrder(t, router, "key-1")
	if second.OrderID != first.OrderID {
		t.Fatalf("expected replayed order id %s, got %s", first.OrderID, second.OrderID)
	}
}

func TestGetOrderEndpoint(t *testing.T) {
	router := newTestRouter(t)
	placed := placeOrder(t, router, "key-1")

	req := httptest.NewRequest(http.MethodGet, "/orders/"+placed.OrderID, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp checkoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "COMPLETED" || resp.OrderID != placed.OrderID {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetOrderEndpointNotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/orders/no-such-order", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)
	placeOrder(t, router, "key-1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap observability.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
}

func TestTraceContextMiddlewareJoinsCallerTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	var got trace.SpanContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = trace.SpanContextFromContext(r.Context())
	})
	wrapped := TraceContext(telemetry.NewPropagator())(next)

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	if got.TraceID().String() != "0af7651916cd43dd8448eb211c80319c" {
		t.Fatalf("expected the caller's trace id, got %s", got.TraceID())
	}
	if !got.IsSampled() {
		t.Fatalf("expected the caller's sampling decision to carry over")
	}
}

type rejectingLimiter struct{}

func (rejectingLimiter) Wait(ctx context.Context) error {
	return errors.New("limiter saturated")
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("limited request must not reach the handler")
	})
	wrapped := RateLimit(rejectingLimiter{}, observability.NewMetrics())(next)

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
