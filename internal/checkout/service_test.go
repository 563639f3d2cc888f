package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"tollgate/internal/checkout/saga"
	"tollgate/internal/eventbus"
	"tollgate/internal/ledger"
)

type eventCollector struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *eventCollector) handle(ctx context.Context, evt eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *eventCollector) ofType(eventType string) []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []eventbus.Event
	for _, evt := range c.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type scriptedShipping struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedShipping) RequestShipment(ctx context.Context, orderID string, addr Address, items []LineItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("track-%d", s.calls), nil
}

type refundFailingPayment struct {
	*InMemoryPaymentClient
	refundErr error
}

func (p *refundFailingPayment) Refund(ctx context.Context, orderID, chargeID string, amount Money) error {
	if p.refundErr != nil {
		return p.refundErr
	}
	return p.InMemoryPaymentClient.Refund(ctx, orderID, chargeID, amount)
}

type checkoutEnv struct {
	cart     *InMemoryCartClient
	payment  *InMemoryPaymentClient
	shipping *scriptedShipping
	clients  Clients
	store    *saga.MemoryStore
	bus      *eventbus.MemoryBus
	events   *eventCollector
	service  *Service
}

// newCheckoutEnv builds a service over in-memory collaborators with the
// standard cart: 2 x $10.00 + 1 x $5.00, $2.00 tax, $3.00 shipping.
func newCheckoutEnv(t *testing.T) *checkoutEnv {
	t.Helper()

	env := &checkoutEnv{
		cart:     NewInMemoryCartClient(),
		payment:  NewInMemoryPaymentClient(),
		shipping: &scriptedShipping{},
		store:    saga.NewMemoryStore(),
		bus:      eventbus.NewMemoryBus(),
		events:   &eventCollector{},
	}
	env.cart.Put("cart-1", "USD",
		LineItem{ProductID: "sku-1", Quantity: 2, UnitPrice: NewMoney("USD", 10, 0)},
		LineItem{ProductID: "sku-2", Quantity: 1, UnitPrice: NewMoney("USD", 5, 0)},
	)
	env.clients = Clients{
		Cart:     env.cart,
		Pricing:  NewInMemoryPricingClient(NewMoney("USD", 2, 0), NewMoney("USD", 3, 0)),
		Payment:  env.payment,
		Shipping: env.shipping,
		Email:    NoopEmailClient{},
	}
	env.bus.Subscribe(eventbus.TopicOrders, env.events.handle)

	seq := 0
	env.service = NewService(env.clients, env.store, ledger.NewMemoryLedger(0), env.bus,
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("order-%d", seq)
		}),
	)
	return env
}

func standardRequest(key string) CheckoutRequest {
	return CheckoutRequest{
		IdempotencyKey: key,
		CartID:         "cart-1",
		Address:        Address{Street: "1 Main St", City: "Springfield", Country: "US"},
		Payment:        PaymentInfo{Token: "tok-visa", Email: "buyer@example.com"},
	}
}

func TestPlaceOrderCompletes(t *testing.T) {
	env := newCheckoutEnv(t)

	result, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", result.Status, result.Reason)
	}
	want := NewMoney("USD", 30, 0)
	if !result.Totals.GrandTotal.Equal(want) {
		t.Fatalf("expected grand total %s, got %s", want, result.Totals.GrandTotal)
	}
	if env.payment.ChargeCount() != 1 {
		t.Fatalf("expected exactly one charge, got %d", env.payment.ChargeCount())
	}

	env.bus.Wait()
	placed := env.events.ofType(EventOrderPlaced)
	if len(placed) != 1 {
		t.Fatalf("expected one OrderPlaced event, got %d", len(placed))
	}
	if placed[0].Key != result.OrderID {
		t.Fatalf("expected event keyed by order id, got %s", placed[0].Key)
	}

	lookup, err := env.service.GetOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lookup.Status != StatusCompleted {
		t.Fatalf("expected stored COMPLETED, got %s", lookup.Status)
	}
}

func TestPlaceOrderIdempotentSequential(t *testing.T) {
	env := newCheckoutEnv(t)
	ctx := context.Background()

	first, err := env.service.PlaceOrder(ctx, standardRequest("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := env.service.PlaceOrder(ctx, standardRequest("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.OrderID != first.OrderID {
		t.Fatalf("expected replayed order id %s, got %s", first.OrderID, second.OrderID)
	}
	if second.Status != StatusCompleted {
		t.Fatalf("expected replayed COMPLETED, got %s", second.Status)
	}
	if env.payment.ChargeCount() != 1 {
		t.Fatalf("expected exactly one charge, got %d", env.payment.ChargeCount())
	}
}

func TestPlaceOrderIdempotentConcurrent(t *testing.T) {
	env := newCheckoutEnv(t)

	const racers = 8
	results := make([]CheckoutResult, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
		}(i)
	}
	wg.Wait()

	winner := ""
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d: unexpected error: %v", i, errs[i])
		}
		if results[i].OrderID == "" {
			t.Fatalf("racer %d: missing order id", i)
		}
		if winner == "" {
			winner = results[i].OrderID
		}
		if results[i].OrderID != winner {
			t.Fatalf("racers saw different orders: %s vs %s", winner, results[i].OrderID)
		}
		if results[i].Status != StatusCompleted && results[i].Status != StatusProcessing {
			t.Fatalf("racer %d: unexpected status %s", i, results[i].Status)
		}
	}
	if env.payment.ChargeCount() != 1 {
		t.Fatalf("expected exactly one charge across racers, got %d", env.payment.ChargeCount())
	}
}

func TestPlaceOrderDeclinedPayment(t *testing.T) {
	env := newCheckoutEnv(t)
	env.payment.DeclineAll = true

	result, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if result.Reason == "" {
		t.Fatalf("expected failure reason")
	}

	env.bus.Wait()
	if placed := env.events.ofType(EventOrderPlaced); len(placed) != 0 {
		t.Fatalf("declined order must not announce OrderPlaced, got %d", len(placed))
	}
	if env.payment.WasRefunded(result.OrderID) {
		t.Fatalf("nothing was charged, nothing to refund")
	}
}

func TestPlaceOrderCompensatesOnShippingFailure(t *testing.T) {
	env := newCheckoutEnv(t)
	env.shipping.errs = []error{Permanent(errors.New("no carrier for region"))}

	result, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s (%s)", result.Status, result.Reason)
	}
	if env.payment.ChargeCount() != 1 {
		t.Fatalf("expected one charge, got %d", env.payment.ChargeCount())
	}
	if !env.payment.WasRefunded(result.OrderID) {
		t.Fatalf("expected the charge to be refunded")
	}

	env.bus.Wait()
	if compensated := env.events.ofType(EventOrderCompensated); len(compensated) != 1 {
		t.Fatalf("expected one OrderCompensated event, got %d", len(compensated))
	}
}

func TestResumeAfterInterruptionDoesNotDoubleCharge(t *testing.T) {
	env := newCheckoutEnv(t)
	// The shipping call dies with the caller's deadline; the saga parks
	// non-terminal with the charge already durable.
	env.shipping.errs = []error{context.DeadlineExceeded}

	result, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING after interruption, got %s", result.Status)
	}
	if env.payment.ChargeCount() != 1 {
		t.Fatalf("expected the charge before interruption, got %d", env.payment.ChargeCount())
	}

	resumed, err := env.service.Resume(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s (%s)", resumed.Status, resumed.Reason)
	}
	if env.payment.ChargeCount() != 1 {
		t.Fatalf("resume must not re-charge, got %d charges", env.payment.ChargeCount())
	}

	env.bus.Wait()
	if placed := env.events.ofType(EventOrderPlaced); len(placed) != 1 {
		t.Fatalf("expected one OrderPlaced across interruption and resume, got %d", len(placed))
	}
}

type scriptedPricing struct {
	base PricingClient
	errs []error
}

func (p *scriptedPricing) PriceCart(ctx context.Context, items []LineItem, addr Address, currency string) (Quote, error) {
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return Quote{}, err
		}
	}
	return p.base.PriceCart(ctx, items, addr, currency)
}

func TestResumeBeforeChargeFailsClosed(t *testing.T) {
	env := newCheckoutEnv(t)
	// The pricing call dies with the caller's deadline; the saga parks
	// non-terminal before any money moved.
	env.clients.Pricing = &scriptedPricing{
		base: env.clients.Pricing,
		errs: []error{context.DeadlineExceeded},
	}
	env.service = NewService(env.clients, env.store, ledger.NewMemoryLedger(0), env.bus)

	result, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING after interruption, got %s", result.Status)
	}
	if env.payment.ChargeCount() != 0 {
		t.Fatalf("nothing should be charged before interruption, got %d", env.payment.ChargeCount())
	}

	// Payment credentials are not persisted, so the resumed saga must not
	// reach the payment provider with empty input.
	resumed, err := env.service.Resume(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.Status != StatusFailed {
		t.Fatalf("expected FAILED after credential-less resume, got %s", resumed.Status)
	}
	if resumed.Reason == "" {
		t.Fatalf("expected a failure reason")
	}
	if env.payment.ChargeCount() != 0 {
		t.Fatalf("resume without credentials must never charge, got %d", env.payment.ChargeCount())
	}
}

func TestRefundFailureParksSagaForIntervention(t *testing.T) {
	env := newCheckoutEnv(t)
	env.shipping.errs = []error{Permanent(errors.New("no carrier"))}
	env.clients.Payment = &refundFailingPayment{
		InMemoryPaymentClient: env.payment,
		refundErr:             Transient(errors.New("refund endpoint down")),
	}
	env.service = NewService(env.clients, env.store, ledger.NewMemoryLedger(0), env.bus)

	result, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
	if err == nil {
		t.Fatalf("expected the stuck refund to surface")
	}
	if ClassOf(err) != ClassCompensationFailed {
		t.Fatalf("expected compensation-failed class, got %s (%v)", ClassOf(err), err)
	}
	if result.Status != StatusProcessing {
		t.Fatalf("alarm state must read as processing, got %s", result.Status)
	}

	lookup, err := env.service.GetOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lookup.Status != StatusProcessing {
		t.Fatalf("parked saga must not be terminal, got %s", lookup.Status)
	}
}

func TestPlaceOrderValidatesInput(t *testing.T) {
	env := newCheckoutEnv(t)
	ctx := context.Background()

	req := standardRequest("")
	if _, err := env.service.PlaceOrder(ctx, req); !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}

	req = standardRequest("key-1")
	req.CartID = ""
	if _, err := env.service.PlaceOrder(ctx, req); !errors.Is(err, ErrCartRequired) {
		t.Fatalf("expected ErrCartRequired, got %v", err)
	}
}

func TestPlaceOrderFailsOnMissingCart(t *testing.T) {
	env := newCheckoutEnv(t)

	req := standardRequest("key-1")
	req.CartID = "no-such-cart"
	result, err := env.service.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED for missing cart, got %s", result.Status)
	}
}

type unavailableLedger struct{}

func (unavailableLedger) Reserve(ctx context.Context, key, orderID string) (ledger.Reservation, error) {
	return ledger.Reservation{}, fmt.Errorf("redis down: %w", ledger.ErrUnavailable)
}

func (unavailableLedger) Complete(ctx context.Context, key string, result ledger.Result) error {
	return ledger.ErrUnavailable
}

func TestPlaceOrderRefusesWithoutLedger(t *testing.T) {
	env := newCheckoutEnv(t)
	env.service = NewService(env.clients, env.store, unavailableLedger{}, env.bus)

	_, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1"))
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ledger unavailability to refuse the request, got %v", err)
	}
}

func TestTransitionListenerSeesDurableTransitions(t *testing.T) {
	env := newCheckoutEnv(t)

	var mu sync.Mutex
	var states []saga.State
	seq := 0
	env.service = NewService(env.clients, env.store, ledger.NewMemoryLedger(0), env.bus,
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("order-%d", seq)
		}),
		WithTransitionListener(func(orderID string, state saga.State) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		}),
	)

	if _, err := env.service.PlaceOrder(context.Background(), standardRequest("key-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []saga.State{
		saga.StateValidated, saga.StatePriced, saga.StateCharged,
		saga.StateFulfillmentRequested, saga.StateCompleted,
	}
	if len(states) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}
