package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tollgate/internal/checkout/saga"
	"tollgate/internal/eventbus"
	"tollgate/internal/ledger"
	"tollgate/internal/telemetry"
)

// Step names recorded in the saga record. Recovery skips a step whose
// outcome is already stored.
const (
	stepValidate     = "validate"
	stepPrice        = "price"
	stepCharge       = "charge"
	stepPublishOrder = "publish_order_placed"
	stepShip         = "ship"
	stepEmail        = "email"
	stepRefund       = "refund"
)

// Status is the caller-visible checkout outcome.
type Status string

const (
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCompensated Status = "COMPENSATED"
	StatusProcessing  Status = "PROCESSING"
)

// ErrIdempotencyKeyRequired indicates the request carried no key.
var ErrIdempotencyKeyRequired = errors.New("idempotency key required")

// ErrCartRequired indicates the request carried no cart id.
var ErrCartRequired = errors.New("cart id required")

// CheckoutRequest is the inbound PlaceOrder payload.
type CheckoutRequest struct {
	IdempotencyKey string
	CartID         string
	Address        Address
	Payment        PaymentInfo
}

// CheckoutResult is what the PlaceOrder caller gets back: a terminal status
// or, when the saga outlives the request deadline, the order id with
// StatusProcessing for later polling.
type CheckoutResult struct {
	OrderID string
	Status  Status
	Totals  Totals
	Reason  string
}

// StepObserver receives per-step timing. Satisfied by observability.Metrics.
type StepObserver interface {
	StepStarted(step string) func(err error)
}

// TransitionListener is notified after each durable state transition.
type TransitionListener func(orderID string, state saga.State)

// Service is the saga state machine: it sequences the checkout steps
// through the gateway-wrapped clients and the event bus, consults the
// idempotency ledger, and persists every transition before the next step.
type Service struct {
	clients Clients
	store   saga.Store
	ledger  ledger.Ledger
	bus     eventbus.Bus
	prop    *telemetry.Propagator

	observer StepObserver
	listener TransitionListener
	now      func() time.Time
	newID    func() string
	locks    *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides order-id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithStepObserver wires per-step metrics.
func WithStepObserver(observer StepObserver) Option {
	return func(s *Service) { s.observer = observer }
}

// WithTransitionListener wires a listener for durable transitions.
func WithTransitionListener(listener TransitionListener) Option {
	return func(s *Service) { s.listener = listener }
}

// NewService constructs the saga service.
func NewService(clients Clients, store saga.Store, ldg ledger.Ledger, bus eventbus.Bus, opts ...Option) *Service {
	s := &Service{
		clients: clients,
		store:   store,
		ledger:  ldg,
		bus:     bus,
		prop:    telemetry.NewPropagator(),
		now:     time.Now,
		newID:   uuid.NewString,
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder accepts a checkout request and drives its saga to a terminal
// state, or to StatusProcessing when the caller's deadline expires first.
func (s *Service) PlaceOrder(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	if req.IdempotencyKey == "" {
		return CheckoutResult{}, ErrIdempotencyKeyRequired
	}
	if req.CartID == "" {
		return CheckoutResult{}, ErrCartRequired
	}

	orderID := s.newID()
	reservation, err := s.ledger.Reserve(ctx, req.IdempotencyKey, orderID)
	if err != nil {
		// Without the ledger a retry could charge twice. Refuse.
		return CheckoutResult{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	switch reservation.Outcome {
	case ledger.Completed:
		return s.storedResult(ctx, reservation.Result)
	case ledger.InProgress:
		return CheckoutResult{OrderID: reservation.OrderID, Status: StatusProcessing}, nil
	}

	ctx, span := s.prop.StartCheckout(ctx, orderID)
	defer span.End()

	now := s.now()
	order := &Order{
		ID:        orderID,
		State:     saga.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Address:   req.Address,
		Email:     req.Payment.Email,
	}
	record := saga.NewRecord(orderID, req.IdempotencyKey, now)
	record.TraceID, record.SpanID = telemetry.TraceInfo(ctx)
	if record.Payload, err = json.Marshal(order); err != nil {
		return CheckoutResult{}, err
	}
	if err := s.store.Create(ctx, record); err != nil {
		return CheckoutResult{}, fmt.Errorf("create saga record: %w", err)
	}

	return s.drive(ctx, order, record, req)
}

// Resume continues an interrupted saga from its last durable state. Called
// on startup for records left non-terminal by a crash.
func (s *Service) Resume(ctx context.Context, orderID string) (CheckoutResult, error) {
	record, err := s.store.Load(ctx, orderID)
	if err != nil {
		return CheckoutResult{}, err
	}
	var order Order
	if err := json.Unmarshal(record.Payload, &order); err != nil {
		return CheckoutResult{}, fmt.Errorf("decode order payload: %w", err)
	}

	ctx, span := s.prop.StartCheckout(ctx, orderID)
	defer span.End()

	// Resumed sagas have no cart or payment input beyond the persisted
	// snapshot. A saga that has not charged yet fails closed in the charge
	// step rather than running it with credentials it no longer has.
	return s.drive(ctx, &order, record, CheckoutRequest{IdempotencyKey: record.IdempotencyKey})
}

// GetOrder returns the current status and totals for an order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (CheckoutResult, error) {
	record, err := s.store.Load(ctx, orderID)
	if err != nil {
		return CheckoutResult{}, err
	}
	var order Order
	if err := json.Unmarshal(record.Payload, &order); err != nil {
		return CheckoutResult{}, fmt.Errorf("decode order payload: %w", err)
	}
	return CheckoutResult{
		OrderID: orderID,
		Status:  statusOf(record.State),
		Totals:  order.Totals,
		Reason:  record.FailureReason,
	}, nil
}

// drive loops the state machine until a terminal state, the alarm state,
// or context expiry. The per-order lock serializes concurrent drivers.
func (s *Service) drive(ctx context.Context, order *Order, record *saga.Record, req CheckoutRequest) (CheckoutResult, error) {
	unlock := s.locks.lock(order.ID)
	defer unlock()

	for !record.State.Terminal() {
		if record.State == saga.StateCompensationFailed {
			return CheckoutResult{OrderID: order.ID, Status: StatusProcessing, Reason: record.FailureReason},
				CompensationFailed(errors.New(record.FailureReason))
		}
		if err := ctx.Err(); err != nil {
			// The caller's deadline expired. Completed steps stay completed;
			// the persisted state is the resume point. Never roll back here.
			return CheckoutResult{OrderID: order.ID, Status: StatusProcessing}, nil
		}
		if err := s.advanceOnce(ctx, order, record, req); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return CheckoutResult{OrderID: order.ID, Status: StatusProcessing}, nil
			}
			return CheckoutResult{OrderID: order.ID, Status: statusOf(record.State), Reason: record.FailureReason}, err
		}
	}

	result := CheckoutResult{
		OrderID: order.ID,
		Status:  statusOf(record.State),
		Totals:  order.Totals,
		Reason:  record.FailureReason,
	}
	if err := s.ledger.Complete(ctx, record.IdempotencyKey, ledger.Result{
		OrderID: order.ID,
		Status:  string(result.Status),
	}); err != nil {
		// The saga is terminal; a retry hitting the stale in-progress marker
		// polls the order instead of re-executing, so log and move on.
		slog.WarnContext(ctx, "complete idempotency ledger failed",
			"order_id", order.ID, "error", err)
	}
	return result, nil
}

// advanceOnce executes the single step owed by the current state and
// persists the resulting transition before returning.
func (s *Service) advanceOnce(ctx context.Context, order *Order, record *saga.Record, req CheckoutRequest) error {
	switch record.State {
	case saga.StateCreated:
		return s.stepValidate(ctx, order, record, req)
	case saga.StateValidated:
		return s.stepPrice(ctx, order, record)
	case saga.StatePriced:
		return s.stepCharge(ctx, order, record, req)
	case saga.StateCharged:
		return s.stepFulfill(ctx, order, record)
	case saga.StateFulfillmentRequested:
		return s.stepComplete(ctx, order, record)
	case saga.StateCompensating:
		return s.stepCompensate(ctx, order, record)
	}
	return fmt.Errorf("no step defined for state %s", record.State)
}

func (s *Service) stepValidate(ctx context.Context, order *Order, record *saga.Record, req CheckoutRequest) error {
	finish := s.observeStep(ctx, stepValidate)
	err := func() error {
		if _, done := record.StepDone(stepValidate); done {
			return s.advance(ctx, order, record, saga.StateValidated, "")
		}
		items, currency, err := s.clients.Cart.ReadCart(ctx, req.CartID)
		if err != nil {
			return s.fail(ctx, order, record, fmt.Errorf("read cart: %w", err))
		}
		order.Items = items
		order.Currency = currency
		if err := order.Validate(); err != nil {
			return s.fail(ctx, order, record, Permanent(err))
		}
		record.RecordStep(stepValidate, req.CartID, s.now())
		return s.advance(ctx, order, record, saga.StateValidated, "")
	}()
	finish(err)
	return err
}

func (s *Service) stepPrice(ctx context.Context, order *Order, record *saga.Record) error {
	finish := s.observeStep(ctx, stepPrice)
	err := func() error {
		if _, done := record.StepDone(stepPrice); done {
			return s.advance(ctx, order, record, saga.StatePriced, "")
		}
		quote, err := s.clients.Pricing.PriceCart(ctx, order.Items, order.Address, order.Currency)
		if err != nil {
			return s.fail(ctx, order, record, fmt.Errorf("price cart: %w", err))
		}
		subtotal, err := order.Subtotal()
		if err != nil {
			return s.fail(ctx, order, record, Permanent(err))
		}
		total, err := subtotal.Add(quote.Tax)
		if err == nil {
			total, err = total.Add(quote.Shipping)
		}
		if err != nil {
			return s.fail(ctx, order, record, Permanent(err))
		}
		order.Totals = Totals{
			Subtotal:   subtotal,
			Tax:        quote.Tax,
			Shipping:   quote.Shipping,
			GrandTotal: total,
		}
		record.RecordStep(stepPrice, total.String(), s.now())
		return s.advance(ctx, order, record, saga.StatePriced, "")
	}()
	finish(err)
	return err
}

func (s *Service) stepCharge(ctx context.Context, order *Order, record *saga.Record, req CheckoutRequest) error {
	finish := s.observeStep(ctx, stepCharge)
	err := func() error {
		if _, done := record.StepDone(stepCharge); done {
			return s.advance(ctx, order, record, saga.StateCharged, "")
		}
		if req.Payment.Token == "" {
			// Payment credentials live only in the original request and are
			// never persisted, so a resumed saga cannot supply them here.
			return s.fail(ctx, order, record, Permanent(errors.New("payment credentials not available")))
		}
		chargeID, err := s.clients.Payment.Charge(ctx, order.ID, order.Totals.GrandTotal, req.Payment)
		if err != nil {
			return s.fail(ctx, order, record, fmt.Errorf("charge payment: %w", err))
		}
		// The charge outcome goes into the record in the same write as the
		// transition, before any subsequent step runs. A crash after this
		// point recovers with the charge known, never re-charging.
		record.RecordStep(stepCharge, chargeID, s.now())
		if err := s.advance(ctx, order, record, saga.StateCharged, ""); err != nil {
			return err
		}
		s.publishPaymentResult(ctx, order.ID, chargeID)
		return nil
	}()
	finish(err)
	return err
}

func (s *Service) stepFulfill(ctx context.Context, order *Order, record *saga.Record) error {
	finish := s.observeStep(ctx, stepShip)
	err := func() error {
		if _, done := record.StepDone(stepPublishOrder); !done {
			if err := s.publishOrderPlaced(ctx, order); err != nil {
				// The charge is committed; a lost announcement is a
				// post-commit failure and compensation is the only exit.
				return s.compensate(ctx, order, record, fmt.Sprintf("publish order placed: %v", err))
			}
			record.RecordStep(stepPublishOrder, "", s.now())
			if err := s.checkpoint(ctx, order, record); err != nil {
				return err
			}
		}

		if _, done := record.StepDone(stepShip); !done {
			trackingID, err := s.clients.Shipping.RequestShipment(ctx, order.ID, order.Address, order.Items)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return s.compensate(ctx, order, record, fmt.Sprintf("request shipment: %v", err))
			}
			record.RecordStep(stepShip, trackingID, s.now())
		}
		return s.advance(ctx, order, record, saga.StateFulfillmentRequested, "")
	}()
	finish(err)
	return err
}

func (s *Service) stepComplete(ctx context.Context, order *Order, record *saga.Record) error {
	finish := s.observeStep(ctx, stepEmail)
	err := func() error {
		if _, done := record.StepDone(stepEmail); !done {
			// Best effort: a lost confirmation email never blocks completion.
			if err := s.clients.Email.SendConfirmation(ctx, order.Email, order); err != nil {
				slog.WarnContext(ctx, "confirmation email failed",
					"order_id", order.ID, "error", err)
			}
			record.RecordStep(stepEmail, "", s.now())
		}
		return s.advance(ctx, order, record, saga.StateCompleted, "")
	}()
	finish(err)
	return err
}

func (s *Service) stepCompensate(ctx context.Context, order *Order, record *saga.Record) error {
	finish := s.observeStep(ctx, stepRefund)
	err := func() error {
		if _, done := record.StepDone(stepRefund); !done {
			charge, _ := record.StepDone(stepCharge)
			if err := s.clients.Payment.Refund(ctx, order.ID, charge.Detail, order.Totals.GrandTotal); err != nil {
				// Never silently retried forever: park in the alarm state
				// and surface for manual intervention.
				reason := fmt.Sprintf("refund failed: %v", err)
				if advErr := s.advance(ctx, order, record, saga.StateCompensationFailed, reason); advErr != nil {
					return advErr
				}
				return CompensationFailed(err)
			}
			record.RecordStep(stepRefund, "", s.now())
		}
		s.publishOrderCompensated(ctx, order.ID, record.FailureReason)
		return s.advance(ctx, order, record, saga.StateCompensated, record.FailureReason)
	}()
	finish(err)
	return err
}

// fail moves the saga to FAILED for permanent errors and exhausted
// retries. Transient classification has already been consumed by the
// gateway's bounded retries by the time the error reaches here.
func (s *Service) fail(ctx context.Context, order *Order, record *saga.Record, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	if err := s.advance(ctx, order, record, saga.StateFailed, cause.Error()); err != nil {
		return err
	}
	return nil
}

// compensate records the post-commit failure reason and enters the
// compensation branch, then immediately runs the refund step.
func (s *Service) compensate(ctx context.Context, order *Order, record *saga.Record, reason string) error {
	if err := s.advance(ctx, order, record, saga.StateCompensating, reason); err != nil {
		return err
	}
	return s.stepCompensate(ctx, order, record)
}

// advance durably transitions the saga to next, writing the updated order
// snapshot in the same record. Illegal transitions are rejected before any
// write.
func (s *Service) advance(ctx context.Context, order *Order, record *saga.Record, next saga.State, reason string) error {
	if !saga.CanTransition(record.State, next) {
		return saga.ErrIllegalTransition{From: record.State, To: next}
	}
	prev := record.State
	record.State = next
	if reason != "" {
		record.FailureReason = reason
	}
	order.State = next
	order.UpdatedAt = s.now()

	payload, err := json.Marshal(order)
	if err != nil {
		record.State = prev
		return err
	}
	record.Payload = payload

	if err := s.store.CompareAndSwap(ctx, order.ID, prev, record); err != nil {
		record.State = prev
		return fmt.Errorf("persist transition %s -> %s: %w", prev, next, err)
	}
	record.Version++

	slog.InfoContext(ctx, "saga transition",
		"order_id", order.ID, "from", prev, "to", next)
	if s.listener != nil {
		s.listener(order.ID, next)
	}
	return nil
}

// checkpoint persists step progress without changing state, so recovery
// skips sub-steps that already ran (e.g. the OrderPlaced publish).
func (s *Service) checkpoint(ctx context.Context, order *Order, record *saga.Record) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	record.Payload = payload
	if err := s.store.CompareAndSwap(ctx, order.ID, record.State, record); err != nil {
		return fmt.Errorf("persist checkpoint at %s: %w", record.State, err)
	}
	record.Version++
	return nil
}

func (s *Service) publishOrderPlaced(ctx context.Context, order *Order) error {
	evt, err := eventbus.NewEvent(eventbus.TopicOrders, order.ID, EventOrderPlaced, OrderPlaced{
		OrderID: order.ID,
		Items:   order.Items,
		Totals:  order.Totals,
	})
	if err != nil {
		return err
	}
	s.prop.InjectEvent(ctx, evt.Headers)
	return s.bus.Publish(ctx, evt)
}

func (s *Service) publishPaymentResult(ctx context.Context, orderID, chargeID string) {
	evt, err := eventbus.NewEvent(eventbus.TopicOrders, orderID, EventPaymentResult, PaymentResult{
		OrderID:  orderID,
		ChargeID: chargeID,
		Status:   "charged",
	})
	if err == nil {
		s.prop.InjectEvent(ctx, evt.Headers)
		err = s.bus.Publish(ctx, evt)
	}
	if err != nil {
		// Informational event; the charge itself is already durable.
		slog.WarnContext(ctx, "publish payment result failed",
			"order_id", orderID, "error", err)
	}
}

func (s *Service) publishOrderCompensated(ctx context.Context, orderID, reason string) {
	evt, err := eventbus.NewEvent(eventbus.TopicOrders, orderID, EventOrderCompensated, OrderCompensated{
		OrderID: orderID,
		Reason:  reason,
	})
	if err == nil {
		s.prop.InjectEvent(ctx, evt.Headers)
		err = s.bus.Publish(ctx, evt)
	}
	if err != nil {
		slog.WarnContext(ctx, "publish order compensated failed",
			"order_id", orderID, "error", err)
	}
}

func (s *Service) storedResult(ctx context.Context, stored ledger.Result) (CheckoutResult, error) {
	result := CheckoutResult{OrderID: stored.OrderID, Status: Status(stored.Status)}
	// Best effort enrichment with totals; the stored status is the answer.
	if lookup, err := s.GetOrder(ctx, stored.OrderID); err == nil {
		result.Totals = lookup.Totals
		result.Reason = lookup.Reason
	}
	return result, nil
}

func (s *Service) observeStep(ctx context.Context, step string) func(error) {
	_, span := s.prop.StartStep(ctx, step)
	var finishMetrics func(error)
	if s.observer != nil {
		finishMetrics = s.observer.StepStarted(step)
	}
	return func(err error) {
		if finishMetrics != nil {
			finishMetrics(err)
		}
		telemetry.EndSpan(span, err)
	}
}

func statusOf(state saga.State) Status {
	switch state {
	case saga.StateCompleted:
		return StatusCompleted
	case saga.StateFailed:
		return StatusFailed
	case saga.StateCompensated:
		return StatusCompensated
	}
	return StatusProcessing
}
