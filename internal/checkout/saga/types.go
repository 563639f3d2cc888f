// Package saga holds the durable projection of a checkout's orchestration
// progress: the state graph, the per-order record with completed-step
// outcomes, and the store contract the state machine persists through.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is a saga lifecycle state. Transitions are restricted to the
// transitions table so an illegal advance is rejected before any side effect.
type State string

const (
	StateCreated              State = "CREATED"
	StateValidated            State = "VALIDATED"
	StatePriced               State = "PRICED"
	StateCharged              State = "CHARGED"
	StateFulfillmentRequested State = "FULFILLMENT_REQUESTED"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
	StateCompensating         State = "COMPENSATING"
	StateCompensated          State = "COMPENSATED"

	// StateCompensationFailed is a deliberately non-terminal alarm state: the
	// refund itself failed and an operator must resolve the order by hand.
	StateCompensationFailed State = "COMPENSATION_FAILED"
)

// ErrIllegalTransition reports an attempted transition outside the table.
type ErrIllegalTransition struct {
	From State
	To   State
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal saga transition %s -> %s", e.From, e.To)
}

// transitions is the full state graph. Compensation states may only follow
// a successful charge; no other state is ever revisited.
var transitions = map[State][]State{
	StateCreated:              {StateValidated, StateFailed},
	StateValidated:            {StatePriced, StateFailed},
	StatePriced:               {StateCharged, StateFailed},
	StateCharged:              {StateFulfillmentRequested, StateCompensating},
	StateFulfillmentRequested: {StateCompleted},
	StateCompensating:         {StateCompensated, StateCompensationFailed},
	StateCompensationFailed:   {StateCompensated},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
// StateCompensationFailed is not terminal: it awaits manual resolution.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated:
		return true
	}
	return false
}

// StepOutcome records one completed saga step so a recovering saga can skip
// it instead of re-executing the side effect.
type StepOutcome struct {
	Name        string    `json:"name"`
	Detail      string    `json:"detail,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Record is the persisted saga projection, one-to-one with an order.
type Record struct {
	OrderID        string                 `json:"order_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	State          State                  `json:"state"`
	Steps          map[string]StepOutcome `json:"steps"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	// Payload is the JSON snapshot of the order being orchestrated, stored
	// on every transition so recovery can rebuild the order after a crash.
	Payload        json.RawMessage        `json:"payload,omitempty"`
	TraceID        string                 `json:"trace_id,omitempty"`
	SpanID         string                 `json:"span_id,omitempty"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewRecord constructs a fresh record in StateCreated.
func NewRecord(orderID, idempotencyKey string, now time.Time) *Record {
	return &Record{
		OrderID:        orderID,
		IdempotencyKey: idempotencyKey,
		State:          StateCreated,
		Steps:          make(map[string]StepOutcome),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// StepDone returns the stored outcome for a step, if it completed.
func (r *Record) StepDone(name string) (StepOutcome, bool) {
	outcome, ok := r.Steps[name]
	return outcome, ok
}

// RecordStep marks a step completed with its outcome detail.
func (r *Record) RecordStep(name, detail string, now time.Time) {
	if r.Steps == nil {
		r.Steps = make(map[string]StepOutcome)
	}
	r.Steps[name] = StepOutcome{Name: name, Detail: detail, CompletedAt: now}
}

// Clone returns a deep copy so callers never share step maps.
func (r *Record) Clone() *Record {
	clone := *r
	clone.Steps = make(map[string]StepOutcome, len(r.Steps))
	for name, outcome := range r.Steps {
		clone.Steps[name] = outcome
	}
	clone.Payload = append(json.RawMessage(nil), r.Payload...)
	return &clone
}

// ErrNotFound indicates no saga record exists for the order id.
var ErrNotFound = errors.New("saga record not found")

// ErrAlreadyExists indicates a record for the order id is already stored.
var ErrAlreadyExists = errors.New("saga record already exists")

// ErrStateConflict indicates the stored state no longer matches the
// expected prior state; the caller must reload and re-evaluate.
var ErrStateConflict = errors.New("saga state conflict")

// ErrIdempotencyConflict indicates an idempotency key was reused with a
// different payload.
var ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

// Store persists saga records with optimistic concurrency. Concurrent
// attempts to advance the same order id serialize on CompareAndSwap.
type Store interface {
	Load(ctx context.Context, orderID string) (*Record, error)
	Create(ctx context.Context, record *Record) error
	CompareAndSwap(ctx context.Context, orderID string, expected State, record *Record) error
}
