// Package ledger implements the idempotency ledger: a durable mapping from
// client-supplied idempotency key to checkout outcome. Exactly one caller
// per key observes a fresh reservation; everyone else gets the in-progress
// marker or the stored result and must not execute side effects again.
package ledger

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds ledger growth. Entries expire independently of saga
// completion.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of a Reserve call.
type Outcome int

const (
	// Fresh: this caller won the reservation and must run the checkout.
	Fresh Outcome = iota
	// InProgress: another caller holds the reservation; wait and poll.
	InProgress
	// Completed: the stored result must be returned without side effects.
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Result is the terminal outcome stored against an idempotency key.
type Result struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Reservation is the ledger's answer for one key. OrderID is populated for
// in-progress and completed reservations so callers can poll the order.
type Reservation struct {
	Outcome Outcome
	OrderID string
	Result  Result
}

// ErrUnavailable wraps ledger backend failures. The saga fails the request
// when it sees this: idempotency is correctness-critical, not best-effort.
var ErrUnavailable = errors.New("idempotency ledger unavailable")

// Ledger reserves idempotency keys and stores terminal results.
type Ledger interface {
	// Reserve atomically claims key for orderID. Exactly one caller per key
	// observes Fresh.
	Reserve(ctx context.Context, key, orderID string) (Reservation, error)
	// Complete stores the terminal result for a previously reserved key.
	Complete(ctx context.Context, key string, result Result) error
}
