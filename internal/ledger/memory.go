package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	orderID   string
	result    Result
	completed bool
	expiresAt time.Time
}

// MemoryLedger is an in-process Ledger for tests and local runs.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLedger constructs a MemoryLedger with the given TTL.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLedger{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, key, orderID string) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if ok && now.Before(entry.expiresAt) {
		if entry.completed {
			return Reservation{Outcome: Completed, OrderID: entry.orderID, Result: entry.result}, nil
		}
		return Reservation{Outcome: InProgress, OrderID: entry.orderID}, nil
	}

	l.entries[key] = memoryEntry{
		orderID:   orderID,
		expiresAt: now.Add(l.ttl),
	}
	return Reservation{Outcome: Fresh, OrderID: orderID}, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, key string, result Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		// The reservation expired mid-saga; re-create it so retries still
		// observe the stored result for a full TTL.
		entry = memoryEntry{expiresAt: l.now().Add(l.ttl)}
	}
	entry.orderID = result.OrderID
	entry.result = result
	entry.completed = true
	l.entries[key] = entry
	return nil
}
