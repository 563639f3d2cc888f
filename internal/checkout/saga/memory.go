package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewMemoryStore constructs an in-memory Store for tests and local runs.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		keys:    make(map[string]string),
		now:     time.Now,
	}
}

// MemoryStore keeps saga records in a map guarded by a mutex. CompareAndSwap
// enforces the same expected-state discipline as the durable stores.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	keys    map[string]string
	now     func() time.Time
}

func (s *MemoryStore) Load(ctx context.Context, orderID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.OrderID]; ok {
		return fmt.Errorf("order %s: %w", record.OrderID, ErrAlreadyExists)
	}
	if owner, ok := s.keys[record.IdempotencyKey]; ok && owner != record.OrderID {
		return fmt.Errorf("idempotency key %s: %w", record.IdempotencyKey, ErrIdempotencyConflict)
	}
	stored := record.Clone()
	stored.UpdatedAt = s.now()
	s.records[record.OrderID] = stored
	s.keys[record.IdempotencyKey] = record.OrderID
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, orderID string, expected State, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if current.State != expected {
		return fmt.Errorf("order %s: expected %s, stored %s: %w",
			orderID, expected, current.State, ErrStateConflict)
	}
	stored := record.Clone()
	stored.Version = current.Version + 1
	stored.UpdatedAt = s.now()
	s.records[orderID] = stored
	return nil
}
