// Package checkoutdb persists saga records in Postgres.
package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"tollgate/internal/checkout/saga"
)

// Postgres error code for a unique constraint violation.
const uniqueViolation = "23505"

// SagaStore persists saga records with optimistic concurrency in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga table if it does not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkout_sagas (
			order_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			state TEXT NOT NULL,
			steps JSONB NOT NULL DEFAULT '{}',
			failure_reason TEXT NOT NULL DEFAULT '',
			payload JSONB,
			trace_id TEXT NOT NULL DEFAULT '',
			span_id TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Load returns the saga record for an order id.
func (s *SagaStore) Load(ctx context.Context, orderID string) (*saga.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, idempotency_key, state, steps, failure_reason,
		       payload, trace_id, span_id, version, created_at, updated_at
		FROM checkout_sagas
		WHERE order_id = $1`,
		orderID,
	)

	var record saga.Record
	var state string
	var steps, payload []byte
	err := row.Scan(&record.OrderID, &record.IdempotencyKey, &state, &steps,
		&record.FailureReason, &payload, &record.TraceID, &record.SpanID,
		&record.Version, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, saga.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	record.State = saga.State(state)
	record.Payload = payload
	if err := json.Unmarshal(steps, &record.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for order %s: %w", orderID, err)
	}
	return &record, nil
}

// Create inserts a new saga record; a second insert for the same order id
// or idempotency key is rejected.
func (s *SagaStore) Create(ctx context.Context, record *saga.Record) error {
	steps, err := json.Marshal(record.Steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkout_sagas
			(order_id, idempotency_key, state, steps, failure_reason,
			 payload, trace_id, span_id, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING`,
		record.OrderID, record.IdempotencyKey, string(record.State), steps,
		record.FailureReason, []byte(record.Payload), record.TraceID,
		record.SpanID, record.Version, record.CreatedAt,
	)
	if err != nil {
		// Duplicate order ids are absorbed by ON CONFLICT, so a unique
		// violation reaching here is the idempotency_key column: the key
		// was reused for a different order.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("idempotency key %s: %w",
				record.IdempotencyKey, saga.ErrIdempotencyConflict)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("order %s: %w", record.OrderID, saga.ErrAlreadyExists)
	}
	return nil
}

// CompareAndSwap persists the record only while the stored state still
// matches expected. The WHERE clause is the optimistic concurrency check.
func (s *SagaStore) CompareAndSwap(ctx context.Context, orderID string, expected saga.State, record *saga.Record) error {
	steps, err := json.Marshal(record.Steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sagas
		SET state = $2, steps = $3, failure_reason = $4, payload = $5,
		    version = version + 1, updated_at = NOW()
		WHERE order_id = $1 AND state = $6`,
		orderID, string(record.State), steps, record.FailureReason,
		[]byte(record.Payload), string(expected),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a missing record from a concurrent advance.
	var stored string
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkout_sagas WHERE order_id = $1`, orderID)
	switch scanErr := row.Scan(&stored); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return fmt.Errorf("order %s: %w", orderID, saga.ErrNotFound)
	case scanErr != nil:
		return scanErr
	default:
		return fmt.Errorf("order %s: expected %s, stored %s: %w",
			orderID, expected, stored, saga.ErrStateConflict)
	}
}

// NonTerminal lists order ids whose sagas were left in flight, for resume
// on startup.
func (s *SagaStore) NonTerminal(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id FROM checkout_sagas
		WHERE state NOT IN ($1, $2, $3)
		ORDER BY created_at`,
		string(saga.StateCompleted), string(saga.StateFailed), string(saga.StateCompensated),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
