// Package eventbus provides publish/subscribe over the event log. The
// envelope is payload-agnostic; strict ordering is guaranteed only between
// events sharing a partition key (the order id). Delivery is at-least-once
// and the bus never deduplicates, so handlers must be idempotent.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topics the checkout core publishes to or consumes from.
const (
	// TopicOrders carries OrderPlaced and OrderCompensated, produced here.
	TopicOrders = "orders"
	// TopicFraudResults carries FraudCheckResult, produced externally.
	TopicFraudResults = "fraud-results"
	// TopicAccounting carries AccountingRecord, produced externally.
	TopicAccounting = "accounting"
)

// ErrPublishFailed indicates the event log did not acknowledge the event
// within the bounded retry budget. The publishing saga step is not complete.
var ErrPublishFailed = errors.New("event publish failed")

// Event is the wire envelope. Events are immutable once published.
type Event struct {
	Topic     string            `json:"topic"`
	Key       string            `json:"key"`
	Type      string            `json:"type"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
}

// NewEvent marshals payload into an envelope keyed by partition key.
func NewEvent(topic, key, eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		Topic:     topic,
		Key:       key,
		Type:      eventType,
		Headers:   make(map[string]string),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Handler consumes one event. Returning an error requests redelivery.
type Handler func(ctx context.Context, evt Event) error

// Bus publishes events durably and dispatches them to subscribers.
type Bus interface {
	// Publish blocks until the event log acknowledges durable receipt.
	Publish(ctx context.Context, evt Event) error
	// Subscribe registers a handler invoked at least once per event on the
	// topic, in publish order for events sharing a key.
	Subscribe(topic string, handler Handler)
}
