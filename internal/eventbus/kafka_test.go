package eventbus

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestEventFromMessage(t *testing.T) {
	now := time.Now()
	msg := kafka.Message{
		Topic: TopicOrders,
		Key:   []byte("order-1"),
		Value: []byte(`{"order_id":"order-1"}`),
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte("order.placed")},
			{Key: "traceparent", Value: []byte("00-abc-def-01")},
		},
	}

	evt := eventFromMessage(msg)
	if evt.Topic != TopicOrders || evt.Key != "order-1" {
		t.Fatalf("unexpected envelope: %+v", evt)
	}
	if evt.Type != "order.placed" {
		t.Fatalf("expected event type from header, got %q", evt.Type)
	}
	if evt.Headers["traceparent"] != "00-abc-def-01" {
		t.Fatalf("expected propagation header preserved, got %v", evt.Headers)
	}
	if _, ok := evt.Headers["event-type"]; ok {
		t.Fatalf("event-type header must not leak into user headers")
	}
	if !evt.Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp: %v", evt.Timestamp)
	}
}

func TestKafkaConfigDefaults(t *testing.T) {
	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}}.withDefaults()
	if cfg.PublishAttempts != 3 {
		t.Fatalf("unexpected attempts: %d", cfg.PublishAttempts)
	}
	if cfg.PublishBackoff != 100*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", cfg.PublishBackoff)
	}
	if cfg.GroupID != "checkout-core" {
		t.Fatalf("unexpected group id: %s", cfg.GroupID)
	}
}
