package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds broker addresses and delivery settings.
type KafkaConfig struct {
	Brokers []string
	GroupID string

	// PublishAttempts bounds publish retries; PublishBackoff is the base
	// delay, doubled per attempt.
	PublishAttempts int
	PublishBackoff  time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 3
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = 100 * time.Millisecond
	}
	if c.GroupID == "" {
		c.GroupID = "checkout-core"
	}
	return c
}

// NewKafkaBus constructs a Kafka-backed Bus. The hash balancer routes every
// message for one key to one partition, which is what gives consumers the
// per-order ordering guarantee.
func NewKafkaBus(cfg KafkaConfig) *KafkaBus {
	cfg = cfg.withDefaults()
	return &KafkaBus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		handlers: make(map[string][]Handler),
	}
}

// KafkaBus publishes through a shared writer and runs one reader loop per
// subscribed topic.
type KafkaBus struct {
	cfg    KafkaConfig
	writer *kafka.Writer

	mu       sync.Mutex
	handlers map[string][]Handler
	readers  []*kafka.Reader
}

// Publish writes the event and blocks until all in-sync replicas ack it.
// Failures are retried with backoff up to the bounded attempt budget; the
// final failure is surfaced to the saga step that attempted the publish.
func (b *KafkaBus) Publish(ctx context.Context, evt Event) error {
	headers := make([]kafka.Header, 0, len(evt.Headers)+1)
	headers = append(headers, kafka.Header{Key: "event-type", Value: []byte(evt.Type)})
	for key, value := range evt.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	msg := kafka.Message{
		Topic:   evt.Topic,
		Key:     []byte(evt.Key),
		Value:   evt.Payload,
		Time:    evt.Timestamp,
		Headers: headers,
	}

	delay := b.cfg.PublishBackoff
	var lastErr error
	for attempt := 1; attempt <= b.cfg.PublishAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = b.writer.WriteMessages(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if attempt == b.cfg.PublishAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("%w: topic %s after %d attempts: %v",
		ErrPublishFailed, evt.Topic, b.cfg.PublishAttempts, lastErr)
}

func (b *KafkaBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Run starts one consumer loop per subscribed topic and blocks until ctx
// ends. Messages are committed only after every handler succeeds, so a
// crash redelivers rather than drops (at-least-once).
func (b *KafkaBus) Run(ctx context.Context) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: b.cfg.Brokers,
			GroupID: b.cfg.GroupID,
			Topic:   topic,
		})
		b.mu.Lock()
		b.readers = append(b.readers, reader)
		b.mu.Unlock()

		wg.Add(1)
		go func(topic string, reader *kafka.Reader) {
			defer wg.Done()
			b.consume(ctx, topic, reader)
		}(topic, reader)
	}
	wg.Wait()
}

// Close flushes the writer and stops the reader loops.
func (b *KafkaBus) Close() error {
	err := b.writer.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, reader := range b.readers {
		if closeErr := reader.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (b *KafkaBus) consume(ctx context.Context, topic string, reader *kafka.Reader) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("kafka fetch failed", "topic", topic, "error", err)
			continue
		}

		evt := eventFromMessage(msg)
		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers[topic]...)
		b.mu.Unlock()

		failed := false
		for _, handler := range handlers {
			if err := handler(ctx, evt); err != nil {
				slog.Error("event handler failed, leaving uncommitted",
					"topic", topic, "key", evt.Key, "type", evt.Type, "error", err)
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("kafka commit failed", "topic", topic, "error", err)
		}
	}
}

func eventFromMessage(msg kafka.Message) Event {
	evt := Event{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Headers:   make(map[string]string, len(msg.Headers)),
		Timestamp: msg.Time,
		Payload:   msg.Value,
	}
	for _, header := range msg.Headers {
		if header.Key == "event-type" {
			evt.Type = string(header.Value)
			continue
		}
		evt.Headers[header.Key] = string(header.Value)
	}
	return evt
}
