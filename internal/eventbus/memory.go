package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// NewMemoryBus constructs an in-process Bus for tests and local runs.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]Handler),
		queues:   make(map[string][]Event),
	}
}

// MemoryBus dispatches events on background goroutines, one live dispatcher
// per partition key, so events sharing a key are handled strictly in publish
// order while different keys proceed in parallel.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	queues   map[string][]Event
	running  map[string]bool
	inflight sync.WaitGroup
	closed   bool
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish appends the event to the per-key queue. The append is the
// durability ack; dispatch happens asynchronously.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrPublishFailed
	}
	if b.running == nil {
		b.running = make(map[string]bool)
	}
	b.queues[evt.Key] = append(b.queues[evt.Key], evt)
	b.inflight.Add(1)
	if !b.running[evt.Key] {
		b.running[evt.Key] = true
		go b.dispatch(evt.Key)
	}
	return nil
}

// Wait blocks until every published event has been dispatched. Test helper.
func (b *MemoryBus) Wait() {
	b.inflight.Wait()
}

// Close stops accepting publishes and drains the queued events.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()
	return nil
}

func (b *MemoryBus) dispatch(key string) {
	for {
		b.mu.Lock()
		queue := b.queues[key]
		if len(queue) == 0 {
			b.running[key] = false
			b.mu.Unlock()
			return
		}
		evt := queue[0]
		b.queues[key] = queue[1:]
		handlers := append([]Handler(nil), b.handlers[evt.Topic]...)
		b.mu.Unlock()

		for _, handler := range handlers {
			if err := handler(context.Background(), evt); err != nil {
				// At-least-once: one immediate redelivery, then drop with a
				// log line. The real log keeps the event for replay.
				if err := handler(context.Background(), evt); err != nil {
					slog.Error("event handler failed, dropping after redelivery",
						"topic", evt.Topic, "key", evt.Key, "type", evt.Type, "error", err)
				}
			}
		}
		b.inflight.Done()
	}
}
