package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisEntry struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status,omitempty"`
	Completed bool   `json:"completed"`
}

// RedisClient is the minimal go-redis surface the ledger uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisLedger stores idempotency reservations in Redis. SET NX gives the
// atomic exactly-one-fresh guarantee; the key TTL bounds storage growth.
type RedisLedger struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLedger constructs a Redis-backed Ledger.
func NewRedisLedger(client RedisClient, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLedger{
		client:    client,
		keyPrefix: "checkout:idem:",
		ttl:       ttl,
	}
}

func (l *RedisLedger) Reserve(ctx context.Context, key, orderID string) (Reservation, error) {
	payload, err := json.Marshal(redisEntry{OrderID: orderID})
	if err != nil {
		return Reservation{}, err
	}

	set, err := l.client.SetNX(ctx, l.keyPrefix+key, payload, l.ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if set {
		return Reservation{Outcome: Fresh, OrderID: orderID}, nil
	}

	raw, err := l.client.Get(ctx, l.keyPrefix+key).Result()
	if err == redis.Nil {
		// The holder's entry expired between SETNX and GET; treat as lost
		// and let the caller retry the reservation.
		return Reservation{Outcome: InProgress}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Reservation{}, fmt.Errorf("%w: corrupt entry for key %s: %v", ErrUnavailable, key, err)
	}
	if entry.Completed {
		return Reservation{
			Outcome: Completed,
			OrderID: entry.OrderID,
			Result:  Result{OrderID: entry.OrderID, Status: entry.Status},
		}, nil
	}
	return Reservation{Outcome: InProgress, OrderID: entry.OrderID}, nil
}

func (l *RedisLedger) Complete(ctx context.Context, key string, result Result) error {
	payload, err := json.Marshal(redisEntry{
		OrderID:   result.OrderID,
		Status:    result.Status,
		Completed: true,
	})
	if err != nil {
		return err
	}
	// Full TTL again rather than KEEPTTL: the retention window should cover
	// retries arriving well after a slow saga finally completed.
	if err := l.client.Set(ctx, l.keyPrefix+key, payload, l.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
