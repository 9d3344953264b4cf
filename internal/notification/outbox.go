package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const DefaultOutboxKey = "notifications:email"

type outboxEnvelope struct {
	ID       string    `json:"id"`
	QueuedAt time.Time `json:"queued_at"`
	Message
}

// RedisOutbox queues messages on a Redis list for a separate mail relay to drain.
type RedisOutbox struct {
	rdb *redis.Client
	key string
}

func NewRedisOutbox(rdb *redis.Client, key string) *RedisOutbox {
	if key == "" {
		key = DefaultOutboxKey
	}
	return &RedisOutbox{rdb: rdb, key: key}
}

func (o *RedisOutbox) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(outboxEnvelope{
		ID:       uuid.NewString(),
		QueuedAt: time.Now().UTC(),
		Message:  msg,
	})
	if err != nil {
		return fmt.Errorf("encode outbox message: %w", err)
	}
	if err := o.rdb.RPush(ctx, o.key, string(payload)).Err(); err != nil {
		return fmt.Errorf("queue mail for %s: %w", msg.To, err)
	}
	return nil
}
