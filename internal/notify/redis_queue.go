package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxDeadLetters bounds the dead-letter list.
const maxDeadLetters = 1000

// RedisQueue stores messages in two Redis lists so every API replica
// feeds the same worker pool. New messages are LPUSHed and popped from
// the right, giving FIFO order.
type RedisQueue struct {
	client  *redis.Client
	key     string
	deadKey string
}

// NewRedisQueue creates a queue under the given key prefix (e.g. "ekklesia:notify").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{
		client:  client,
		key:     prefix + ":queue",
		deadKey: prefix + ":dead",
	}
}

func (q *RedisQueue) Push(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (*Message, error) {
	data, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// Undecodable entries can never be delivered.
		_ = q.PushDead(ctx, DeadLetter{Reason: "undecodable: " + err.Error()})
		return nil, fmt.Errorf("notify: decode message: %w", err)
	}
	return &msg, nil
}

func (q *RedisQueue) PushDead(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("notify: encode dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.deadKey, data)
	pipe.LTrim(ctx, q.deadKey, 0, maxDeadLetters-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Dead(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := q.client.LRange(ctx, q.deadKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}

// Ping checks connectivity, for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var _ Queue = (*RedisQueue)(nil)
