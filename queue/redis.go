package queue

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list. Dequeue moves the message
// onto a per-queue processing list so a crashed worker leaves it visible
// for recovery; Ack removes it from there.
type RedisQueue struct {
	client *redis.Client
	name   string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name}
}

func (q *RedisQueue) processingList() string { return q.name + ":processing" }

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.name, b).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		// Block in short slices so context cancellation is honored.
		val, err := q.client.BLMove(ctx, q.name, q.processingList(), "RIGHT", "LEFT", 5*time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Message{}, err
		}
		var msg Message
		if err := json.Unmarshal([]byte(val), &msg); err != nil {
			// Drop the unreadable payload so it does not wedge the list.
			q.client.LRem(ctx, q.processingList(), 1, val)
			continue
		}
		return msg, nil
	}
}

// Recover moves every message left on the processing list back onto the
// queue. Entries land on the consuming end so interrupted jobs run before
// new submissions. Meant for startup; a concurrently running consumer may
// see a duplicate delivery, which at-least-once semantics already allow.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processingList(), q.name, "RIGHT", "RIGHT").Err()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, q.processingList(), 1, b).Err()
}

func (q *RedisQueue) Close() {}
