// Package queue provides the durable work queue and the worker pool that
// executes processing jobs pulled from it.
package queue

import (
	"context"
	"fmt"
	"sync"
)

// Message is the unit of work handed through the queue. The job record
// itself lives in the store; the queue only carries the id and the attempt
// counter used by the retry policy.
type Message struct {
	JobID   string `json:"jobId"`
	Attempt int    `json:"attempt"`
}

// Queue is an at-least-once work queue. Dequeue blocks until a message is
// available or the context is done. Ack confirms a dequeued message once
// the job has reached a terminal state or been re-enqueued. Recover
// re-delivers messages that were dequeued but never acked by a previous
// run; duplicates are acceptable, consumers skip settled jobs.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Dequeue(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Recover(ctx context.Context) (int, error)
	Close()
}

// MemoryQueue implements Queue with a buffered channel, for tests and
// single-node deployments without Redis.
type MemoryQueue struct {
	queue chan Message
	stop  chan struct{}
	once  sync.Once
}

func NewMemoryQueue(bufferSize int) *MemoryQueue {
	return &MemoryQueue{
		queue: make(chan Message, bufferSize),
		stop:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case q.queue <- msg:
		return nil
	case <-q.stop:
		return fmt.Errorf("queue is closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue is full, cannot enqueue job %s", msg.JobID)
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-q.queue:
		if !ok {
			return Message{}, fmt.Errorf("queue is closed")
		}
		return msg, nil
	case <-q.stop:
		return Message{}, fmt.Errorf("queue is closed")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Ack is a no-op: the channel hand-off already removed the message.
func (q *MemoryQueue) Ack(ctx context.Context, msg Message) error { return nil }

// Recover is a no-op: the in-memory queue does not survive the process, so
// there is never a previous run to recover from.
func (q *MemoryQueue) Recover(ctx context.Context) (int, error) { return 0, nil }

func (q *MemoryQueue) Close() {
	q.once.Do(func() { close(q.stop) })
}
