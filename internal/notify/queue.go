package notify

import (
	"context"
	"sync"
	"time"
)

// DeadLetter is a message that exhausted its delivery attempts.
type DeadLetter struct {
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Queue is a FIFO of pending messages plus a dead-letter list.
type Queue interface {
	Push(ctx context.Context, msg Message) error
	// Pop returns the oldest message, or nil when the queue is empty.
	Pop(ctx context.Context) (*Message, error)
	PushDead(ctx context.Context, dl DeadLetter) error
	// Dead returns up to limit dead letters, newest first.
	Dead(ctx context.Context, limit int) ([]DeadLetter, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process queue for demo/development.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Message
	dead    []DeadLetter
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return &msg, nil
}

func (q *MemoryQueue) PushDead(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, dl)
	return nil
}

func (q *MemoryQueue) Dead(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, 0, len(q.dead))
	for i := len(q.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, q.dead[i])
	}
	return out, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

var _ Queue = (*MemoryQueue)(nil)
