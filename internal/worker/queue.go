package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zimagi/zimagi-sub000/internal/observability"
)

var (
	ErrQueueClosed = errors.New("worker: queue closed")
	ErrNotInFlight = errors.New("worker: task not in flight")
	ErrInvalidTask = errors.New("worker: invalid task")
)

// Queue is the task queue collaborator. Dequeue blocks until an eligible
// task of workerType exists or ctx is done.
type Queue interface {
	Enqueue(ctx context.Context, t Task) (Task, error)
	Dequeue(ctx context.Context, workerType, owner string) (Task, error)
	Ack(ctx context.Context, t Task) error
	Nack(ctx context.Context, t Task, cause error) (requeued bool, err error)
	Heartbeat(ctx context.Context, t Task) error
	InFlight(ctx context.Context) ([]Task, error)
	Pending(ctx context.Context, workerType string) (int, error)
	Close() error
}

func validateTask(t Task) error {
	if t.ID == "" || t.Command == "" {
		return fmt.Errorf("%w: id and command are required", ErrInvalidTask)
	}
	if t.WorkerType == "" {
		return fmt.Errorf("%w: %s: empty worker type", ErrInvalidTask, t.ID)
	}
	return nil
}

// MemoryQueue is an in-process queue.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Task
	inflight map[string]Task
	closed   bool
	wake     chan struct{}
	backoff  BackoffConfig
	now      func() time.Time
}

func NewMemoryQueue(backoff BackoffConfig) *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Task),
		wake:     make(chan struct{}),
		backoff:  backoff,
		now:      time.Now,
	}
}

// broadcast wakes every blocked Dequeue. Caller holds mu.
func (q *MemoryQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task) (Task, error) {
	if err := validateTask(t); err != nil {
		return Task{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Task{}, ErrQueueClosed
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	q.pending = append(q.pending, t)
	q.broadcast()
	observability.RecordQueueEvent(t.WorkerType, "enqueued")
	log.Debug().Str("task", t.ID).Str("command", t.Command).Str("worker_type", t.WorkerType).Int("priority", t.Priority).Msg("task_enqueued")
	return t, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerType, owner string) (Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Task{}, ErrQueueClosed
		}
		now := q.now()
		idx := -1
		var nextAt time.Time
		for i, t := range q.pending {
			if t.WorkerType != workerType {
				continue
			}
			if !t.Eligible(now) {
				if nextAt.IsZero() || t.NotBefore.Before(nextAt) {
					nextAt = t.NotBefore
				}
				continue
			}
			if idx < 0 || t.before(q.pending[idx]) {
				idx = i
			}
		}
		if idx >= 0 {
			t := q.pending[idx]
			q.pending = slices.Delete(q.pending, idx, idx+1)
			t.Owner = owner
			t.HeartbeatAt = now
			q.inflight[t.ID] = t
			q.mu.Unlock()
			observability.RecordQueueEvent(workerType, "dequeued")
			return t, nil
		}
		wake := q.wake
		q.mu.Unlock()

		if err := waitWake(ctx, wake, nextAt); err != nil {
			return Task{}, err
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, t.ID)
	}
	delete(q.inflight, t.ID)
	observability.RecordQueueEvent(t.WorkerType, "acked")
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, t Task, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.inflight[t.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotInFlight, t.ID)
	}
	delete(q.inflight, t.ID)
	next, requeue := retry(current, cause, q.now(), q.backoff)
	if !requeue || q.closed {
		observability.RecordQueueEvent(t.WorkerType, "failed")
		return false, nil
	}
	q.pending = append(q.pending, next)
	q.broadcast()
	observability.RecordQueueEvent(t.WorkerType, "retried")
	return true, nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.inflight[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, t.ID)
	}
	current.HeartbeatAt = q.now()
	q.inflight[t.ID] = current
	return nil
}

func (q *MemoryQueue) InFlight(context.Context) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.inflight))
	for _, t := range q.inflight {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Task) int {
		if a.before(b) {
			return -1
		}
		if b.before(a) {
			return 1
		}
		return 0
	})
	return out, nil
}

func (q *MemoryQueue) Pending(_ context.Context, workerType string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.pending {
		if workerType == "" || t.WorkerType == workerType {
			n++
		}
	}
	return n, nil
}

// waitWake blocks until wake fires, nextAt passes (when set), or ctx is done.
func waitWake(ctx context.Context, wake <-chan struct{}, nextAt time.Time) error {
	var timer <-chan time.Time
	if !nextAt.IsZero() {
		tm := time.NewTimer(time.Until(nextAt))
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-timer:
	}
	return nil
}

// Close wakes blocked consumers with ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}
