package worker

import (
	"crypto/rand"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically time-ordered unique id.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// Task is one queued command invocation.
//
// Attempt is zero on the first run. A failed attempt is retried while
// Attempt <= MaxRetries after incrementing.
type Task struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Command     string         `json:"command"`
	Options     map[string]any `json:"options,omitempty"`
	Priority    int            `json:"priority"`
	MaxRetries  int            `json:"max_retries"`
	Attempt     int            `json:"attempt"`
	WorkerType  string         `json:"worker_type"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	NotBefore   time.Time      `json:"not_before,omitzero"`
	HeartbeatAt time.Time      `json:"heartbeat_at,omitzero"`
	Owner       string         `json:"owner,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// NewTask builds a task with a fresh id. key correlates the task with the
// invocation that queued it and defaults to the id.
func NewTask(key, command string, opts map[string]any, priority, maxRetries int, workerType string) Task {
	id := NewID()
	if key == "" {
		key = id
	}
	if workerType == "" {
		workerType = DefaultWorkerType
	}
	return Task{
		ID:         id,
		Key:        key,
		Command:    command,
		Options:    maps.Clone(opts),
		Priority:   priority,
		MaxRetries: max(maxRetries, 0),
		WorkerType: workerType,
	}
}

// DefaultWorkerType serves tasks whose command declares none.
const DefaultWorkerType = "default"

// Final reports whether a failure of the current attempt is terminal.
func (t Task) Final() bool {
	return t.Attempt >= t.MaxRetries
}

// Eligible reports whether t may be handed out at now.
func (t Task) Eligible(now time.Time) bool {
	return t.NotBefore.IsZero() || !now.Before(t.NotBefore)
}

// before orders by priority, then enqueue time, then id.
func (t Task) before(o Task) bool {
	if t.Priority != o.Priority {
		return t.Priority < o.Priority
	}
	if !t.EnqueuedAt.Equal(o.EnqueuedAt) {
		return t.EnqueuedAt.Before(o.EnqueuedAt)
	}
	return t.ID < o.ID
}

// retry applies one failed attempt. It returns the requeued task and true,
// or false when the retry budget is spent.
func retry(t Task, cause error, now time.Time, backoff BackoffConfig) (Task, bool) {
	t.Attempt++
	t.Owner = ""
	t.HeartbeatAt = time.Time{}
	if cause != nil {
		t.LastError = cause.Error()
	}
	if t.Attempt > t.MaxRetries {
		return t, false
	}
	if d := NextBackoffDelay(backoff, t.Attempt, nil); d > 0 {
		t.NotBefore = now.Add(d)
	} else {
		t.NotBefore = time.Time{}
	}
	return t, true
}
