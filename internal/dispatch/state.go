package dispatch

import "time"

// State is one step of an invocation's lifecycle.
type State string

const (
	StateQueued   State = "queued"
	StateInit     State = "init"
	StateLockWait State = "lock_wait"
	StateRunning  State = "running"
	StateSuccess  State = "success"
	StateFailed   State = "failed"
	StateNotified State = "notified"
	StateDone     State = "done"
)

// Terminal reports whether the outcome is decided.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateNotified, StateDone:
		return true
	}
	return false
}

// Path is how an invocation executes.
type Path string

const (
	PathLocal      Path = "local"
	PathRemote     Path = "remote"
	PathBackground Path = "background"
)

// Record is the persisted status of one invocation key.
type Record struct {
	Key        string    `json:"key"`
	Command    string    `json:"command"`
	Path       Path      `json:"path"`
	State      State     `json:"state"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Host       string    `json:"host,omitempty"`
	WorkerType string    `json:"worker_type,omitempty"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
