package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zimagi/zimagi-sub000/internal/lock"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/scale"
	"github.com/zimagi/zimagi-sub000/internal/transport"
	"github.com/zimagi/zimagi-sub000/internal/worker"
)

// Config wires a Dispatcher to its collaborators. Registry is required; the
// remaining fields are optional.
type Config struct {
	Registry *registry.Registry
	Locks    *lock.Manager
	// Queue enables the background path. Without it background commands run
	// in-process.
	Queue     worker.Queue
	Scaler    scale.Scaler
	Capacity  scale.Capacity
	Status    StatusStore
	Notifiers []Notifier
	Bus       *Bus
	Hosts     map[string]*transport.Client

	LockTTL time.Duration
	// LogDir receives one compressed message log per invocation.
	LogDir      string
	LogMessages bool
	// TaskWait bounds how long a synchronous background caller waits for
	// its task. Zero waits until the caller's context ends.
	TaskWait   time.Duration
	StatusPoll time.Duration
	Logger     *zerolog.Logger
}

// Dispatcher runs command invocations through their lifecycle.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running map[*invocation]struct{}
	waiters map[string]*waiter
}

// waiter lets a synchronous background caller in this process receive the
// worker's messages live.
type waiter struct {
	ch       *message.Channel
	done     chan Record
	attached bool
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	if cfg.Locks == nil {
		cfg.Locks = lock.NewManager(lock.NewMemoryStore())
	}
	if cfg.Status == nil {
		cfg.Status = NewMemoryStatusStore()
	}
	if cfg.StatusPoll <= 0 {
		cfg.StatusPoll = 500 * time.Millisecond
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			return nil, fmt.Errorf("dispatch: log dir: %w", err)
		}
	}
	logger := log.Logger.With().Str("component", "dispatch").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Dispatcher{
		cfg:     cfg,
		logger:  logger,
		running: make(map[*invocation]struct{}),
		waiters: make(map[string]*waiter),
	}, nil
}

func (d *Dispatcher) Registry() *registry.Registry { return d.cfg.Registry }

// Execute runs name to completion and aggregates its stream. A failing
// command is reported through Response.Aborted. Cancelling ctx aborts the
// invocation and returns *AbortedError with the partial response.
func (d *Dispatcher) Execute(ctx context.Context, name string, opts registry.Options) (*message.Response, error) {
	ch, key, err := d.Stream(ctx, name, opts, nil)
	if err != nil {
		return nil, err
	}
	return collect(ctx, name, key, ch)
}

// Stream validates opts and starts name. The returned channel carries the
// invocation's messages and ends with one Status message. Messages are also
// forwarded to parent when it is set.
//
// Validation and resolution failures are returned before any lock, queue or
// network activity.
func (d *Dispatcher) Stream(ctx context.Context, name string, opts registry.Options, parent *message.Channel) (*message.Channel, string, error) {
	inv, err := d.prepare(ctx, name, opts, parent, false)
	if err != nil {
		return nil, "", err
	}
	go inv.run()
	return inv.ch, inv.key, nil
}

func (d *Dispatcher) prepare(ctx context.Context, name string, opts registry.Options, parent *message.Channel, inWorker bool) (*invocation, error) {
	action, err := d.cfg.Registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	bound, err := action.Bind(opts)
	if err != nil {
		return nil, err
	}
	return d.start(ctx, action, bound, parent, worker.NewID(), nil, inWorker), nil
}

// RunTask is the worker handler. It runs the task's command in-process and
// returns an error when the attempt failed so the queue can retry it. The
// terminal status and notifications are recorded only for the final attempt.
func (d *Dispatcher) RunTask(ctx context.Context, t worker.Task) error {
	action, err := d.cfg.Registry.Resolve(t.Command)
	if err != nil {
		d.failTask(ctx, t, err)
		return err
	}
	opts, err := action.Bind(registry.Options(t.Options))
	if err != nil {
		d.failTask(ctx, t, err)
		return err
	}
	var parent *message.Channel
	d.mu.Lock()
	if w, ok := d.waiters[t.Key]; ok {
		w.attached = true
		parent = w.ch
	}
	d.mu.Unlock()

	inv := d.start(ctx, action, opts, parent, t.Key, &t, true)
	inv.runLocal()
	return inv.failure()
}

// failTask records a task that could not be turned into an invocation.
func (d *Dispatcher) failTask(ctx context.Context, t worker.Task, cause error) {
	d.logger.Error().Err(cause).Str("task", t.ID).Str("command", t.Command).Msg("task_unrunnable")
	if !t.Final() {
		return
	}
	now := time.Now().UTC()
	rec := Record{
		Key:        t.Key,
		Command:    t.Command,
		Path:       PathBackground,
		State:      StateDone,
		Error:      cause.Error(),
		WorkerType: t.WorkerType,
		Attempt:    t.Attempt,
		StartedAt:  now,
		UpdatedAt:  now,
		FinishedAt: now,
	}
	d.notify(ctx, Notification{Key: t.Key, Command: t.Command, Path: PathBackground, Errors: []string{cause.Error()}, Time: now})
	d.putRecord(ctx, rec)
	d.release(t.Key, rec)
	d.cfg.Bus.Publish(EventFinished, rec)
}

// Abort cancels every in-flight invocation of this process and records each
// as failed. It returns how many were aborted.
func (d *Dispatcher) Abort(ctx context.Context, reason string) int {
	d.mu.Lock()
	invs := make([]*invocation, 0, len(d.running))
	for inv := range d.running {
		invs = append(invs, inv)
	}
	d.mu.Unlock()

	for _, inv := range invs {
		err := &AbortedError{Command: inv.action.Name(), Key: inv.key, Reason: reason}
		inv.cancel(err)
		inv.finish(ctx, err)
		d.cfg.Bus.Publish(EventAborted, inv.snapshot())
	}
	if len(invs) > 0 {
		d.logger.Warn().Int("count", len(invs)).Str("reason", reason).Msg("invocations_aborted")
	}
	return len(invs)
}

// SignalHook aborts in-flight invocations before locks are reclaimed.
func (d *Dispatcher) SignalHook() lock.SignalHook {
	return func(ctx context.Context, sig os.Signal) {
		d.Abort(ctx, "received "+sig.String())
	}
}

// Status returns the latest record for an invocation key.
func (d *Dispatcher) Status(ctx context.Context, key string) (Record, error) {
	return d.cfg.Status.Get(ctx, key)
}

// Running returns the number of in-flight invocations.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// TaskStalled reports a stalled task through the notifiers and the bus.
func (d *Dispatcher) TaskStalled(ctx context.Context, t worker.Task) {
	rec, err := d.cfg.Status.Get(ctx, t.Key)
	if err != nil {
		rec = Record{Key: t.Key, Command: t.Command, Path: PathBackground, WorkerType: t.WorkerType, Attempt: t.Attempt}
	}
	d.notify(ctx, Notification{
		Key:     t.Key,
		Command: t.Command,
		Path:    PathBackground,
		Stalled: true,
		Errors:  []string{fmt.Sprintf("no heartbeat from %s since %s", t.Owner, t.HeartbeatAt.Format(time.RFC3339))},
		Time:    time.Now().UTC(),
	})
	d.cfg.Bus.Publish(EventStalled, rec)
}

// LogPath is where the message log for key is written. Worker attempts log
// to their own file.
func (d *Dispatcher) LogPath(key string, attempt int) string {
	if d.cfg.LogDir == "" {
		return ""
	}
	name := key
	if attempt >= 0 {
		name = fmt.Sprintf("%s.%d", key, attempt)
	}
	return filepath.Join(d.cfg.LogDir, name+".jsonl.zst")
}

func (d *Dispatcher) track(inv *invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[inv] = struct{}{}
}

func (d *Dispatcher) untrack(inv *invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, inv)
}

func (d *Dispatcher) attach(key string, ch *message.Channel) *waiter {
	w := &waiter{ch: ch, done: make(chan Record, 1)}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiters[key] = w
	return w
}

func (d *Dispatcher) detach(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, key)
}

func (d *Dispatcher) release(key string, rec Record) {
	d.mu.Lock()
	w, ok := d.waiters[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.done <- rec:
	default:
	}
}

func (d *Dispatcher) putRecord(ctx context.Context, rec Record) {
	if err := d.cfg.Status.Put(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Warn().Err(err).Str("invocation", rec.Key).Str("state", string(rec.State)).Msg("status_record_failed")
	}
}

func (d *Dispatcher) notify(ctx context.Context, n Notification) {
	ctx = context.WithoutCancel(ctx)
	for _, nt := range d.cfg.Notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			d.logger.Warn().Err(err).Str("invocation", n.Key).Msg("notify_failed")
		}
	}
}

// ensureCapacity asks the scaler for workers when workerType has none.
func (d *Dispatcher) ensureCapacity(ctx context.Context, workerType string) {
	if d.cfg.Scaler == nil {
		return
	}
	if d.cfg.Capacity != nil {
		n, err := d.cfg.Capacity.Capacity(ctx, workerType)
		if err == nil && n > 0 {
			return
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("worker_type", workerType).Msg("capacity_unknown")
		}
	}
	pending, err := d.cfg.Queue.Pending(ctx, workerType)
	if err != nil {
		pending = 1
	}
	if err := d.cfg.Scaler.Scale(ctx, workerType, max(pending, 1)); err != nil {
		d.logger.Warn().Err(err).Str("worker_type", workerType).Msg("scale_failed")
	}
}

// await blocks until the task for key is done.
func (d *Dispatcher) await(ctx context.Context, key string, w *waiter) (Record, error) {
	if d.cfg.TaskWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TaskWait)
		defer cancel()
	}
	ticker := time.NewTicker(d.cfg.StatusPoll)
	defer ticker.Stop()
	for {
		select {
		case rec := <-w.done:
			return rec, nil
		case <-ticker.C:
			rec, err := d.cfg.Status.Get(ctx, key)
			if err == nil && rec.State == StateDone {
				return rec, nil
			}
		case <-ctx.Done():
			return Record{}, context.Cause(ctx)
		}
	}
}

func collect(ctx context.Context, name, key string, ch *message.Channel) (*message.Response, error) {
	resp := message.NewResponse(name)
	resp.Key = key
	for {
		m, ok, err := ch.Next(ctx)
		if err != nil {
			return resp, &AbortedError{Command: name, Key: key, Reason: err.Error()}
		}
		if !ok {
			return resp, nil
		}
		resp.Add(m)
	}
}
