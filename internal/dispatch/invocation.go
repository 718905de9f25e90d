package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zimagi/zimagi-sub000/internal/lock"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/observability"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/schema"
	"github.com/zimagi/zimagi-sub000/internal/worker"
)

// invocation is one run of an action. It implements registry.Context for the
// action body.
type invocation struct {
	d        *Dispatcher
	action   *registry.Action
	opts     registry.Options
	key      string
	path     Path
	host     string
	task     *worker.Task
	inWorker bool
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	ch     *message.Channel
	file   *message.FileSink

	mu     sync.Mutex
	putMu  sync.Mutex
	rec    Record
	errs   []string
	failed error
	once   sync.Once
}

func (d *Dispatcher) start(ctx context.Context, action *registry.Action, opts registry.Options, parent *message.Channel, key string, task *worker.Task, inWorker bool) *invocation {
	spec := action.Spec()
	remote := action.RemoteSettings(opts)

	path := PathLocal
	switch {
	case task != nil || inWorker:
		path = PathLocal
	case spec.RemoteExec && remote.Host != "" && !remote.Local:
		path = PathRemote
	case spec.Background && d.cfg.Queue != nil:
		path = PathBackground
	}

	inv := &invocation{
		d:        d,
		action:   action,
		opts:     opts,
		key:      key,
		path:     path,
		task:     task,
		inWorker: inWorker,
		logger: d.logger.With().
			Str("command", action.Name()).
			Str("invocation", key).
			Str("path", string(path)).
			Logger(),
	}
	if path == PathRemote {
		inv.host = remote.Host
	}
	inv.ctx, inv.cancel = context.WithCancelCause(ctx)

	var sinks []message.Sink
	if d.cfg.LogMessages {
		sinks = append(sinks, message.LogSink{Logger: d.logger, Command: action.Name(), Invocation: key})
	}
	attempt := -1
	if task != nil {
		attempt = task.Attempt
	}
	if logPath := d.LogPath(key, attempt); logPath != "" {
		file, err := message.OpenFileSink(logPath, action.Name(), key)
		if err != nil {
			inv.logger.Warn().Err(err).Msg("message_log_unavailable")
		} else {
			inv.file = file
			sinks = append(sinks, file)
		}
	}
	inv.ch = message.NewChannel(parent, sinks...)

	now := time.Now().UTC()
	inv.rec = Record{
		Key:       key,
		Command:   action.Name(),
		Path:      path,
		State:     StateInit,
		Host:      inv.host,
		StartedAt: now,
	}
	if task != nil {
		inv.rec.Path = PathBackground
		inv.rec.WorkerType = task.WorkerType
		inv.rec.Attempt = task.Attempt
	}
	d.track(inv)
	inv.put(StateInit)
	d.cfg.Bus.Publish(EventStarted, inv.snapshot())
	inv.logger.Debug().Msg("command_dispatched")
	return inv
}

func (inv *invocation) Command() string           { return inv.action.Name() }
func (inv *invocation) Key() string               { return inv.key }
func (inv *invocation) Options() registry.Options { return inv.opts.Clone() }
func (inv *invocation) Action() *registry.Action  { return inv.action }

func (inv *invocation) Emit(m message.Message) {
	if m.IsStatus() {
		return
	}
	if m.IsError() {
		inv.mu.Lock()
		inv.errs = append(inv.errs, m.Text)
		inv.mu.Unlock()
	}
	inv.ch.Emit(m)
}

// Execute runs a child command whose messages propagate into this
// invocation. Children of a worker task run in the same worker.
func (inv *invocation) Execute(ctx context.Context, name string, opts registry.Options) (*message.Response, error) {
	child, err := inv.d.prepare(ctx, name, opts, inv.ch, inv.inWorker)
	if err != nil {
		return nil, err
	}
	go child.run()
	return collect(ctx, name, child.key, child.ch)
}

func (inv *invocation) run() {
	switch inv.path {
	case PathRemote:
		inv.runRemote()
	case PathBackground:
		inv.runBackground()
	default:
		inv.runLocal()
	}
}

func (inv *invocation) runLocal() {
	ls := inv.action.LockSettings(inv.opts)
	opts := lock.Options{
		Wait:          ls.Wait,
		Timeout:       ls.Timeout,
		Interval:      ls.Interval,
		TTL:           inv.d.cfg.LockTTL,
		ErrorOnLocked: ls.ErrorOnLocked,
	}
	if ls.ID != "" {
		inv.put(StateLockWait)
	}
	body := func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		inv.put(StateRunning)
		return inv.invoke(ctx)
	}

	var (
		ran bool
		err error
	)
	if ls.RunOnce {
		ran, err = inv.d.cfg.Locks.RunOnce(inv.ctx, ls.ID, opts, body)
	} else {
		ran, err = inv.d.cfg.Locks.Run(inv.ctx, ls.ID, opts, body)
	}
	if err == nil && !ran {
		if ls.RunOnce {
			inv.Emit(message.Notice(fmt.Sprintf("%s already completed under lock %q", inv.action.Name(), ls.ID)))
		} else {
			inv.Emit(message.Notice(fmt.Sprintf("lock %q is held elsewhere, skipping %s", ls.ID, inv.action.Name())))
		}
	}
	if err != nil && inv.ctx.Err() != nil {
		var aborted *AbortedError
		if !errors.As(context.Cause(inv.ctx), &aborted) {
			aborted = &AbortedError{Command: inv.action.Name(), Key: inv.key, Reason: context.Cause(inv.ctx).Error()}
		}
		err = aborted
	}
	inv.finish(inv.ctx, err)
}

// invoke runs the body, converting a panic into an error carrying the stack.
func (inv *invocation) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return inv.action.Body()(ctx, inv)
}

func (inv *invocation) runRemote() {
	client, ok := inv.d.cfg.Hosts[inv.host]
	if !ok {
		inv.finish(inv.ctx, fmt.Errorf("%w: %s", ErrUnknownHost, inv.host))
		return
	}
	inv.put(StateRunning)
	params := inv.opts.Without(registry.RoutingOptions...)
	resp, err := client.Execute(inv.ctx, inv.action.Name(), params, remoteSchema(inv.action), func(m message.Message) error {
		if !m.IsStatus() {
			inv.Emit(m)
		}
		return nil
	})
	if err == nil && resp.Aborted {
		rerr := &RemoteError{Host: inv.host, Command: inv.action.Name()}
		for _, m := range resp.Errors {
			rerr.Errors = append(rerr.Errors, m.Text)
		}
		err = rerr
	}
	inv.finish(inv.ctx, err)
}

// remoteSchema is the action's schema without the routing fields, which are
// never forwarded.
func remoteSchema(action *registry.Action) *schema.Schema {
	sch := action.Schema()
	sch.Fields = slices.DeleteFunc(sch.Fields, func(f schema.Field) bool {
		return slices.Contains(registry.RoutingOptions, f.Name)
	})
	return &sch
}

func (inv *invocation) runBackground() {
	d := inv.d
	as := inv.action.AsyncSettings(inv.opts)
	task := worker.NewTask(inv.key, inv.action.Name(), inv.opts, as.Priority, as.MaxRetries, as.WorkerType)

	var w *waiter
	if !as.Async {
		w = d.attach(inv.key, inv.ch)
		defer d.detach(inv.key)
	}
	// Queued is recorded before the task becomes visible so a fast worker's
	// terminal record is never overwritten.
	inv.mu.Lock()
	inv.rec.WorkerType = task.WorkerType
	inv.mu.Unlock()
	inv.put(StateQueued)
	queued, err := d.cfg.Queue.Enqueue(inv.ctx, task)
	if err != nil {
		inv.finish(inv.ctx, fmt.Errorf("dispatch: enqueue: %w", err))
		return
	}
	d.cfg.Bus.Publish(EventQueued, inv.snapshot())
	d.ensureCapacity(inv.ctx, queued.WorkerType)

	if as.Async {
		inv.Emit(message.Notice(fmt.Sprintf("%s queued for %s workers", inv.action.Name(), queued.WorkerType)))
		inv.Emit(message.Data(inv.key, inv.key, message.WithName("task_key")))
		inv.close(true)
		return
	}

	rec, err := d.await(inv.ctx, inv.key, w)
	if err != nil {
		inv.Emit(message.Error(fmt.Sprintf("stopped waiting for task %s: %v", inv.key, err)))
		inv.close(false)
		return
	}
	d.mu.Lock()
	attached := w.attached
	d.mu.Unlock()
	if !attached {
		inv.replay(rec)
	}
	inv.close(rec.Success)
}

// replay re-emits a task's messages logged by a worker in another process.
func (inv *invocation) replay(rec Record) {
	logPath := inv.d.LogPath(inv.key, rec.Attempt)
	if logPath != "" {
		msgs, err := message.ReadFileSink(logPath)
		if err == nil {
			for _, m := range msgs {
				inv.Emit(m)
			}
			return
		}
		inv.logger.Warn().Err(err).Msg("message_log_replay_failed")
	}
	if !rec.Success && rec.Error != "" {
		inv.Emit(message.Error(rec.Error))
	}
}

// finish moves the invocation through its outcome, notification and done
// states, then terminates the channel. Only the first call has any effect.
//
// A failed worker attempt that will be retried records the task as queued
// again and skips notification.
func (inv *invocation) finish(ctx context.Context, err error) {
	inv.once.Do(func() {
		ctx = context.WithoutCancel(ctx)
		success := err == nil
		if err != nil {
			inv.report(err)
		}
		inv.mu.Lock()
		inv.failed = err
		inv.mu.Unlock()

		if inv.task != nil && !success && !inv.task.Final() {
			inv.Emit(message.Warning(fmt.Sprintf("attempt %d of %d failed, retrying", inv.task.Attempt+1, inv.task.MaxRetries+1)))
			inv.mu.Lock()
			inv.rec.Error = err.Error()
			inv.mu.Unlock()
			inv.put(StateQueued)
			inv.terminate(false)
			return
		}

		state := StateSuccess
		if !success {
			state = StateFailed
		}
		inv.mu.Lock()
		inv.rec.Success = success
		inv.rec.FinishedAt = time.Now().UTC()
		if err != nil {
			inv.rec.Error = err.Error()
		}
		errs := append([]string(nil), inv.errs...)
		inv.mu.Unlock()
		inv.put(state)
		observability.RecordCommand(inv.action.Name(), string(inv.rec.Path), string(state), time.Since(inv.rec.StartedAt))

		ns := inv.action.NotifySettings(inv.opts)
		if !(ns.FailureOnly && success) {
			inv.d.notify(ctx, Notification{
				Key:        inv.key,
				Command:    inv.action.Name(),
				Path:       inv.rec.Path,
				Success:    success,
				Recipients: ns.Recipients,
				Errors:     errs,
				Time:       time.Now().UTC(),
			})
		}
		inv.put(StateNotified)
		inv.put(StateDone)

		rec := inv.snapshot()
		inv.d.release(inv.key, rec)
		inv.d.cfg.Bus.Publish(EventFinished, rec)
		event := inv.logger.Info()
		if !success {
			event = inv.logger.Warn().Err(err)
		}
		event.Bool("success", success).Dur("duration", rec.FinishedAt.Sub(rec.StartedAt)).Msg("command_finished")
		inv.terminate(success)
	})
}

// close ends a caller-side background invocation whose task records its own
// outcome.
func (inv *invocation) close(success bool) {
	inv.once.Do(func() {
		inv.terminate(success)
	})
}

// terminate emits the Status message and closes the channel last so a reader
// that sees the end of the stream also sees a flushed log and an untracked
// invocation.
func (inv *invocation) terminate(success bool) {
	inv.d.untrack(inv)
	inv.ch.Emit(message.Status(success))
	if inv.file != nil {
		if err := inv.file.Close(); err != nil {
			inv.logger.Warn().Err(err).Msg("message_log_close_failed")
		}
	}
	inv.cancel(nil)
	inv.ch.Close()
}

// report emits err as an Error message unless a remote host already
// delivered its own errors.
func (inv *invocation) report(err error) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		inv.mu.Lock()
		inv.errs = append(inv.errs, remote.Error())
		inv.mu.Unlock()
		return
	}
	var opts []message.Option
	var perr *panicError
	if errors.As(err, &perr) {
		opts = append(opts, message.WithTraceback(perr.traceback()...))
	}
	inv.Emit(message.Error(err.Error(), opts...))
}

func (inv *invocation) failure() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.failed
}

// put records state. DONE is final: once stored, later calls change nothing.
func (inv *invocation) put(state State) {
	inv.putMu.Lock()
	defer inv.putMu.Unlock()
	inv.mu.Lock()
	if inv.rec.State == StateDone {
		inv.mu.Unlock()
		return
	}
	inv.rec.State = state
	inv.rec.UpdatedAt = time.Now().UTC()
	rec := inv.rec
	inv.mu.Unlock()
	inv.d.putRecord(inv.ctx, rec)
}

func (inv *invocation) snapshot() Record {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.rec
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) traceback() []string {
	return strings.Split(strings.TrimSpace(string(e.stack)), "\n")
}
