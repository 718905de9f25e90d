package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zimagi/zimagi-sub000/internal/lock"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/schema"
	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
	"github.com/zimagi/zimagi-sub000/internal/transport"
	"github.com/zimagi/zimagi-sub000/internal/worker"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

type countingScaler struct {
	mu    sync.Mutex
	calls []string
}

func (s *countingScaler) Scale(_ context.Context, workerType string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, workerType+":"+strings.Repeat("+", count))
	return nil
}

func (s *countingScaler) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fixedCapacity int

func (c fixedCapacity) Capacity(context.Context, string) (int, error) { return int(c), nil }

func register(t *testing.T, reg *registry.Registry, spec registry.Spec, body registry.Body) {
	t.Helper()
	_, err := reg.Register(spec, body)
	require.NoError(t, err)
}

func emitting(texts ...string) registry.Body {
	return func(_ context.Context, c registry.Context) error {
		for _, text := range texts {
			c.Emit(message.Info(text))
		}
		return nil
	}
}

func newDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func texts(msgs []message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestExecuteLocalSuccess(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"greet"}, Capabilities: []string{registry.CapNotify}, Params: []registry.ParamSpec{
		{Name: "who", Kind: registry.KindVariable, Required: true},
	}}, func(_ context.Context, c registry.Context) error {
		c.Emit(message.Info("hello " + c.Options().String("who")))
		c.Emit(message.Data("answer", 42, message.WithName("answer")))
		c.Emit(message.Success("done"))
		return nil
	})
	notes := &recordingNotifier{}
	d := newDispatcher(t, Config{Registry: reg, Notifiers: []Notifier{notes}})

	resp, err := d.Execute(context.Background(), "greet", registry.Options{"who": "ops", "notify": "team"})
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.Equal(t, []string{"hello ops", "answer", "done"}, texts(resp.Output()))
	answer, ok := resp.Get("answer")
	require.True(t, ok)
	assert.Equal(t, 42.0, answer)
	assert.Equal(t, 0, message.ExitCode(resp, false))

	rec, err := d.Status(context.Background(), resp.Key)
	require.NoError(t, err)
	assert.Equal(t, StateDone, rec.State)
	assert.True(t, rec.Success)
	assert.Equal(t, PathLocal, rec.Path)
	assert.False(t, rec.FinishedAt.IsZero())

	got := notes.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
	assert.Equal(t, []string{"team"}, got[0].Recipients)
	assert.Equal(t, 0, d.Running())
}

func TestExecuteExactlyOneStatus(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"noisy"}}, func(_ context.Context, c registry.Context) error {
		c.Emit(message.Status(false))
		c.Emit(message.Info("still going"))
		return nil
	})
	d := newDispatcher(t, Config{Registry: reg})

	resp, err := d.Execute(context.Background(), "noisy", nil)
	require.NoError(t, err)
	statuses := 0
	for _, m := range resp.Messages {
		if m.IsStatus() {
			statuses++
		}
	}
	assert.Equal(t, 1, statuses)
	assert.True(t, resp.Messages[len(resp.Messages)-1].IsStatus())
	assert.False(t, resp.Aborted)
}

func TestExecuteBodyErrorFails(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"broken"}}, func(_ context.Context, c registry.Context) error {
		c.Emit(message.Info("starting"))
		return errors.New("disk full")
	})
	notes := &recordingNotifier{}
	d := newDispatcher(t, Config{Registry: reg, Notifiers: []Notifier{notes}})

	resp, err := d.Execute(context.Background(), "broken", registry.Options{"reverse_status": true})
	require.NoError(t, err)
	assert.True(t, resp.Aborted)
	var cmdErr *message.CommandError
	require.ErrorAs(t, resp.Err(), &cmdErr)
	last, ok := cmdErr.Last()
	require.True(t, ok)
	assert.Equal(t, "disk full", last.Text)
	assert.Equal(t, 1, message.ExitCode(resp, false))
	assert.Equal(t, 0, message.ExitCode(resp, true))

	rec, err := d.Status(context.Background(), resp.Key)
	require.NoError(t, err)
	assert.Equal(t, StateDone, rec.State)
	assert.False(t, rec.Success)
	assert.Equal(t, "disk full", rec.Error)

	got := notes.all()
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
	assert.Equal(t, []string{"disk full"}, got[0].Errors)
}

func TestExecutePanicBecomesErrorWithTraceback(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"explode"}, Capabilities: []string{registry.CapLock}},
		func(context.Context, registry.Context) error { panic("kaboom") })
	locks := lock.NewMemoryStore()
	d := newDispatcher(t, Config{Registry: reg, Locks: lock.NewManager(locks)})

	resp, err := d.Execute(context.Background(), "explode", registry.Options{"lock_id": "boom"})
	require.NoError(t, err)
	require.True(t, resp.Aborted)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Text, "kaboom")
	assert.NotEmpty(t, resp.Errors[0].Traceback)

	_, held := locks.Holder("boom")
	assert.False(t, held)
}

func TestStreamValidationFailsBeforeRunning(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	called := false
	register(t, reg, registry.Spec{Path: []string{"strict"}, Params: []registry.ParamSpec{
		{Name: "a", Kind: registry.KindVariable, Required: true},
	}}, func(context.Context, registry.Context) error { called = true; return nil })
	d := newDispatcher(t, Config{Registry: reg})

	_, _, err := d.Stream(context.Background(), "strict", registry.Options{"b": 1}, nil)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"a"}, verr.Missing)
	assert.Equal(t, []string{"b"}, verr.Unknown)
	assert.False(t, called)
	assert.Equal(t, 0, d.Running())

	_, _, err = d.Stream(context.Background(), "missing", nil, nil)
	require.ErrorIs(t, err, registry.ErrCommandNotFound)
}

func TestLockContention(t *testing.T) {
	testlog.Start(t)
	store := lock.NewMemoryStore()
	reg := registry.New(nil)
	calls := 0
	register(t, reg, registry.Spec{Path: []string{"sync"}, Capabilities: []string{registry.CapLock}},
		func(context.Context, registry.Context) error { calls++; return nil })
	d := newDispatcher(t, Config{Registry: reg, Locks: lock.NewManager(store)})

	other := lock.NewManager(store)
	h, err := other.Acquire(context.Background(), "sync-1", lock.Options{ErrorOnLocked: true})
	require.NoError(t, err)

	resp, err := d.Execute(context.Background(), "sync", registry.Options{"lock_id": "sync-1", "lock_wait": false})
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	require.Len(t, resp.Output(), 1)
	assert.Equal(t, message.TypeNotice, resp.Output()[0].Type)

	resp, err = d.Execute(context.Background(), "sync", registry.Options{"lock_id": "sync-1", "lock_wait": false, "lock_error": true})
	require.NoError(t, err)
	assert.True(t, resp.Aborted)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Text, "held by another execution")
	assert.Equal(t, 0, calls)

	require.NoError(t, other.Release(context.Background(), h))
	resp, err = d.Execute(context.Background(), "sync", registry.Options{"lock_id": "sync-1", "lock_wait": false, "lock_error": true})
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.Equal(t, 1, calls)
}

func TestLockWaitAcquiresAfterRelease(t *testing.T) {
	testlog.Start(t)
	store := lock.NewMemoryStore()
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"sync"}, Capabilities: []string{registry.CapLock}}, emitting("ran"))
	d := newDispatcher(t, Config{Registry: reg, Locks: lock.NewManager(store)})

	holder := lock.NewManager(store)
	h, err := holder.Acquire(context.Background(), "sync-1", lock.Options{ErrorOnLocked: true})
	require.NoError(t, err)
	go func() {
		time.Sleep(500 * time.Millisecond)
		_ = holder.Release(context.Background(), h)
	}()

	start := time.Now()
	resp, err := d.Execute(context.Background(), "sync", registry.Options{
		"lock_id": "sync-1", "lock_timeout": 2.0, "lock_interval": 0.1, "lock_error": true,
	})
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.Equal(t, []string{"ran"}, texts(resp.Output()))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunOnceCommandExecutesOnce(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	calls := 0
	register(t, reg, registry.Spec{Path: []string{"migrate"}, Capabilities: []string{registry.CapLock}, RequireLockDefault: true},
		func(context.Context, registry.Context) error { calls++; return nil })
	d := newDispatcher(t, Config{Registry: reg})

	for range 2 {
		resp, err := d.Execute(context.Background(), "migrate", registry.Options{"run_once": true})
		require.NoError(t, err)
		assert.False(t, resp.Aborted)
	}
	assert.Equal(t, 1, calls)
}

func TestNestedExecutePropagatesToParent(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"child"}}, emitting("child one", "child two"))
	register(t, reg, registry.Spec{Path: []string{"parent"}}, func(ctx context.Context, c registry.Context) error {
		c.Emit(message.Info("parent start"))
		resp, err := c.Execute(ctx, "child", nil)
		if err != nil {
			return err
		}
		if resp.Aborted {
			return resp.Err()
		}
		c.Emit(message.Info("parent end"))
		return nil
	})
	d := newDispatcher(t, Config{Registry: reg})

	resp, err := d.Execute(context.Background(), "parent", nil)
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.Equal(t, []string{"parent start", "child one", "child two", "parent end"}, texts(resp.Output()))
	statuses := 0
	for _, m := range resp.Messages {
		if m.IsStatus() {
			statuses++
		}
	}
	assert.Equal(t, 1, statuses)
}

func remoteSpec() registry.Spec {
	return registry.Spec{Path: []string{"deploy"}, RemoteExec: true, APIEnabled: true, Capabilities: []string{registry.CapRemote}}
}

func TestRemotePathStreamsFromHost(t *testing.T) {
	testlog.Start(t)
	remoteReg := registry.New(nil)
	var seenHost atomic.Bool
	register(t, remoteReg, remoteSpec(), func(_ context.Context, c registry.Context) error {
		seenHost.Store(c.Options().Has(registry.OptHost))
		c.Emit(message.Info("deployed on edge"))
		if c.Options().Bool("local") {
			return errors.New("unexpected local flag")
		}
		return nil
	})
	remote := newDispatcher(t, Config{Registry: remoteReg})
	cipher := transport.NewCipher("shared")
	srv := httptest.NewServer(transport.NewServer(transport.ServerConfig{
		Registry: remoteReg,
		Executor: remote,
		Cipher:   cipher,
	}).Handler())
	defer srv.Close()

	localReg := registry.New(nil)
	localRan := false
	register(t, localReg, remoteSpec(), func(context.Context, registry.Context) error { localRan = true; return nil })
	d := newDispatcher(t, Config{Registry: localReg, Hosts: map[string]*transport.Client{
		"edge": transport.NewClient(transport.ClientConfig{BaseURL: srv.URL, Cipher: cipher, Tries: 1}),
	}})

	resp, err := d.Execute(context.Background(), "deploy", registry.Options{"host": "edge"})
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.Equal(t, []string{"deployed on edge"}, texts(resp.Output()))
	assert.False(t, localRan)
	assert.False(t, seenHost.Load())

	rec, err := d.Status(context.Background(), resp.Key)
	require.NoError(t, err)
	assert.Equal(t, PathRemote, rec.Path)
	assert.Equal(t, "edge", rec.Host)

	resp, err = d.Execute(context.Background(), "deploy", registry.Options{"host": "edge", "local": true})
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.True(t, localRan)

	resp, err = d.Execute(context.Background(), "deploy", registry.Options{"host": "nowhere"})
	require.NoError(t, err)
	assert.True(t, resp.Aborted)
	assert.Contains(t, resp.Errors[0].Text, "unknown host")
}

func TestRemotePathValidatesForwardedParams(t *testing.T) {
	testlog.Start(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	reg := registry.New(nil)
	spec := remoteSpec()
	spec.Params = []registry.ParamSpec{{Name: "target", Kind: registry.KindVariable, Required: true}}
	register(t, reg, spec, emitting("local"))
	d := newDispatcher(t, Config{Registry: reg, Hosts: map[string]*transport.Client{
		"edge": transport.NewClient(transport.ClientConfig{BaseURL: srv.URL, Tries: 1}),
	}})
	action, err := reg.Resolve("deploy")
	require.NoError(t, err)

	sch := remoteSchema(action)
	for _, name := range registry.RoutingOptions {
		_, ok := sch.Field(name)
		assert.Falsef(t, ok, "routing field %s is forwarded", name)
	}
	_, ok := sch.Field("target")
	assert.True(t, ok)

	inv := d.start(context.Background(), action, registry.Options{registry.OptHost: "edge"}, nil, worker.NewID(), nil, false)
	require.Equal(t, PathRemote, inv.path)
	inv.run()

	resp := message.NewResponse("deploy")
	for m := range inv.ch.Messages(context.Background()) {
		resp.Add(m)
	}
	assert.True(t, resp.Aborted)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Text, "missing required target")
	var perr *transport.ParseError
	assert.ErrorAs(t, inv.failure(), &perr)
	assert.Equal(t, int32(0), hits.Load())
}

func TestRemoteFailureFailsInvocation(t *testing.T) {
	testlog.Start(t)
	remoteReg := registry.New(nil)
	register(t, remoteReg, remoteSpec(), func(context.Context, registry.Context) error {
		return errors.New("rollout failed")
	})
	remote := newDispatcher(t, Config{Registry: remoteReg})
	srv := httptest.NewServer(transport.NewServer(transport.ServerConfig{Registry: remoteReg, Executor: remote}).Handler())
	defer srv.Close()

	localReg := registry.New(nil)
	register(t, localReg, remoteSpec(), emitting("local"))
	d := newDispatcher(t, Config{Registry: localReg, Hosts: map[string]*transport.Client{
		"edge": transport.NewClient(transport.ClientConfig{BaseURL: srv.URL, Tries: 1}),
	}})

	resp, err := d.Execute(context.Background(), "deploy", registry.Options{"host": "edge"})
	require.NoError(t, err)
	assert.True(t, resp.Aborted)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "rollout failed", resp.Errors[0].Text)

	rec, err := d.Status(context.Background(), resp.Key)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "rollout failed")
}

func fastBackoff() worker.BackoffConfig {
	return worker.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func startPool(t *testing.T, q worker.Queue, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(q, d.RunTask, worker.PoolConfig{Workers: 1, PollTimeout: 50 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func backgroundSpec() registry.Spec {
	return registry.Spec{Path: []string{"task", "sleep"}, Background: true, Capabilities: []string{registry.CapAsync}}
}

func TestBackgroundSyncStreamsWorkerMessages(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, backgroundSpec(), emitting("working", "finished"))
	q := worker.NewMemoryQueue(fastBackoff())
	d := newDispatcher(t, Config{Registry: reg, Queue: q, StatusPoll: 20 * time.Millisecond})
	startPool(t, q, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := d.Execute(ctx, "task sleep", nil)
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.Equal(t, []string{"working", "finished"}, texts(resp.Output()))

	rec, err := d.Status(ctx, resp.Key)
	require.NoError(t, err)
	assert.Equal(t, StateDone, rec.State)
	assert.Equal(t, PathBackground, rec.Path)
	assert.Equal(t, worker.DefaultWorkerType, rec.WorkerType)
}

func TestBackgroundAsyncReturnsTaskKey(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, backgroundSpec(), emitting("working"))
	q := worker.NewMemoryQueue(fastBackoff())
	bus := NewBus(8)
	finished := make(chan Event, 1)
	defer bus.Subscribe(EventFinished, func(e Event) { finished <- e })()
	d := newDispatcher(t, Config{Registry: reg, Queue: q, Bus: bus})

	resp, err := d.Execute(context.Background(), "task sleep", registry.Options{"async": true})
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	key, ok := resp.Get("task_key")
	require.True(t, ok)
	assert.Equal(t, resp.Key, key)

	rec, err := d.Status(context.Background(), resp.Key)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, rec.State)
	pending, err := q.Pending(context.Background(), worker.DefaultWorkerType)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	startPool(t, q, d)
	select {
	case e := <-finished:
		assert.Equal(t, resp.Key, e.Record.Key)
		assert.True(t, e.Record.Success)
	case <-time.After(5 * time.Second):
		t.Fatalf("task never finished")
	}
	require.Eventually(t, func() bool {
		rec, err := d.Status(context.Background(), resp.Key)
		return err == nil && rec.State == StateDone && rec.Success
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackgroundRetriesThenNotifiesOnce(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	var mu sync.Mutex
	attempts := 0
	register(t, reg, backgroundSpec(), func(context.Context, registry.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("flaky dependency")
	})
	q := worker.NewMemoryQueue(fastBackoff())
	notes := &recordingNotifier{}
	d := newDispatcher(t, Config{Registry: reg, Queue: q, Notifiers: []Notifier{notes}, StatusPoll: 20 * time.Millisecond})
	startPool(t, q, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := d.Execute(ctx, "task sleep", registry.Options{"max_retries": 2})
	require.NoError(t, err)
	assert.True(t, resp.Aborted)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	got := notes.all()
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
	assert.Equal(t, resp.Key, got[0].Key)

	var warnings int
	for _, m := range resp.Output() {
		if m.Type == message.TypeWarning {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)

	rec, err := d.Status(ctx, resp.Key)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, StateDone, rec.State)
}

func TestBackgroundScalesWithoutCapacity(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	spec := backgroundSpec()
	spec.WorkerType = "gpu"
	register(t, reg, spec, emitting("x"))
	scaler := &countingScaler{}

	d := newDispatcher(t, Config{Registry: reg, Queue: worker.NewMemoryQueue(fastBackoff()), Scaler: scaler, Capacity: fixedCapacity(0)})
	_, err := d.Execute(context.Background(), "task sleep", registry.Options{"async": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu:+"}, scaler.snapshot())

	busy := newDispatcher(t, Config{Registry: reg, Queue: worker.NewMemoryQueue(fastBackoff()), Scaler: scaler, Capacity: fixedCapacity(2)})
	_, err = busy.Execute(context.Background(), "task sleep", registry.Options{"async": true})
	require.NoError(t, err)
	assert.Len(t, scaler.snapshot(), 1)
}

func TestBackgroundWithoutQueueRunsInProcess(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, backgroundSpec(), emitting("inline"))
	d := newDispatcher(t, Config{Registry: reg})

	resp, err := d.Execute(context.Background(), "task sleep", registry.Options{"async": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"inline"}, texts(resp.Output()))
}

func TestAbortFailsInFlightInvocations(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	started := make(chan struct{})
	register(t, reg, registry.Spec{Path: []string{"hang"}}, func(ctx context.Context, _ registry.Context) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	notes := &recordingNotifier{}
	d := newDispatcher(t, Config{Registry: reg, Notifiers: []Notifier{notes}})

	ch, key, err := d.Stream(context.Background(), "hang", nil, nil)
	require.NoError(t, err)
	<-started
	assert.Equal(t, 1, d.Abort(context.Background(), "maintenance"))

	resp := message.NewResponse("hang")
	for m := range ch.Messages(context.Background()) {
		resp.Add(m)
	}
	assert.True(t, resp.Aborted)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Text, "maintenance")

	rec, err := d.Status(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateDone, rec.State)
	assert.False(t, rec.Success)
	assert.Len(t, notes.all(), 1)
	require.Eventually(t, func() bool { return d.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAbortBeforeBodyKeepsDoneRecord(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	called := false
	register(t, reg, registry.Spec{Path: []string{"late"}}, func(context.Context, registry.Context) error {
		called = true
		return nil
	})
	d := newDispatcher(t, Config{Registry: reg})
	inv, err := d.prepare(context.Background(), "late", nil, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, d.Abort(context.Background(), "shutdown"))
	inv.runLocal()
	inv.put(StateRunning)

	assert.False(t, called)
	rec, err := d.Status(context.Background(), inv.key)
	require.NoError(t, err)
	assert.Equal(t, StateDone, rec.State)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "shutdown")
}

func TestExecuteContextCancelIsAborted(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"hang"}}, func(ctx context.Context, _ registry.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := newDispatcher(t, Config{Registry: reg})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp, err := d.Execute(ctx, "hang", nil)
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "hang", aborted.Command)
	assert.Equal(t, resp.Key, aborted.Key)

	require.Eventually(t, func() bool {
		rec, err := d.Status(context.Background(), resp.Key)
		return err == nil && rec.State == StateDone && !rec.Success
	}, time.Second, 5*time.Millisecond)
}

func TestMessageLogIsWrittenPerInvocation(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(nil)
	register(t, reg, registry.Spec{Path: []string{"logged"}}, emitting("kept"))
	d := newDispatcher(t, Config{Registry: reg, LogDir: t.TempDir()})

	resp, err := d.Execute(context.Background(), "logged", nil)
	require.NoError(t, err)
	msgs, err := message.ReadFileSink(d.LogPath(resp.Key, -1))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "kept", msgs[0].Text)
	assert.True(t, msgs[1].IsStatus())
}

func registryForStall(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)
	register(t, reg, backgroundSpec(), emitting("x"))
	return reg
}

func taskForStall() worker.Task {
	task := worker.NewTask("k1", "task sleep", nil, 0, 0, "")
	task.Owner = "worker-1"
	task.HeartbeatAt = time.Now().Add(-time.Hour)
	return task
}
