package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zimagi/zimagi-sub000/internal/lock"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeExecutor) Execute(_ context.Context, name string, opts registry.Options) (*message.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+":"+opts.String("target"))
	resp := message.NewResponse(name)
	if f.fail {
		resp.Add(message.Error("failed"))
		resp.Add(message.Status(false))
	} else {
		resp.Add(message.Status(true))
	}
	return resp, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var minute = time.Date(2026, 3, 2, 10, 15, 30, 0, time.UTC)

func entries() []Entry {
	return []Entry{
		{Name: "sync", Cron: "* * * * *", Command: "db sync", Options: registry.Options{"target": "all"}},
		{Name: "yearly", Cron: "0 0 1 1 *", Command: "db vacuum"},
	}
}

func TestTickFiresDueEntries(t *testing.T) {
	testlog.Start(t)
	exec := &fakeExecutor{}
	s, err := New(exec, lock.NewManager(lock.NewMemoryStore()), entries())
	require.NoError(t, err)

	results := s.Tick(context.Background(), minute)
	require.Len(t, results, 1)
	assert.Equal(t, "sync", results[0].Entry)
	assert.True(t, results[0].Ran)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, LockID("sync", minute), results[0].LockID)
	assert.Equal(t, []string{"db sync:all"}, exec.calls)
}

func TestReplicasFireOncePerMinute(t *testing.T) {
	testlog.Start(t)
	store := lock.NewMemoryStore()
	exec := &fakeExecutor{}
	a, err := New(exec, lock.NewManager(store), entries())
	require.NoError(t, err)
	b, err := New(exec, lock.NewManager(store), entries())
	require.NoError(t, err)

	ctx := context.Background()
	a.Tick(ctx, minute)
	results := b.Tick(ctx, minute.Add(20*time.Second))
	require.Len(t, results, 1)
	assert.False(t, results[0].Ran)
	assert.Equal(t, 1, exec.count())

	b.Tick(ctx, minute.Add(time.Minute))
	assert.Equal(t, 2, exec.count())
}

func TestFailedRunCanRetrySameMinute(t *testing.T) {
	testlog.Start(t)
	exec := &fakeExecutor{fail: true}
	s, err := New(exec, lock.NewManager(lock.NewMemoryStore()), entries()[:1])
	require.NoError(t, err)

	results := s.Tick(context.Background(), minute)
	require.Len(t, results, 1)
	var cmdErr *message.CommandError
	require.ErrorAs(t, results[0].Err, &cmdErr)

	exec.mu.Lock()
	exec.fail = false
	exec.mu.Unlock()
	results = s.Tick(context.Background(), minute)
	assert.True(t, results[0].Ran)
	assert.Equal(t, 2, exec.count())
}

func TestNewRejectsBadEntries(t *testing.T) {
	testlog.Start(t)
	locks := lock.NewManager(lock.NewMemoryStore())
	_, err := New(&fakeExecutor{}, locks, []Entry{{Name: "x", Cron: "not a cron", Command: "c"}})
	require.ErrorIs(t, err, ErrInvalidCron)

	_, err = New(&fakeExecutor{}, locks, []Entry{{Name: "x", Cron: "* * * * *"}})
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, err = New(&fakeExecutor{}, locks, []Entry{
		{Name: "x", Cron: "* * * * *", Command: "c"},
		{Name: "x", Cron: "* * * * *", Command: "c"},
	})
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, err = New(&fakeExecutor{}, locks, []Entry{{Name: "a:b", Cron: "* * * * *", Command: "c"}})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	s, err := New(&fakeExecutor{}, lock.NewManager(lock.NewMemoryStore()), entries())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}
