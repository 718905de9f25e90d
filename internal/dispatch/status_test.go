package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
)

func statusStores() map[string]func(t *testing.T) StatusStore {
	return map[string]func(t *testing.T) StatusStore{
		"memory": func(*testing.T) StatusStore { return NewMemoryStatusStore() },
		"sqlite": func(t *testing.T) StatusStore {
			dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
			s, err := OpenSQLiteStatusStore(context.Background(), dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStatusStorePutGet(t *testing.T) {
	for name, open := range statusStores() {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			s := open(t)
			ctx := context.Background()

			_, err := s.Get(ctx, "nope")
			require.ErrorIs(t, err, ErrStatusNotFound)

			started := time.Unix(1700000000, 0).UTC()
			rec := Record{
				Key:        "01J",
				Command:    "task sleep",
				Path:       PathBackground,
				State:      StateQueued,
				WorkerType: "default",
				StartedAt:  started,
				UpdatedAt:  started,
			}
			require.NoError(t, s.Put(ctx, rec))

			rec.State = StateDone
			rec.Success = false
			rec.Error = "boom"
			rec.Attempt = 2
			rec.FinishedAt = started.Add(time.Minute)
			require.NoError(t, s.Put(ctx, rec))

			got, err := s.Get(ctx, "01J")
			require.NoError(t, err)
			assert.Equal(t, StateDone, got.State)
			assert.Equal(t, "boom", got.Error)
			assert.Equal(t, 2, got.Attempt)
			assert.Equal(t, PathBackground, got.Path)
			assert.True(t, got.StartedAt.Equal(started))
			assert.True(t, got.FinishedAt.Equal(started.Add(time.Minute)))

			require.Error(t, s.Put(ctx, Record{}))
		})
	}
}

func TestStateTerminal(t *testing.T) {
	testlog.Start(t)
	for _, s := range []State{StateQueued, StateInit, StateLockWait, StateRunning} {
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []State{StateSuccess, StateFailed, StateNotified, StateDone} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestBusDeliversToSubscribers(t *testing.T) {
	testlog.Start(t)
	bus := NewBus(4)
	got := make(chan Event, 4)
	unsubscribe := bus.Subscribe(EventFinished, func(e Event) { got <- e })
	bus.Subscribe(EventStalled, func(Event) { panic("subscriber bug") })

	bus.Publish(EventStalled, Record{Key: "ignored"})
	bus.Publish(EventFinished, Record{Key: "a"})
	select {
	case e := <-got:
		assert.Equal(t, "a", e.Record.Key)
		assert.Equal(t, EventFinished, e.Type)
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	unsubscribe()
	bus.Publish(EventFinished, Record{Key: "b"})
	select {
	case e := <-got:
		t.Fatalf("unexpected event after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
	bus.Close()
	bus.Publish(EventFinished, Record{Key: "c"})

	var nilBus *Bus
	nilBus.Publish(EventFinished, Record{})
}

func TestFileNotifierAppendsLines(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "notify.jsonl")
	n := &FileNotifier{Path: path}
	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, Notification{Key: "a", Command: "x", Success: true}))
	require.NoError(t, n.Notify(ctx, Notification{Key: "b", Command: "x", Errors: []string{"bad"}}))

	got, err := ReadNotifications(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Success)
	assert.Equal(t, []string{"bad"}, got[1].Errors)
}

func TestTaskStalledNotifies(t *testing.T) {
	testlog.Start(t)
	notes := &recordingNotifier{}
	bus := NewBus(1)
	stalled := make(chan Event, 1)
	defer bus.Subscribe(EventStalled, func(e Event) { stalled <- e })()
	d, err := New(Config{Registry: registryForStall(t), Notifiers: []Notifier{notes, LogNotifier{Logger: log.Logger}}, Bus: bus})
	require.NoError(t, err)

	d.TaskStalled(context.Background(), taskForStall())
	got := notes.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Stalled)
	assert.Equal(t, "k1", got[0].Key)
	select {
	case e := <-stalled:
		assert.Equal(t, "k1", e.Record.Key)
	case <-time.After(time.Second):
		t.Fatalf("stall event not published")
	}
}
