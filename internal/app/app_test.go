package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zimagi/zimagi-sub000/internal/config"
	"github.com/zimagi/zimagi-sub000/internal/dispatch"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/schedule"
	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
	"github.com/zimagi/zimagi-sub000/internal/testutil/tlstest"
	"github.com/zimagi/zimagi-sub000/internal/transport"
)

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	require.NoError(t, config.Validate(cfg))
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func memoryDSN(t *testing.T) string {
	return "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
}

func infoTexts(resp *message.Response) []string {
	var out []string
	for _, m := range resp.Output() {
		if m.Type == message.TypeInfo {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestNewRunsBuiltinsOnMemoryBackends(t *testing.T) {
	testlog.Start(t)
	cfg := config.Default()
	cfg.Notify.File = filepath.Join(t.TempDir(), "notify.jsonl")
	a := newApp(t, cfg)

	resp, err := a.Dispatcher.Execute(context.Background(), "echo", registry.Options{"text": "hi", "repeat": 2, "notify": []string{"ops"}})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, []string{"hi", "hi"}, infoTexts(resp))

	notes, err := dispatch.ReadNotifications(cfg.Notify.File)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "echo", notes[0].Command)

	_, err = a.Registry.Register(registry.Spec{Path: []string{"late"}}, nil)
	assert.Error(t, err, "registry is sealed after startup")
}

func TestSQLiteBackendsShareOneDatabase(t *testing.T) {
	testlog.Start(t)
	dsn := memoryDSN(t)
	cfg := config.Default()
	cfg.Locks.Backend, cfg.Locks.DSN = config.BackendSQLite, dsn
	cfg.Queue.Backend, cfg.Queue.DSN = config.BackendSQLite, dsn
	cfg.Status.Backend, cfg.Status.DSN = config.BackendSQLite, dsn
	a := newApp(t, cfg)
	assert.Len(t, a.dbs, 1)

	ctx := context.Background()
	ch, key, err := a.Dispatcher.Stream(ctx, "test lock", registry.Options{"seconds": 0.01}, nil)
	require.NoError(t, err)
	for range ch.Messages(ctx) {
	}
	rec, err := a.Dispatcher.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateDone, rec.State)
	assert.True(t, rec.Success)
	assert.Empty(t, a.Locks.Held())
}

func TestServerAndWorkersRunBackgroundCommands(t *testing.T) {
	testlog.Start(t)
	cfg := config.Default()
	cfg.Security.EncryptionKey = "shared-secret"
	cfg.Server.Users = map[string]string{"ops": "token"}
	cfg.Queue.PollTimeout = config.Duration(50 * time.Millisecond)
	cfg.Scaling.Backend = config.ScalingLog
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Work(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	srv := httptest.NewServer(a.Server().Handler())
	t.Cleanup(srv.Close)
	client := transport.NewClient(transport.ClientConfig{
		BaseURL: srv.URL,
		User:    "ops",
		Token:   "token",
		Cipher:  transport.NewCipher("shared-secret"),
	})

	resp, err := client.Execute(context.Background(), "task sleep", map[string]any{"seconds": 0.05}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	require.Eventually(t, func() bool {
		n, _ := a.Fleet.Capacity(context.Background(), cfg.Queue.WorkerType)
		return n == cfg.Queue.Workers
	}, time.Second, 10*time.Millisecond)

	bad := transport.NewClient(transport.ClientConfig{BaseURL: srv.URL, User: "ops", Token: "wrong", Cipher: transport.NewCipher("shared-secret")})
	_, err = bad.Execute(context.Background(), "echo", map[string]any{"text": "x"}, nil, nil)
	var reqErr *transport.RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestHostsAndSchedulesFromConfig(t *testing.T) {
	testlog.Start(t)
	cfg := config.Default()
	cfg.Hosts = []config.HostConfig{{Name: "edge", URL: "http://edge:5123/"}}
	cfg.Schedules = []config.ScheduleConfig{{Name: "tick", Cron: "*/5 * * * *", Command: "echo", Options: map[string]any{"text": "tick"}}}
	a := newApp(t, cfg)

	require.Contains(t, a.Hosts, "edge")
	assert.Equal(t, "http://edge:5123", a.Hosts["edge"].BaseURL())
	require.Len(t, a.Scheduler.Entries(), 1)
	assert.Equal(t, "tick", a.Scheduler.Entries()[0].Options["text"])

	cfg.Schedules[0].Cron = "every tuesday"
	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, schedule.ErrInvalidCron)
}

func TestMissingCommandTreeFails(t *testing.T) {
	testlog.Start(t)
	cfg := config.Default()
	cfg.Commands.SpecPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestHostCAFileIsLoaded(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.New(t)
	cfg := config.Default()
	cfg.Hosts = []config.HostConfig{{Name: "secure", URL: "https://secure:5123", CAFile: ca.CAFile()}}
	a := newApp(t, cfg)
	require.Contains(t, a.Hosts, "secure")

	cfg.Hosts[0].CAFile = filepath.Join(t.TempDir(), "absent.crt")
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host secure")
}
