package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zimagi/zimagi-sub000/internal/auth"
	"github.com/zimagi/zimagi-sub000/internal/builtin"
	"github.com/zimagi/zimagi-sub000/internal/config"
	"github.com/zimagi/zimagi-sub000/internal/dispatch"
	"github.com/zimagi/zimagi-sub000/internal/lock"
	"github.com/zimagi/zimagi-sub000/internal/observability"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/runner"
	"github.com/zimagi/zimagi-sub000/internal/scale"
	"github.com/zimagi/zimagi-sub000/internal/schedule"
	"github.com/zimagi/zimagi-sub000/internal/sqlitedb"
	"github.com/zimagi/zimagi-sub000/internal/transport"
	"github.com/zimagi/zimagi-sub000/internal/worker"
)

var ErrNoServer = errors.New("app: server is not configured")

// App is the application context. It is built once per process and passed
// to every entry point.
type App struct {
	Config     config.Config
	Registry   *registry.Registry
	Locks      *lock.Manager
	Queue      worker.Queue
	Status     dispatch.StatusStore
	Bus        *dispatch.Bus
	Dispatcher *dispatch.Dispatcher
	Scheduler  *schedule.Scheduler
	Fleet      *worker.Fleet
	Hosts      map[string]*transport.Client

	runner  runner.Runner
	logger  zerolog.Logger
	dbs     map[string]*sql.DB
	closers []func() error
}

type Option func(*App)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRunner replaces the process runner used by shell commands.
func WithRunner(r runner.Runner) Option {
	return func(a *App) { a.runner = r }
}

// New builds every collaborator described by cfg. Close releases them.
func New(ctx context.Context, cfg config.Config, opts ...Option) (a *App, err error) {
	a = &App{
		Config: cfg,
		Fleet:  &worker.Fleet{},
		logger: log.Logger.With().Str("component", "app").Logger(),
		dbs:    make(map[string]*sql.DB),
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	observability.RegisterMetrics()

	if a.Locks, err = a.openLocks(ctx); err != nil {
		return nil, err
	}
	if a.Queue, err = a.openQueue(ctx); err != nil {
		return nil, err
	}
	if a.Status, err = a.openStatus(ctx); err != nil {
		return nil, err
	}
	scaler, capacity, err := a.openScaler()
	if err != nil {
		return nil, err
	}
	if a.Hosts, err = a.hostClients(); err != nil {
		return nil, err
	}
	a.Bus = dispatch.NewBus(256)
	a.closers = append(a.closers, func() error { a.Bus.Close(); return nil })

	a.Registry = registry.New(registry.DefaultCapabilities())
	a.Dispatcher, err = dispatch.New(dispatch.Config{
		Registry:    a.Registry,
		Locks:       a.Locks,
		Queue:       a.Queue,
		Scaler:      scaler,
		Capacity:    capacity,
		Status:      a.Status,
		Notifiers:   a.notifiers(),
		Bus:         a.Bus,
		Hosts:       a.Hosts,
		LockTTL:     cfg.Locks.TTL.Std(),
		LogDir:      cfg.Commands.LogDir,
		LogMessages: cfg.Commands.LogMessages,
		TaskWait:    cfg.Queue.TaskWait.Std(),
		StatusPoll:  cfg.Status.Poll.Std(),
	})
	if err != nil {
		return nil, err
	}
	deps := builtin.Deps{Locks: a.Locks, Status: a.Dispatcher.Status, Runner: a.runner}
	if err := builtin.Load(a.Registry, deps, cfg.Commands.SpecPath); err != nil {
		return nil, err
	}
	a.Registry.Seal()

	if a.Scheduler, err = a.newScheduler(); err != nil {
		return nil, err
	}
	a.logger.Info().
		Str("locks", cfg.Locks.Backend).
		Str("queue", cfg.Queue.Backend).
		Str("status", cfg.Status.Backend).
		Str("scaling", cfg.Scaling.Backend).
		Int("hosts", len(a.Hosts)).
		Int("schedules", len(cfg.Schedules)).
		Msg("app_ready")
	return a, nil
}

func (a *App) sqlite(dsn string) (*sql.DB, error) {
	if db, ok := a.dbs[dsn]; ok {
		return db, nil
	}
	db, err := sqlitedb.Open(dsn)
	if err != nil {
		return nil, err
	}
	a.dbs[dsn] = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *App) openLocks(ctx context.Context) (*lock.Manager, error) {
	cfg := a.Config.Locks
	logger := log.Logger.With().Str("component", "lock").Logger()
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := a.sqlite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		store, err := lock.NewSQLiteStore(ctx, db)
		if err != nil {
			return nil, err
		}
		return lock.NewManager(store, lock.WithLogger(logger)), nil
	case config.BackendPostgres:
		store, err := lock.OpenPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return lock.NewManager(store, lock.WithLogger(logger)), nil
	default:
		return lock.NewManager(lock.NewMemoryStore(), lock.WithLogger(logger)), nil
	}
}

func (a *App) backoff() worker.BackoffConfig {
	b := a.Config.Queue.Backoff
	return worker.BackoffConfig{
		InitialDelay: b.Initial.Std(),
		MaxDelay:     b.Max.Std(),
		Multiplier:   b.Multiplier,
		Jitter:       b.Jitter,
	}
}

func (a *App) openQueue(ctx context.Context) (worker.Queue, error) {
	cfg := a.Config.Queue
	if cfg.Backend == config.BackendSQLite {
		db, err := a.sqlite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		q, err := worker.NewSQLiteQueue(ctx, db, a.backoff(), 0)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q := worker.NewMemoryQueue(a.backoff())
	a.closers = append(a.closers, q.Close)
	return q, nil
}

func (a *App) openStatus(ctx context.Context) (dispatch.StatusStore, error) {
	cfg := a.Config.Status
	if cfg.Backend == config.BackendSQLite {
		db, err := a.sqlite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		store, err := dispatch.NewSQLiteStatusStore(ctx, db)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return dispatch.NewMemoryStatusStore(), nil
}

// openScaler returns the guarded scaler and the capacity source the
// dispatcher checks before scaling. Kubernetes reports deployment replicas;
// otherwise capacity is the in-process worker fleet.
func (a *App) openScaler() (scale.Scaler, scale.Capacity, error) {
	cfg := a.Config.Scaling
	logger := log.Logger.With().Str("component", "scale").Logger()
	switch cfg.Backend {
	case config.ScalingKubernetes:
		client, err := scale.NewKubeClient(cfg.Kubeconfig)
		if err != nil {
			return nil, nil, err
		}
		kube := scale.NewKubeScaler(client, scale.KubeConfig{
			Namespace:        cfg.Namespace,
			DeploymentPrefix: cfg.DeploymentPrefix,
			MaxWorkers:       cfg.MaxWorkers,
			Logger:           &logger,
		})
		return scale.NewGuard(kube, cfg.Rate, cfg.Burst), kube, nil
	case config.ScalingLog:
		return scale.NewGuard(scale.LogScaler{Logger: &logger}, cfg.Rate, cfg.Burst), a.Fleet, nil
	default:
		return nil, nil, nil
	}
}

func (a *App) hostClients() (map[string]*transport.Client, error) {
	tr := a.Config.Transport
	hosts := make(map[string]*transport.Client, len(a.Config.Hosts))
	for _, h := range a.Config.Hosts {
		httpClient, err := transport.NewHTTPClient(h.CAFile, tr.Timeout.Std())
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", h.Name, err)
		}
		logger := log.Logger.With().Str("component", "transport").Str("host", h.Name).Logger()
		hosts[h.Name] = transport.NewClient(transport.ClientConfig{
			BaseURL:    h.URL,
			User:       h.User,
			Token:      h.Token,
			Cipher:     transport.NewCipher(h.EncryptionKey),
			Tries:      tr.Tries,
			Wait:       tr.Wait.Std(),
			HTTPClient: httpClient,
			Logger:     &logger,
		})
	}
	return hosts, nil
}

func (a *App) notifiers() []dispatch.Notifier {
	var out []dispatch.Notifier
	if a.Config.Notify.Log {
		out = append(out, dispatch.LogNotifier{Logger: log.Logger.With().Str("component", "notify").Logger()})
	}
	if a.Config.Notify.File != "" {
		out = append(out, &dispatch.FileNotifier{Path: a.Config.Notify.File})
	}
	return out
}

func (a *App) newScheduler() (*schedule.Scheduler, error) {
	entries := make([]schedule.Entry, 0, len(a.Config.Schedules))
	for _, s := range a.Config.Schedules {
		entries = append(entries, schedule.Entry{
			Name:    s.Name,
			Cron:    s.Cron,
			Command: s.Command,
			Options: registry.Options(s.Options).Clone(),
		})
	}
	return schedule.New(a.Dispatcher, a.Locks, entries,
		schedule.WithLogger(log.Logger.With().Str("component", "schedule").Logger()))
}

// Server builds the HTTP command API over the dispatcher.
func (a *App) Server() *transport.Server {
	var validator auth.Validator
	if len(a.Config.Server.Users) > 0 {
		validator = auth.StaticTokens(a.Config.Server.Users)
	}
	logger := log.Logger.With().Str("component", "server").Logger()
	return transport.NewServer(transport.ServerConfig{
		Name:        a.Config.Server.Name,
		Registry:    a.Registry,
		Executor:    a.Dispatcher,
		Cipher:      transport.NewCipher(a.Config.Security.EncryptionKey),
		Auth:        validator,
		CORSOrigins: a.Config.Server.CORSOrigins,
		Logger:      &logger,
	})
}

// Close releases stores and connections in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// WatchSignals aborts running commands and reclaims held locks on SIGINT or
// SIGTERM before the process exits.
func (a *App) WatchSignals(ctx context.Context) (stop func()) {
	w := &lock.SignalWatcher{
		Manager: a.Locks,
		Hooks:   []lock.SignalHook{a.Dispatcher.SignalHook()},
		Grace:   a.Config.Locks.Grace.Std(),
	}
	return w.Watch(ctx)
}

// Serve runs the command server and the scheduler. With the memory queue
// nothing outside this process can see tasks, so workers run here too.
func (a *App) Serve(ctx context.Context) error {
	if a.Config.Server.Addr == "" {
		return ErrNoServer
	}
	g, ctx := errgroup.WithContext(ctx)
	srv, server := a.Server(), a.Config.Server
	g.Go(func() error {
		if server.TLSCert != "" {
			return srv.RunTLS(ctx, server.Addr, server.TLSCert, server.TLSKey)
		}
		return srv.Run(ctx, server.Addr)
	})
	if len(a.Scheduler.Entries()) > 0 {
		g.Go(func() error { return ignoreCanceled(a.Scheduler.Run(ctx)) })
	}
	if a.Config.Queue.Backend == config.BackendMemory {
		g.Go(func() error { return a.Work(ctx) })
	}
	return g.Wait()
}

// Work runs the worker pool and the stall monitor until ctx ends.
func (a *App) Work(ctx context.Context) error {
	q := a.Config.Queue
	logger := log.Logger.With().Str("component", "worker").Logger()
	pool := worker.NewPool(a.Queue, a.Dispatcher.RunTask, worker.PoolConfig{
		WorkerType:  q.WorkerType,
		Workers:     q.Workers,
		Heartbeat:   q.Heartbeat.Std(),
		PollTimeout: q.PollTimeout.Std(),
		Logger:      &logger,
	})
	a.Fleet.Add(pool)
	monitor := &worker.Monitor{
		Queue:      a.Queue,
		StallAfter: q.StallAfter.Std(),
		Interval:   q.Heartbeat.Std(),
		OnStall:    a.Dispatcher.TaskStalled,
		Logger:     &logger,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(pool.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(monitor.Run(ctx)) })
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}
