package lock

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// SignalHook runs before locks are reclaimed on a termination signal.
type SignalHook func(ctx context.Context, sig os.Signal)

// SignalWatcher reclaims this process's locks on termination signals and then
// re-raises the signal so the default disposition applies.
type SignalWatcher struct {
	Manager *Manager
	Hooks   []SignalHook
	Signals []os.Signal
	Grace   time.Duration

	reraise func(os.Signal)
	once    sync.Once
}

// WatchSignals installs a watcher for SIGINT and SIGTERM. The returned stop
// function uninstalls it without touching held locks.
func WatchSignals(ctx context.Context, m *Manager, hooks ...SignalHook) (stop func()) {
	w := &SignalWatcher{Manager: m, Hooks: hooks}
	return w.Watch(ctx)
}

func (w *SignalWatcher) Watch(ctx context.Context) (stop func()) {
	signals := w.Signals
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		case sig := <-sigCh:
			signal.Stop(sigCh)
			w.Handle(sig)
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}

// Handle runs hooks, reclaims held locks, and re-raises sig. It acts once.
func (w *SignalWatcher) Handle(sig os.Signal) {
	w.once.Do(func() {
		grace := w.Grace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		for _, hook := range w.Hooks {
			if hook != nil {
				hook(ctx, sig)
			}
		}
		if w.Manager != nil {
			held := w.Manager.Held()
			if err := w.Manager.ReleaseAll(ctx); err != nil {
				w.Manager.logger.Error().Err(err).Msg("lock_reclaim_failed")
			}
			w.Manager.logger.Warn().
				Str("signal", sig.String()).
				Strs("locks", held).
				Msg("locks_reclaimed_on_signal")
		}

		reraise := w.reraise
		if reraise == nil {
			reraise = raise
		}
		reraise(sig)
	})
}

func raise(sig os.Signal) {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		os.Exit(1)
	}
	_ = p.Signal(sig)
}
