package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zimagi/zimagi-sub000/internal/observability"
)

var ErrNoStateStore = errors.New("lock: run-once requires a state store")

// Options controls one acquisition.
type Options struct {
	Wait          bool
	Timeout       time.Duration
	Interval      time.Duration
	TTL           time.Duration
	ErrorOnLocked bool
}

// DefaultOptions waits up to ten minutes, polling every two seconds.
func DefaultOptions() Options {
	return Options{
		Wait:          true,
		Timeout:       600 * time.Second,
		Interval:      2 * time.Second,
		TTL:           time.Hour,
		ErrorOnLocked: true,
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	return o
}

// Handle is an acquired lock. The zero Handle holds nothing.
type Handle struct {
	ID         string
	Owner      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Held reports whether h represents an owned claim.
func (h Handle) Held() bool {
	return h.ID != "" && h.Owner != ""
}

// Manager acquires and releases locks against a Store on behalf of this process.
type Manager struct {
	store  Store
	states StateStore
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	held map[string]string
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithStateStore(states StateStore) ManagerOption {
	return func(m *Manager) { m.states = states }
}

// NewManager returns a Manager over store. When store also implements
// StateStore it backs run-once flags unless WithStateStore overrides it.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		logger: log.Logger.With().Str("component", "lock").Logger(),
		now:    time.Now,
		held:   make(map[string]string),
	}
	if states, ok := store.(StateStore); ok {
		m.states = states
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire claims id. An empty id is a no-op returning the zero Handle.
//
// When the lock is held elsewhere: without Wait it fails with *LockedError;
// with Wait it polls every Interval until Timeout, then fails with
// *LockTimeoutError. With ErrorOnLocked unset both cases return the zero
// Handle and a nil error instead.
func (m *Manager) Acquire(ctx context.Context, id string, opts Options) (Handle, error) {
	if id == "" {
		return Handle{}, nil
	}
	opts = opts.normalize()
	owner := uuid.NewString()
	start := m.now()

	for attempt := 1; ; attempt++ {
		ok, err := m.store.Claim(ctx, id, owner, opts.TTL)
		if err != nil {
			return Handle{}, fmt.Errorf("lock: claim %q: %w", id, err)
		}
		if ok {
			h := Handle{ID: id, Owner: owner, AcquiredAt: m.now(), TTL: opts.TTL}
			m.track(id, owner)
			wait := h.AcquiredAt.Sub(start)
			observability.RecordLockWait("acquired", wait)
			m.logger.Debug().
				Str("lock_id", id).
				Int("attempts", attempt).
				Dur("wait", wait).
				Msg("lock_acquired")
			return h, nil
		}

		if !opts.Wait {
			observability.RecordLockWait("locked", m.now().Sub(start))
			m.logger.Debug().Str("lock_id", id).Msg("lock_busy")
			if opts.ErrorOnLocked {
				return Handle{}, &LockedError{ID: id}
			}
			return Handle{}, nil
		}

		remaining := opts.Timeout - m.now().Sub(start)
		if remaining <= 0 {
			observability.RecordLockWait("timeout", m.now().Sub(start))
			m.logger.Warn().
				Str("lock_id", id).
				Dur("timeout", opts.Timeout).
				Int("attempts", attempt).
				Msg("lock_timeout")
			if opts.ErrorOnLocked {
				return Handle{}, &LockTimeoutError{ID: id, Timeout: opts.Timeout}
			}
			return Handle{}, nil
		}

		timer := time.NewTimer(min(opts.Interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Handle{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release drops h. Releasing the zero Handle is a no-op.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	if !h.Held() {
		return nil
	}
	m.untrack(h.ID, h.Owner)
	if err := m.store.Release(ctx, h.ID, h.Owner); err != nil {
		if errors.Is(err, ErrNotHeld) {
			m.logger.Warn().Str("lock_id", h.ID).Msg("lock_expired_before_release")
			return nil
		}
		return fmt.Errorf("lock: release %q: %w", h.ID, err)
	}
	m.logger.Debug().Str("lock_id", h.ID).Msg("lock_released")
	return nil
}

// ForceRelease removes id regardless of which process holds it.
func (m *Manager) ForceRelease(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	m.mu.Lock()
	delete(m.held, id)
	m.mu.Unlock()
	if err := m.store.Release(ctx, id, ""); err != nil {
		return fmt.Errorf("lock: force release %q: %w", id, err)
	}
	m.logger.Info().Str("lock_id", id).Msg("lock_force_released")
	return nil
}

// Held returns the ids this process currently owns.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for id := range m.held {
		out = append(out, id)
	}
	return out
}

// ReleaseAll force-releases every lock owned by this process.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	owned := m.held
	m.held = make(map[string]string)
	m.mu.Unlock()

	var errs []error
	for id, owner := range owned {
		if err := m.store.Release(ctx, id, owner); err != nil && !errors.Is(err, ErrNotHeld) {
			errs = append(errs, fmt.Errorf("lock: release %q: %w", id, err))
			continue
		}
		m.logger.Info().Str("lock_id", id).Msg("lock_reclaimed")
	}
	return errors.Join(errs...)
}

// Run executes fn while holding id. ran is false when the lock was not
// acquired and ErrorOnLocked is unset. The lock is released on every exit path.
func (m *Manager) Run(ctx context.Context, id string, opts Options, fn func(context.Context) error) (ran bool, err error) {
	h, err := m.Acquire(ctx, id, opts)
	if err != nil {
		return false, err
	}
	if id != "" && !h.Held() {
		return false, nil
	}
	defer func() {
		if relErr := m.Release(context.WithoutCancel(ctx), h); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return true, fn(ctx)
}

// RunOnce is Run plus a completion flag persisted after fn succeeds; later
// calls with the same id skip fn even after the lock itself has expired.
//
// The flag check and the claim are not atomic with each other. Two first-time
// callers are serialized by the lock and the second re-checks the flag after
// acquiring, which closes the common case but not a claim that expires while
// fn is still running.
func (m *Manager) RunOnce(ctx context.Context, id string, opts Options, fn func(context.Context) error) (bool, error) {
	if id == "" {
		return m.Run(ctx, id, opts, fn)
	}
	if m.states == nil {
		return false, ErrNoStateStore
	}
	done, err := m.states.Done(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lock: read run-once state %q: %w", id, err)
	}
	if done {
		m.logger.Debug().Str("lock_id", id).Msg("run_once_skipped")
		return false, nil
	}

	executed := false
	ran, err := m.Run(ctx, id, opts, func(ctx context.Context) error {
		done, err := m.states.Done(ctx, id)
		if err != nil {
			return fmt.Errorf("lock: read run-once state %q: %w", id, err)
		}
		if done {
			return nil
		}
		executed = true
		if err := fn(ctx); err != nil {
			return err
		}
		if err := m.states.MarkDone(context.WithoutCancel(ctx), id); err != nil {
			return fmt.Errorf("lock: persist run-once state %q: %w", id, err)
		}
		return nil
	})
	return ran && executed, err
}

func (m *Manager) track(id, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[id] = owner
}

func (m *Manager) untrack(id, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[id] == owner {
		delete(m.held, id)
	}
}
