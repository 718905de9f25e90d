// Package schedule runs commands on cron expressions.
//
// Ownership boundary:
// - cron evaluation of configured entries
// - run-once locking so replicas fire each due minute once
// - minute-aligned ticking
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zimagi/zimagi-sub000/internal/lock"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/registry"
)

var (
	ErrInvalidCron  = errors.New("schedule: invalid cron expression")
	ErrInvalidEntry = errors.New("schedule: invalid entry")
)

// Executor runs one command to completion.
type Executor interface {
	Execute(ctx context.Context, name string, opts registry.Options) (*message.Response, error)
}

// Entry is one scheduled command.
type Entry struct {
	Name    string
	Cron    string
	Command string
	Options registry.Options
}

// Result reports what one entry did on a tick.
type Result struct {
	Entry  string
	LockID string
	Ran    bool
	Err    error
}

// Scheduler fires due entries through an Executor.
type Scheduler struct {
	entries []Entry
	exec    Executor
	locks   *lock.Manager
	gron    *gronx.Gronx
	lockTTL time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Scheduler)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithLockTTL bounds how long a crashed replica can hold a tick's lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New validates entries. locks must be backed by a store that records
// run-once state.
func New(exec Executor, locks *lock.Manager, entries []Entry, opts ...Option) (*Scheduler, error) {
	g := gronx.New()
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Command == "" {
			return nil, fmt.Errorf("%w: name and command are required", ErrInvalidEntry)
		}
		if strings.Contains(e.Name, ":") {
			return nil, fmt.Errorf("%w: name %q contains ':'", ErrInvalidEntry, e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidEntry, e.Name)
		}
		seen[e.Name] = struct{}{}
		if !g.IsValid(e.Cron) {
			return nil, fmt.Errorf("%w: %s: %q", ErrInvalidCron, e.Name, e.Cron)
		}
	}
	s := &Scheduler{
		entries: append([]Entry(nil), entries...),
		exec:    exec,
		locks:   locks,
		gron:    g,
		lockTTL: 10 * time.Minute,
		logger:  log.Logger.With().Str("component", "schedule").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Entries returns the configured entries.
func (s *Scheduler) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// LockID is the run-once lock guarding entry name for the minute containing at.
func LockID(name string, at time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", name, at.Unix()/60)
}

// Tick fires every entry due at the minute containing now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Result {
	minute := now.Truncate(time.Minute)
	var results []Result
	for _, e := range s.entries {
		due, err := s.gron.IsDue(e.Cron, minute)
		if err != nil {
			results = append(results, Result{Entry: e.Name, Err: fmt.Errorf("%w: %v", ErrInvalidCron, err)})
			continue
		}
		if !due {
			continue
		}
		results = append(results, s.fire(ctx, e, minute))
	}
	return results
}

func (s *Scheduler) fire(ctx context.Context, e Entry, minute time.Time) Result {
	id := LockID(e.Name, minute)
	opts := lock.Options{Wait: false, TTL: s.lockTTL}
	logger := s.logger.With().Str("schedule", e.Name).Str("command", e.Command).Str("lock_id", id).Logger()

	ran, err := s.locks.RunOnce(ctx, id, opts, func(ctx context.Context) error {
		resp, err := s.exec.Execute(ctx, e.Command, e.Options.Clone())
		if err != nil {
			return err
		}
		return resp.Err()
	})
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("schedule_failed")
	case ran:
		logger.Info().Msg("schedule_fired")
	default:
		logger.Debug().Msg("schedule_skipped")
	}
	return Result{Entry: e.Name, LockID: id, Ran: ran, Err: err}
}

// Run ticks at each minute boundary until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return nil
	}
	s.logger.Info().Int("entries", len(s.entries)).Msg("scheduler_started")
	var last time.Time
	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		minute := s.now().Truncate(time.Minute)
		if !minute.After(last) {
			continue
		}
		last = minute
		s.Tick(ctx, minute)
	}
}
