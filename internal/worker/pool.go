package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zimagi/zimagi-sub000/internal/observability"
)

// Handler runs one task attempt. A returned error fails the attempt.
type Handler func(ctx context.Context, t Task) error

type PoolConfig struct {
	Name       string
	WorkerType string
	Workers    int
	// Heartbeat is the in-flight heartbeat period.
	Heartbeat time.Duration
	// PollTimeout bounds each Dequeue wait.
	PollTimeout time.Duration
	Logger      *zerolog.Logger
}

// Pool runs Workers goroutines that pull tasks of one worker type.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  zerolog.Logger
	active  atomic.Int32
	running atomic.Bool
}

func NewPool(q Queue, h Handler, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WorkerType == "" {
		cfg.WorkerType = DefaultWorkerType
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.WorkerType
	}
	p := &Pool{queue: q, handler: h, cfg: cfg, logger: log.Logger}
	if cfg.Logger != nil {
		p.logger = *cfg.Logger
	}
	p.logger = p.logger.With().Str("pool", cfg.Name).Str("worker_type", cfg.WorkerType).Logger()
	return p
}

func (p *Pool) WorkerType() string { return p.cfg.WorkerType }

// Workers returns the configured worker count while the pool runs.
func (p *Pool) Workers() int {
	if !p.running.Load() {
		return 0
	}
	return p.cfg.Workers
}

// Active returns the number of workers currently running a task.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Run blocks until ctx is done or the queue closes. Tasks in flight finish
// their attempt first.
func (p *Pool) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)
	p.logger.Info().Int("workers", p.cfg.Workers).Msg("worker_pool_started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		owner := fmt.Sprintf("%s-%d-%s", p.cfg.Name, i, NewID())
		g.Go(func() error { return p.loop(gctx, owner) })
	}
	err := g.Wait()
	p.logger.Info().Msg("worker_pool_stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, owner string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
		t, err := p.queue.Dequeue(pollCtx, p.cfg.WorkerType, owner)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return err
		}
		p.process(ctx, t)
	}
}

// process runs one attempt with heartbeats, then acks or nacks.
func (p *Pool) process(ctx context.Context, t Task) {
	p.active.Add(1)
	observability.AddBusyWorkers(p.cfg.WorkerType, 1)
	defer func() {
		p.active.Add(-1)
		observability.AddBusyWorkers(p.cfg.WorkerType, -1)
	}()

	// Queue bookkeeping must survive pool shutdown.
	bookCtx := context.WithoutCancel(ctx)
	hbCtx, stopHB := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, t)
	}()

	start := time.Now()
	p.logger.Info().Str("task", t.ID).Str("command", t.Command).Int("attempt", t.Attempt).Msg("task_started")
	err := p.run(ctx, t)
	stopHB()
	wg.Wait()

	if err == nil {
		if aerr := p.queue.Ack(bookCtx, t); aerr != nil {
			p.logger.Error().Err(aerr).Str("task", t.ID).Msg("task_ack_failed")
		}
		p.logger.Info().Str("task", t.ID).Dur("duration", time.Since(start)).Msg("task_succeeded")
		return
	}
	requeued, nerr := p.queue.Nack(bookCtx, t, err)
	if nerr != nil {
		p.logger.Error().Err(nerr).Str("task", t.ID).Msg("task_nack_failed")
		return
	}
	event := p.logger.Warn()
	if !requeued {
		event = p.logger.Error()
	}
	event.Err(err).
		Str("task", t.ID).
		Str("command", t.Command).
		Int("attempt", t.Attempt).
		Int("max_retries", t.MaxRetries).
		Bool("requeued", requeued).
		Msg("task_failed")
}

func (p *Pool) run(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: task %s panicked: %v", t.ID, r)
		}
	}()
	return p.handler(ctx, t)
}

func (p *Pool) heartbeat(ctx context.Context, t Task) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, t); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("task", t.ID).Msg("task_heartbeat_failed")
			}
		}
	}
}

// Fleet reports in-process worker capacity per worker type.
type Fleet struct {
	mu    sync.RWMutex
	pools []*Pool
}

func (f *Fleet) Add(p *Pool) {
	f.mu.Lock()
	f.pools = append(f.pools, p)
	f.mu.Unlock()
}

// Capacity sums running workers for workerType.
func (f *Fleet) Capacity(_ context.Context, workerType string) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, p := range f.pools {
		if p.WorkerType() == workerType {
			n += p.Workers()
		}
	}
	return n, nil
}
