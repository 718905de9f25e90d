package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zimagi/zimagi-sub000/internal/observability"
)

// Monitor reports in-flight tasks whose heartbeat is older than StallAfter.
// Stalled tasks are reported once each and left in place.
type Monitor struct {
	Queue      Queue
	StallAfter time.Duration
	Interval   time.Duration
	OnStall    func(ctx context.Context, t Task)
	Logger     *zerolog.Logger

	reported map[string]time.Time
}

// Check inspects in-flight tasks at now and returns newly stalled ones.
func (m *Monitor) Check(ctx context.Context, now time.Time) ([]Task, error) {
	tasks, err := m.Queue.InFlight(ctx)
	if err != nil {
		return nil, err
	}
	if m.reported == nil {
		m.reported = make(map[string]time.Time)
	}
	logger := log.Logger
	if m.Logger != nil {
		logger = *m.Logger
	}
	live := make(map[string]struct{}, len(tasks))
	var stalled []Task
	for _, t := range tasks {
		live[t.ID] = struct{}{}
		if now.Sub(t.HeartbeatAt) < m.StallAfter {
			continue
		}
		if hb, seen := m.reported[t.ID]; seen && hb.Equal(t.HeartbeatAt) {
			continue
		}
		m.reported[t.ID] = t.HeartbeatAt
		stalled = append(stalled, t)
		observability.RecordQueueEvent(t.WorkerType, "stalled")
		logger.Warn().
			Str("task", t.ID).
			Str("key", t.Key).
			Str("command", t.Command).
			Str("owner", t.Owner).
			Time("heartbeat_at", t.HeartbeatAt).
			Msg("task_stalled")
		if m.OnStall != nil {
			m.OnStall(ctx, t)
		}
	}
	for id := range m.reported {
		if _, ok := live[id]; !ok {
			delete(m.reported, id)
		}
	}
	return stalled, nil
}

// Run checks every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = m.StallAfter / 2
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := m.Check(ctx, now); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("task_monitor_failed")
			}
		}
	}
}
