package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zimagi/zimagi-sub000/internal/observability"
	"github.com/zimagi/zimagi-sub000/internal/sqlitedb"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS worker_tasks (
		id           TEXT PRIMARY KEY,
		task_key     TEXT NOT NULL,
		command      TEXT NOT NULL,
		options      TEXT NOT NULL,
		priority     INTEGER NOT NULL,
		max_retries  INTEGER NOT NULL,
		attempt      INTEGER NOT NULL,
		worker_type  TEXT NOT NULL,
		enqueued_at  INTEGER NOT NULL,
		not_before   INTEGER NOT NULL DEFAULT 0,
		heartbeat_at INTEGER NOT NULL DEFAULT 0,
		owner        TEXT NOT NULL DEFAULT '',
		last_error   TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS worker_tasks_ready
		ON worker_tasks (state, worker_type, priority, enqueued_at, id)`,
}

const (
	statePending  = "pending"
	stateInFlight = "inflight"
)

// SQLiteQueue shares tasks between processes through one SQLite file.
// Consumers poll; there is no cross-process wakeup.
type SQLiteQueue struct {
	db       *sql.DB
	backoff  BackoffConfig
	interval time.Duration
	now      func() time.Time
}

func NewSQLiteQueue(ctx context.Context, db *sql.DB, backoff BackoffConfig, poll time.Duration) (*SQLiteQueue, error) {
	if err := sqlitedb.Migrate(ctx, db, sqliteSchema...); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &SQLiteQueue{db: db, backoff: backoff, interval: poll, now: time.Now}, nil
}

func OpenSQLiteQueue(ctx context.Context, dsn string, backoff BackoffConfig, poll time.Duration) (*SQLiteQueue, error) {
	db, err := sqlitedb.Open(dsn)
	if err != nil {
		return nil, err
	}
	q, err := NewSQLiteQueue(ctx, db, backoff, poll)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) (Task, error) {
	if err := validateTask(t); err != nil {
		return Task{}, err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return Task{}, fmt.Errorf("worker: encode options: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO worker_tasks
		(id, task_key, command, options, priority, max_retries, attempt, worker_type, enqueued_at, not_before, last_error, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Key, t.Command, string(opts), t.Priority, t.MaxRetries, t.Attempt, t.WorkerType,
		t.EnqueuedAt.UnixNano(), unixNano(t.NotBefore), t.LastError, statePending)
	if err != nil {
		return Task{}, fmt.Errorf("worker: enqueue %s: %w", t.ID, err)
	}
	observability.RecordQueueEvent(t.WorkerType, "enqueued")
	log.Debug().Str("task", t.ID).Str("command", t.Command).Str("worker_type", t.WorkerType).Msg("task_enqueued")
	return t, nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, workerType, owner string) (Task, error) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		t, ok, err := q.claimNext(ctx, workerType, owner)
		if err != nil {
			return Task{}, err
		}
		if ok {
			observability.RecordQueueEvent(workerType, "dequeued")
			return t, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *SQLiteQueue) claimNext(ctx context.Context, workerType, owner string) (Task, bool, error) {
	now := q.now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, false, fmt.Errorf("worker: begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM worker_tasks
		WHERE state = ? AND worker_type = ? AND not_before <= ?
		ORDER BY priority ASC, enqueued_at ASC, id ASC
		LIMIT 1`, statePending, workerType, now.UnixNano())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE worker_tasks SET state = ?, owner = ?, heartbeat_at = ?
		WHERE id = ? AND state = ?`, stateInFlight, owner, now.UnixNano(), t.ID, statePending)
	if err != nil {
		return Task{}, false, fmt.Errorf("worker: claim %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return Task{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false, fmt.Errorf("worker: commit dequeue: %w", err)
	}
	t.Owner = owner
	t.HeartbeatAt = now
	return t, true, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, t Task) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM worker_tasks WHERE id = ? AND state = ?`, t.ID, stateInFlight)
	if err != nil {
		return fmt.Errorf("worker: ack %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotInFlight, t.ID)
	}
	observability.RecordQueueEvent(t.WorkerType, "acked")
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, t Task, cause error) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("worker: begin nack: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM worker_tasks WHERE id = ? AND state = ?`, t.ID, stateInFlight)
	current, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotInFlight, t.ID)
	}
	if err != nil {
		return false, err
	}
	next, requeue := retry(current, cause, q.now(), q.backoff)
	if !requeue {
		if _, err := tx.ExecContext(ctx, `DELETE FROM worker_tasks WHERE id = ?`, t.ID); err != nil {
			return false, fmt.Errorf("worker: drop %s: %w", t.ID, err)
		}
		observability.RecordQueueEvent(t.WorkerType, "failed")
		return false, tx.Commit()
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE worker_tasks
		SET state = ?, attempt = ?, not_before = ?, heartbeat_at = 0, owner = '', last_error = ?
		WHERE id = ?`, statePending, next.Attempt, unixNano(next.NotBefore), next.LastError, t.ID)
	if err != nil {
		return false, fmt.Errorf("worker: requeue %s: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("worker: commit nack: %w", err)
	}
	observability.RecordQueueEvent(t.WorkerType, "retried")
	return true, nil
}

func (q *SQLiteQueue) Heartbeat(ctx context.Context, t Task) error {
	res, err := q.db.ExecContext(ctx, `UPDATE worker_tasks SET heartbeat_at = ? WHERE id = ? AND state = ?`,
		q.now().UnixNano(), t.ID, stateInFlight)
	if err != nil {
		return fmt.Errorf("worker: heartbeat %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotInFlight, t.ID)
	}
	return nil
}

func (q *SQLiteQueue) InFlight(ctx context.Context) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM worker_tasks
		WHERE state = ? ORDER BY priority ASC, enqueued_at ASC, id ASC`, stateInFlight)
	if err != nil {
		return nil, fmt.Errorf("worker: list in flight: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Pending(ctx context.Context, workerType string) (int, error) {
	var n int
	var err error
	if workerType == "" {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_tasks WHERE state = ?`, statePending).Scan(&n)
	} else {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_tasks WHERE state = ? AND worker_type = ?`,
			statePending, workerType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("worker: count pending: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

const taskColumns = `id, task_key, command, options, priority, max_retries, attempt, worker_type,
	enqueued_at, not_before, heartbeat_at, owner, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var t Task
	var opts string
	var enqueuedAt, notBefore, heartbeat int64
	err := row.Scan(&t.ID, &t.Key, &t.Command, &opts, &t.Priority, &t.MaxRetries, &t.Attempt, &t.WorkerType,
		&enqueuedAt, &notBefore, &heartbeat, &t.Owner, &t.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("worker: scan task: %w", err)
	}
	if opts != "" && opts != "null" {
		if err := json.Unmarshal([]byte(opts), &t.Options); err != nil {
			return Task{}, fmt.Errorf("worker: decode options for %s: %w", t.ID, err)
		}
	}
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	t.NotBefore = fromUnixNano(notBefore)
	t.HeartbeatAt = fromUnixNano(heartbeat)
	return t, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
