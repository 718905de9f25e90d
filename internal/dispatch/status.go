package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zimagi/zimagi-sub000/internal/sqlitedb"
)

// StatusStore persists the latest Record per invocation key.
type StatusStore interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, key string) (Record, error)
}

// MemoryStatusStore keeps records for the life of the process.
type MemoryStatusStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: make(map[string]Record)}
}

func (s *MemoryStatusStore) Put(_ context.Context, r Record) error {
	if r.Key == "" {
		return errors.New("dispatch: status record without key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Key] = r
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrStatusNotFound, key)
	}
	return r, nil
}

var statusSchema = []string{
	`CREATE TABLE IF NOT EXISTS command_status (
		invocation_key TEXT PRIMARY KEY,
		command        TEXT NOT NULL,
		path           TEXT NOT NULL,
		state          TEXT NOT NULL,
		success        INTEGER NOT NULL,
		error          TEXT NOT NULL,
		host           TEXT NOT NULL,
		worker_type    TEXT NOT NULL,
		attempt        INTEGER NOT NULL,
		started_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		finished_at    INTEGER NOT NULL
	)`,
}

// SQLiteStatusStore shares status across processes that open the same file,
// which lets a synchronous caller wait on a worker in another process.
type SQLiteStatusStore struct {
	db *sql.DB
}

func NewSQLiteStatusStore(ctx context.Context, db *sql.DB) (*SQLiteStatusStore, error) {
	if err := sqlitedb.Migrate(ctx, db, statusSchema...); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return &SQLiteStatusStore{db: db}, nil
}

func OpenSQLiteStatusStore(ctx context.Context, dsn string) (*SQLiteStatusStore, error) {
	db, err := sqlitedb.Open(dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStatusStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStatusStore) Put(ctx context.Context, r Record) error {
	if r.Key == "" {
		return errors.New("dispatch: status record without key")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_status (invocation_key, command, path, state, success, error,
			host, worker_type, attempt, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invocation_key) DO UPDATE SET
			command = excluded.command, path = excluded.path, state = excluded.state,
			success = excluded.success, error = excluded.error, host = excluded.host,
			worker_type = excluded.worker_type, attempt = excluded.attempt,
			started_at = excluded.started_at, updated_at = excluded.updated_at,
			finished_at = excluded.finished_at`,
		r.Key, r.Command, string(r.Path), string(r.State), boolInt(r.Success), r.Error,
		r.Host, r.WorkerType, r.Attempt, unixNano(r.StartedAt), unixNano(r.UpdatedAt), unixNano(r.FinishedAt),
	)
	return err
}

func (s *SQLiteStatusStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		r                    Record
		path, state          string
		success              int
		started, updated, fi int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT invocation_key, command, path, state, success, error, host, worker_type,
			attempt, started_at, updated_at, finished_at
		FROM command_status WHERE invocation_key = ?`, key).
		Scan(&r.Key, &r.Command, &path, &state, &success, &r.Error, &r.Host, &r.WorkerType,
			&r.Attempt, &started, &updated, &fi)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrStatusNotFound, key)
	}
	if err != nil {
		return Record{}, err
	}
	r.Path = Path(path)
	r.State = State(state)
	r.Success = success != 0
	r.StartedAt = fromUnixNano(started)
	r.UpdatedAt = fromUnixNano(updated)
	r.FinishedAt = fromUnixNano(fi)
	return r, nil
}

func (s *SQLiteStatusStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
	return time.Unix(0, n).UTC()
}
