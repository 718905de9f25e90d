package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zimagi/zimagi-sub000/internal/sqlitedb"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS command_locks (
		lock_id    TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS command_lock_states (
		lock_id      TEXT PRIMARY KEY,
		completed_at INTEGER NOT NULL
	)`,
}

// SQLiteStore keeps claims and run-once flags in SQLite. Expiry is compared
// in unix milliseconds from the claiming process's clock.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore migrates db and returns a store over it.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitedb.Migrate(ctx, db, sqliteSchema...); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// OpenSQLiteStore opens dsn and migrates it.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_locks (lock_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(lock_id) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE command_locks.expires_at <= ? OR command_locks.owner = excluded.owner`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Release(ctx context.Context, key, owner string) error {
	if owner == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM command_locks WHERE lock_id = ?`, key)
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM command_locks WHERE lock_id = ? AND owner = ?`, key, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var holder string
	err = s.db.QueryRowContext(ctx,
		`SELECT owner FROM command_locks WHERE lock_id = ?`, key).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrNotHeld
}

func (s *SQLiteStore) MarkDone(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_lock_states (lock_id, completed_at) VALUES (?, ?)
		ON CONFLICT(lock_id) DO NOTHING`, key, s.now().UnixMilli())
	return err
}

func (s *SQLiteStore) Done(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM command_lock_states WHERE lock_id = ?`, key).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
