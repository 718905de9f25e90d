package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Queryer is the subset of pgxpool.Pool used by PostgresStore.
type Queryer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS command_locks (
	lock_id    text PRIMARY KEY,
	owner      text NOT NULL,
	expires_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS command_lock_states (
	lock_id      text PRIMARY KEY,
	completed_at timestamptz NOT NULL DEFAULT now()
);`

// PostgresStore keeps claims in Postgres; expiry uses the database clock so
// every client agrees on it.
type PostgresStore struct {
	q    Queryer
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to dsn and ensures the lock tables exist.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("lock: connect postgres: %w", err)
	}
	s := &PostgresStore{q: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection or transaction.
func NewPostgresStore(q Queryer) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("lock: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO command_locks (lock_id, owner, expires_at)
		VALUES ($1, $2, now() + $3::double precision * interval '1 second')
		ON CONFLICT (lock_id) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE command_locks.expires_at <= now() OR command_locks.owner = excluded.owner`,
		key, owner, ttl.Seconds(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, key, owner string) error {
	if owner == "" {
		_, err := s.q.Exec(ctx, `DELETE FROM command_locks WHERE lock_id = $1`, key)
		return err
	}
	tag, err := s.q.Exec(ctx,
		`DELETE FROM command_locks WHERE lock_id = $1 AND owner = $2`, key, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var held bool
	if err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM command_locks WHERE lock_id = $1)`, key).Scan(&held); err != nil {
		return err
	}
	if held {
		return ErrNotHeld
	}
	return nil
}

// MarkDone records completion; a concurrent duplicate insert counts as done.
func (s *PostgresStore) MarkDone(ctx context.Context, key string) error {
	_, err := s.q.Exec(ctx, `INSERT INTO command_lock_states (lock_id) VALUES ($1)`, key)
	if err == nil {
		return nil
	}
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
		return nil
	}
	return err
}

func (s *PostgresStore) Done(ctx context.Context, key string) (bool, error) {
	var done bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM command_lock_states WHERE lock_id = $1)`, key).Scan(&done)
	return done, err
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
