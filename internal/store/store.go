// Package store provides the shared pgx-backed data access layer used by
// pkg/lease, pkg/governor, pkg/target, pkg/scanrun, pkg/escalation, and
// pkg/queue. There is no sqlc codegen here: queries are hand-written SQL
// text plus typed Go params and row scans, the same idiom used throughout
// this codebase's store-backed packages.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the global connection pool shared by every domain package.
type Store struct {
	Pool *pgxpool.Pool
}

// Queryer is satisfied by both *pgxpool.Pool and pgx.Tx. Store-backed
// packages (pkg/target, pkg/scanrun, ...) type their internal connection
// field as Queryer so the same query methods run unchanged against a pooled
// connection or a caller-supplied transaction.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", Wrap(err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(tx)
	return err
}

// TryAdvisoryLock attempts to acquire a session-level Postgres advisory
// lock keyed by id, returning immediately with ok=false if already held.
// Used to serialize in-process dispatcher runs at the database level as a
// belt-and-suspenders backstop behind pkg/lease's row-based lease.
func (s *Store) TryAdvisoryLock(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.Pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("try advisory lock: %w", Wrap(err))
	}
	return ok, nil
}

// AdvisoryUnlock releases a lock taken by TryAdvisoryLock on the same
// connection. Since pgxpool may hand back a different connection than the
// one that acquired the lock, callers needing a guaranteed release should
// use AdvisoryLockConn instead.
func (s *Store) AdvisoryUnlock(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, id)
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", Wrap(err))
	}
	return nil
}

// AdvisoryLockConn holds a single dedicated connection across a session
// advisory lock's lifetime. Session-level advisory locks are tied to the
// connection that took them, so releasing from the pool at large does not
// work reliably once other goroutines have borrowed connections from it.
type AdvisoryLockConn struct {
	conn *pgxpool.Conn
	id   int64
}

// AcquireAdvisoryLock blocks until the advisory lock keyed by id is held on
// a dedicated connection checked out from the pool.
func (s *Store) AcquireAdvisoryLock(ctx context.Context, id int64) (*AdvisoryLockConn, error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", Wrap(err))
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", Wrap(err))
	}
	return &AdvisoryLockConn{conn: conn, id: id}, nil
}

// Release unlocks the advisory lock and returns the connection to the pool.
func (l *AdvisoryLockConn) Release(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.id)
	return err
}
