// Package lease implements a named, database-backed distributed lease with
// owner fencing, heartbeat renewal, and forced takeover. It generalizes the
// upsert-with-WHERE pattern used by the OFFIS-RIT leaselock package from a
// single app_locks table to the scheduler_lock table, and fences ownership
// with a host+pid+counter+random token instead of a bare nanoid.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/securescan/internal/store"
)

var (
	// ErrBusy is returned by Acquire when another owner holds an unexpired
	// lease.
	ErrBusy = errors.New("lease busy")
	// ErrLost is returned by Heartbeat/Extend when the lease row no longer
	// matches our owner token — a concurrent takeover has occurred.
	ErrLost = errors.New("lease lost")
)

var acquireCounter atomic.Uint64

// NewOwnerToken builds a fenced owner token: hostname + pid + a
// process-local monotonic counter + random suffix. Any two tokens minted by
// the same process are guaranteed distinct, and tokens from different hosts
// or processes never collide.
func NewOwnerToken() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	counter := acquireCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), counter, hex.EncodeToString(buf[:]))
}

// Info describes the current holder of a lease, as reported by Info() and
// surfaced in /status and `scheduler status`.
type Info struct {
	Name            string
	Owner           string
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
	Held            bool
}

// Lock manages named leases backed by the scheduler_lock table.
type Lock struct {
	store *store.Store
}

// New creates a Lock backed by the given pool.
func New(pool *pgxpool.Pool) *Lock {
	return &Lock{store: store.New(pool)}
}

// Handle represents a held lease. Callers MUST check Heartbeat's return
// value on every tick and abort in-progress mutations the moment it
// reports lost — the lease may already belong to another process.
type Handle struct {
	Name  string
	Owner string

	lock *Lock
}

// Acquire attempts to take the named lease for ttl, attaching metadata
// (hostname, pid, start_time — JSON-encoded by the caller) to the row.
// Every call mints a fresh owner token, so a second Acquire while the lease
// is held returns ErrBusy even from the same process; Acquire does not
// refresh a lease its caller already holds. Acquisition succeeds only once
// the existing lease has expired.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration, metadata string) (*Handle, Info, error) {
	owner := NewOwnerToken()
	ttlMs := ttl.Milliseconds()

	var gotOwner string
	err := l.store.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, acquireSQL, name, owner, ttlMs, metadata)
		return row.Scan(&gotOwner)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || store.Classify(err) == store.KindContentionLost {
			info, infoErr := l.Info(ctx, name)
			if infoErr != nil {
				return nil, Info{}, infoErr
			}
			return nil, info, ErrBusy
		}
		return nil, Info{}, fmt.Errorf("acquiring lease %q: %w", name, store.Wrap(err))
	}

	info, err := l.Info(ctx, name)
	if err != nil {
		return nil, Info{}, err
	}
	return &Handle{Name: name, Owner: owner, lock: l}, info, nil
}

// Heartbeat refreshes expires_at and last_heartbeat_at for a held lease.
// Returns ErrLost if the row no longer matches our owner token.
func (l *Lock) Heartbeat(ctx context.Context, name, owner string, ttl time.Duration) error {
	var got string
	err := l.store.Pool.QueryRow(ctx, heartbeatSQL, name, owner, ttl.Milliseconds()).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		return fmt.Errorf("heartbeat lease %q: %w", name, store.Wrap(err))
	}
	return nil
}

// Extend pushes expires_at forward by `additional` from now, provided owner
// still matches. Semantically identical to Heartbeat with a different TTL
// origin. The dispatcher renews through Heartbeat only and does not call
// Extend.
func (l *Lock) Extend(ctx context.Context, name, owner string, additional time.Duration) error {
	return l.Heartbeat(ctx, name, owner, additional)
}

// Release deletes the lease row if owner still matches. Releasing a lease
// we no longer own is a no-op, not an error — the caller already lost it.
func (l *Lock) Release(ctx context.Context, name, owner string) error {
	_, err := l.store.Pool.Exec(ctx, releaseSQL, name, owner)
	if err != nil {
		return fmt.Errorf("releasing lease %q: %w", name, store.Wrap(err))
	}
	return nil
}

// ForceRelease deletes the lease row regardless of current owner. Used only
// by operator tooling to recover from a stuck lease (e.g. crashed holder
// whose TTL has not yet lapsed but is known dead).
func (l *Lock) ForceRelease(ctx context.Context, name string) error {
	_, err := l.store.Pool.Exec(ctx, forceReleaseSQL, name)
	if err != nil {
		return fmt.Errorf("force releasing lease %q: %w", name, store.Wrap(err))
	}
	return nil
}

// Info reports the current state of a lease, held or not. A lease whose
// expires_at has lapsed is reported as not held even if the row has not yet
// been deleted.
func (l *Lock) Info(ctx context.Context, name string) (Info, error) {
	var info Info
	var acquiredAt, expiresAt, lastHeartbeatAt time.Time
	row := l.store.Pool.QueryRow(ctx, infoSQL, name)
	err := row.Scan(&info.Name, &info.Owner, &acquiredAt, &expiresAt, &lastHeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Info{Name: name}, nil
		}
		return Info{}, fmt.Errorf("reading lease %q: %w", name, store.Wrap(err))
	}
	info.AcquiredAt = acquiredAt
	info.ExpiresAt = expiresAt
	info.LastHeartbeatAt = lastHeartbeatAt
	info.Held = expiresAt.After(time.Now())
	return info, nil
}

// Release releases the handle's lease.
func (h *Handle) Release(ctx context.Context) error {
	return h.lock.Release(ctx, h.Name, h.Owner)
}

// Heartbeat refreshes the handle's lease in place.
func (h *Handle) Heartbeat(ctx context.Context, ttl time.Duration) error {
	return h.lock.Heartbeat(ctx, h.Name, h.Owner, ttl)
}

// RunHeartbeatLoop renews the lease every interval until ctx is done or a
// heartbeat fails (lease lost). The returned channel receives at most one
// error and is then closed; a nil value means the loop stopped because ctx
// was cancelled, not because the lease was lost.
func (h *Handle) RunHeartbeatLoop(ctx context.Context, ttl, interval time.Duration) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := h.Heartbeat(ctx, ttl); err != nil {
					out <- err
					return
				}
			}
		}
	}()
	return out
}

const acquireSQL = `
INSERT INTO scheduler_lock (name, owner_token, acquired_at, expires_at, last_heartbeat_at, metadata)
VALUES ($1, $2, now(), now() + ($3::bigint * interval '1 millisecond'), now(), $4)
ON CONFLICT (name) DO UPDATE
SET owner_token       = EXCLUDED.owner_token,
    acquired_at       = CASE WHEN scheduler_lock.owner_token = EXCLUDED.owner_token THEN scheduler_lock.acquired_at ELSE now() END,
    expires_at        = EXCLUDED.expires_at,
    last_heartbeat_at = now(),
    metadata          = EXCLUDED.metadata
WHERE scheduler_lock.expires_at <= now()
   OR scheduler_lock.owner_token = EXCLUDED.owner_token
RETURNING owner_token;
`

const heartbeatSQL = `
UPDATE scheduler_lock
SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
    last_heartbeat_at = now()
WHERE name = $1 AND owner_token = $2
RETURNING owner_token;
`

const releaseSQL = `
DELETE FROM scheduler_lock
WHERE name = $1 AND owner_token = $2;
`

const forceReleaseSQL = `
DELETE FROM scheduler_lock
WHERE name = $1;
`

const infoSQL = `
SELECT name, owner_token, acquired_at, expires_at, last_heartbeat_at
FROM scheduler_lock
WHERE name = $1;
`
