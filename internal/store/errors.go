package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a store error so callers (dispatcher, retry policy) can
// decide whether to retry, give up, or treat the failure as a normal
// "lost the race" outcome rather than an error.
type Kind int

const (
	// KindUnknown is the zero value; callers should treat it like Fatal.
	KindUnknown Kind = iota
	// KindTransientIO covers connection resets, deadlocks, and
	// serialization failures — safe to retry with backoff.
	KindTransientIO
	// KindContentionLost means another owner got there first (lease
	// already held, row already claimed) — not an error, a race outcome.
	KindContentionLost
	// KindUnprocessable means the row/input itself is malformed and will
	// never succeed no matter how many times it's retried.
	KindUnprocessable
	// KindResourceExhausted means the store itself is out of capacity
	// (pool exhausted, disk full) — distinct from transient IO because
	// retrying immediately only makes it worse.
	KindResourceExhausted
	// KindFatal means the error is unexpected and should stop the run.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindContentionLost:
		return "contention_lost"
	case KindUnprocessable:
		return "unprocessable"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying store error with a classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Classify maps a pgx/pgconn error into a Kind. Deadlocks and serialization
// failures (SQLSTATE 40001, 40P01) are transient; a connection-pool
// exhaustion error is resource exhaustion; everything else unrecognized is
// fatal.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return KindContentionLost
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return KindTransientIO
		case "53300", "53200", "53100": // too_many_connections, out_of_memory, disk_full
			return KindResourceExhausted
		case "23505", "23503", "23502", "22P02": // constraint/type violations
			return KindUnprocessable
		}
	}

	var connErr interface {
		Timeout() bool
	}
	if errors.As(err, &connErr) && connErr.Timeout() {
		return KindTransientIO
	}

	return KindFatal
}

// Wrap classifies err and wraps it into an *Error. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Err: err}
}
