// Package target holds the Target entity (the "websites" table) and the
// due-selection query the dispatcher's FETCH_DUE state runs. The
// hand-written-SQL store idiom matches the rest of this codebase's stores.
package target

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/securescan/internal/store"
)

// Frequency is how often a Target is (re-)scanned.
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyManual  Frequency = "manual"
)

// Status is the Target's administrative/operational state.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusFailedReview Status = "failed_review"
)

// NotificationChannels maps a channel name to its recipient address.
type NotificationChannels map[string]string

// Target is a registered website under periodic scan.
type Target struct {
	ID                   uuid.UUID
	Name                 string
	URL                  string
	Active               bool
	ScanFrequency        Frequency
	NextScanAt           *time.Time
	LastScanAt           *time.Time
	ConsecutiveFailures  int
	TotalFailures        int
	LastFailureAt        *time.Time
	LastErrorCategory    string
	Status               Status
	RetryAfter           *time.Time
	NotificationChannels NotificationChannels
}

// Due reports whether t should be picked up by the next FETCH_DUE cycle.
func (t Target) Due(now time.Time) bool {
	if !t.Active || t.Status != StatusActive {
		return false
	}
	return t.NextScanAt == nil || !t.NextScanAt.After(now)
}

// NextScanAt computes the next scheduled instant for a successful scan
// completed at completedAt, given the target's frequency. Manual-frequency
// targets never get a next run.
func NextScanAt(freq Frequency, completedAt time.Time) *time.Time {
	var next time.Time
	switch freq {
	case FrequencyHourly:
		next = completedAt.Add(time.Hour)
	case FrequencyDaily:
		next = completedAt.AddDate(0, 0, 1)
	case FrequencyWeekly:
		next = completedAt.AddDate(0, 0, 7)
	case FrequencyMonthly:
		next = completedAt.AddDate(0, 1, 0)
	case FrequencyManual:
		return nil
	default:
		return nil
	}
	return &next
}

// Store provides pgx-backed access to the websites table.
type Store struct {
	pool store.Queryer
}

// NewStore creates a target Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx returns a Store whose writes run against tx instead of the pool,
// so a caller can terminate a ScanRun and update its target's failure
// counters in one transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{pool: tx}
}

const targetColumns = `id, name, url, active, scan_frequency, next_scan_at, last_scan_at,
	consecutive_failures, total_failures, last_failure_at, last_error_category,
	status, retry_after, notification_channels`

func scanTarget(row pgx.Row) (Target, error) {
	var t Target
	var channels map[string]string
	err := row.Scan(
		&t.ID, &t.Name, &t.URL, &t.Active, &t.ScanFrequency, &t.NextScanAt, &t.LastScanAt,
		&t.ConsecutiveFailures, &t.TotalFailures, &t.LastFailureAt, &t.LastErrorCategory,
		&t.Status, &t.RetryAfter, &channels,
	)
	if err != nil {
		return Target{}, err
	}
	t.NotificationChannels = channels
	return t, nil
}

// FetchDue runs the FETCH_DUE selection query: active targets whose
// next_scan_at has arrived, excluding any target with a ScanRun that
// started within the last hour, ordered by (next_scan_at ASC NULLS
// FIRST, created_at ASC), limited to limit rows.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetColumns+`
		FROM websites w
		WHERE w.active AND w.status = 'active'
		  AND (w.next_scan_at IS NULL OR w.next_scan_at <= now())
		  AND NOT EXISTS (
			SELECT 1 FROM scan_results sr
			WHERE sr.website_id = w.id
			  AND sr.status = 'running'
			  AND sr.started_at > now() - interval '1 hour'
		  )
		ORDER BY w.next_scan_at ASC NULLS FIRST, w.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching due targets: %w", store.Wrap(err))
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning due target: %w", store.Wrap(err))
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns a single target by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Target, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM websites WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err != nil {
		return Target{}, fmt.Errorf("getting target %s: %w", id, store.Wrap(err))
	}
	return t, nil
}

// RecordSuccess resets failure accounting, advances next_scan_at per
// frequency, and stamps last_scan_at. It reads scan_frequency and then
// updates the row in a second statement, so the two are atomic only when
// run inside a transaction: callers terminating a ScanRun should run this
// through WithTx alongside the terminal scan_results write.
func (s *Store) RecordSuccess(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	var freq Frequency
	if err := s.pool.QueryRow(ctx, `SELECT scan_frequency FROM websites WHERE id = $1`, id).Scan(&freq); err != nil {
		return fmt.Errorf("reading frequency for target %s: %w", id, store.Wrap(err))
	}
	next := NextScanAt(freq, completedAt)

	_, err := s.pool.Exec(ctx, `
		UPDATE websites
		SET last_scan_at = $2, next_scan_at = $3, consecutive_failures = 0
		WHERE id = $1`, id, completedAt, next)
	if err != nil {
		return fmt.Errorf("recording success for target %s: %w", id, store.Wrap(err))
	}
	return nil
}

// RecordFailure increments failure counters and stamps the error category.
// Callers terminating a ScanRun must run this through WithTx in the same
// transaction as the terminal scan_results write, so the two never diverge.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, category string, failedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE websites
		SET consecutive_failures = consecutive_failures + 1,
		    total_failures = total_failures + 1,
		    last_failure_at = $2,
		    last_error_category = $3
		WHERE id = $1`, id, failedAt, category)
	if err != nil {
		return fmt.Errorf("recording failure for target %s: %w", id, store.Wrap(err))
	}
	return nil
}

// ScheduleRetry sets next_scan_at to retryAt without touching failure
// counters (already bumped by RecordFailure).
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE websites SET next_scan_at = $2 WHERE id = $1`, id, retryAt)
	if err != nil {
		return fmt.Errorf("scheduling retry for target %s: %w", id, store.Wrap(err))
	}
	return nil
}

// GiveUp marks the target failed_review with retry_after 24h out.
func (s *Store) GiveUp(ctx context.Context, id uuid.UUID, retryAfter time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE websites SET status = 'failed_review', retry_after = $2 WHERE id = $1`, id, retryAfter)
	if err != nil {
		return fmt.Errorf("marking target %s for review: %w", id, store.Wrap(err))
	}
	return nil
}
