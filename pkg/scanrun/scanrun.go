// Package scanrun holds the ScanRun (scan_results) and ProbeResult
// (test_executions/test_results) entities and their store-backed status
// transitions, using the same Store-wraps-typed-params-and-rows idiom as
// pkg/target.
package scanrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/securescan/internal/store"
	"github.com/wisbric/securescan/pkg/probe"
)

// Status is a ScanRun's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// ScanRun is one aggregated invocation of all configured probes for a
// Target.
type ScanRun struct {
	ID              uuid.UUID
	TargetID        uuid.UUID
	Status          Status
	StartedAt       time.Time
	EndedAt         *time.Time
	TotalProbes     int
	Passed          int
	Failed          int
	ExecutionTimeMs int64
	RetryCount      int
	NextRetryAt     *time.Time
	ErrorSummary    string
}

// ProbeResult is an immutable-after-insert child row of a ScanRun.
type ProbeResult struct {
	ID              uuid.UUID
	ScanRunID       uuid.UUID
	ProbeName       string
	Status          probe.Status
	Severity        probe.Severity
	Message         string
	Evidence        map[string]any
	ExecutionTimeMs int64
	StartedAt       time.Time
	EndedAt         time.Time
}

// Store provides pgx-backed access to scan_results and test_results.
type Store struct {
	pool store.Queryer
}

// NewStore creates a scanrun Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx returns a Store whose writes run against tx instead of the pool,
// so a caller can terminate a ScanRun and update its target in one
// transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{pool: tx}
}

// Start inserts a new running ScanRun for targetID. The caller is
// responsible for the running-uniqueness invariant (at most one running
// ScanRun per target); FETCH_DUE's exclusion window and the dispatcher's
// single-active-lease property are what actually enforce it in practice.
func (s *Store) Start(ctx context.Context, targetID uuid.UUID) (ScanRun, error) {
	run := ScanRun{TargetID: targetID, Status: StatusRunning, StartedAt: time.Now()}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scan_results (website_id, status, started_at)
		VALUES ($1, 'running', $2)
		RETURNING id`, targetID, run.StartedAt).Scan(&run.ID)
	if err != nil {
		return ScanRun{}, fmt.Errorf("starting scan run for target %s: %w", targetID, store.Wrap(err))
	}
	return run, nil
}

// InsertProbeResult persists one immutable ProbeResult row.
func (s *Store) InsertProbeResult(ctx context.Context, pr ProbeResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO test_results
			(scan_result_id, probe_name, status, severity, message, evidence, execution_time_ms, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pr.ScanRunID, pr.ProbeName, pr.Status, pr.Severity, pr.Message, pr.Evidence,
		pr.ExecutionTimeMs, pr.StartedAt, pr.EndedAt)
	if err != nil {
		return fmt.Errorf("inserting probe result for scan run %s: %w", pr.ScanRunID, store.Wrap(err))
	}
	return nil
}

// Complete marks a ScanRun completed with its final tallies.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, passed, failed int, executionTimeMs int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_results
		SET status = 'completed', ended_at = now(), total_probes = $2, passed = $3, failed = $4, execution_time_ms = $5
		WHERE id = $1`, id, passed+failed, passed, failed, executionTimeMs)
	if err != nil {
		return fmt.Errorf("completing scan run %s: %w", id, store.Wrap(err))
	}
	return nil
}

// Fail marks a ScanRun failed with an error summary and tallies, and stamps
// next_retry_at = now() + retryFailedAfter so the run becomes eligible for
// RETRY_SWEEP once that delay has passed. Without
// this, next_retry_at stays NULL and DueForRetrySweep's `next_retry_at <=
// now()` filter would never select a run on its first failure.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, passed, failed int, executionTimeMs int64, errorSummary string, retryFailedAfter time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_results
		SET status = 'failed', ended_at = now(), total_probes = $2, passed = $3, failed = $4,
		    execution_time_ms = $5, error_summary = $6,
		    next_retry_at = now() + ($7::bigint * interval '1 millisecond')
		WHERE id = $1`, id, passed+failed, passed, failed, executionTimeMs, errorSummary, retryFailedAfter.Milliseconds())
	if err != nil {
		return fmt.Errorf("failing scan run %s: %w", id, store.Wrap(err))
	}
	return nil
}

// RecentForTarget returns the most recent ScanRuns for a target, most
// recent first — used by EscalationEngine to count failures_in_period.
func (s *Store) RecentForTarget(ctx context.Context, targetID uuid.UUID, since time.Time) ([]ScanRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, website_id, status, started_at, ended_at, total_probes, passed, failed,
		       execution_time_ms, retry_count, next_retry_at, error_summary
		FROM scan_results
		WHERE website_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`, targetID, since)
	if err != nil {
		return nil, fmt.Errorf("listing scan runs for target %s: %w", targetID, store.Wrap(err))
	}
	defer rows.Close()

	var out []ScanRun
	for rows.Next() {
		var r ScanRun
		if err := rows.Scan(&r.ID, &r.TargetID, &r.Status, &r.StartedAt, &r.EndedAt, &r.TotalProbes,
			&r.Passed, &r.Failed, &r.ExecutionTimeMs, &r.RetryCount, &r.NextRetryAt, &r.ErrorSummary); err != nil {
			return nil, fmt.Errorf("scanning scan run row: %w", store.Wrap(err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DueForRetrySweep returns failed ScanRuns eligible for RETRY_SWEEP:
// retry_count < maxRetries, created within the last 24h, next_retry_at due.
func (s *Store) DueForRetrySweep(ctx context.Context, maxRetries, limit int) ([]ScanRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, website_id, status, started_at, ended_at, total_probes, passed, failed,
		       execution_time_ms, retry_count, next_retry_at, error_summary
		FROM scan_results
		WHERE status = 'failed' AND retry_count < $1
		  AND created_at > now() - interval '24 hours'
		  AND next_retry_at <= now()
		ORDER BY next_retry_at ASC
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("listing retry-sweep candidates: %w", store.Wrap(err))
	}
	defer rows.Close()

	var out []ScanRun
	for rows.Next() {
		var r ScanRun
		if err := rows.Scan(&r.ID, &r.TargetID, &r.Status, &r.StartedAt, &r.EndedAt, &r.TotalProbes,
			&r.Passed, &r.Failed, &r.ExecutionTimeMs, &r.RetryCount, &r.NextRetryAt, &r.ErrorSummary); err != nil {
			return nil, fmt.Errorf("scanning retry-sweep row: %w", store.Wrap(err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RetrySucceeded updates the original row to completed and bumps retry_count.
func (s *Store) RetrySucceeded(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_results SET status = 'completed', ended_at = now(), retry_count = retry_count + 1
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recording retry success for scan run %s: %w", id, store.Wrap(err))
	}
	return nil
}

// RetryFailedAgain bumps retry_count and schedules the next retry with
// exponential backoff: retryFailedAfter * 2^retry_count.
func (s *Store) RetryFailedAgain(ctx context.Context, id uuid.UUID, retryFailedAfter time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_results
		SET retry_count = retry_count + 1,
		    next_retry_at = now() + ($2::bigint * interval '1 millisecond') * power(2, retry_count + 1)
		WHERE id = $1`, id, retryFailedAfter.Milliseconds())
	if err != nil {
		return fmt.Errorf("scheduling retry-sweep backoff for scan run %s: %w", id, store.Wrap(err))
	}
	return nil
}
