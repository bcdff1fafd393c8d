// Package queue implements the priority+delay job queue used to defer work
// (notification dispatch, backups, report generation) off the Dispatcher's
// critical path. The claim/requeue/dead-letter idiom is grounded on the
// event-hub worker's JobsRepository (ClaimNext/RequeueStaleProcessing/
// Reschedule/MarkDone), adapted from its channel-fed worker pool to
// golang.org/x/sync/errgroup since the rest of this pack favors errgroup
// over hand-rolled sync.WaitGroup plumbing.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/securescan/internal/store"
	"github.com/wisbric/securescan/internal/telemetry"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// ErrNoJob is returned by ClaimNext when no eligible job is ready.
var ErrNoJob = errors.New("queue: no job ready")

// Job is a row in job_queue.
type Job struct {
	ID         uuid.UUID
	Type       string
	Payload    json.RawMessage
	Priority   int
	Status     Status
	Attempts   int
	MaxRetries int
	ExecuteAt  time.Time
	StartedAt  *time.Time
	LastError  string
	CreatedAt  time.Time
}

// Config controls queue behavior. Zero values fall back to the defaults
// named in the job-queue contract.
type Config struct {
	JobTimeout                time.Duration // default 300s
	MaxRetries                int           // default 3
	DeadLetterEnabled         bool
	CleanupCompletedJobsAfter time.Duration // default 86400s
	MaxWorkers                int           // default 5
	PollInterval              time.Duration // default 1s
}

func (c *Config) setDefaults() {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 300 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.CleanupCompletedJobsAfter <= 0 {
		c.CleanupCompletedJobsAfter = 86400 * time.Second
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Store is the job_queue data access layer. It also implements the
// pkg/escalation.JobEnqueuer interface, breaking the escalation -> queue
// import cycle by structural typing rather than a direct dependency.
type Store struct {
	store *store.Store
	cfg   Config
}

// New creates a Store with cfg defaults applied.
func New(pool *pgxpool.Pool, cfg Config) *Store {
	cfg.setDefaults()
	return &Store{store: store.New(pool), cfg: cfg}
}

// Enqueue inserts a job to run at now+delay. Satisfies
// pkg/escalation.JobEnqueuer.
func (s *Store) Enqueue(ctx context.Context, jobType string, payload map[string]any, priority int, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}

	const q = `
		INSERT INTO job_queue (id, type, payload, priority, status, attempts, max_retries, execute_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, now())`

	_, err = s.store.Pool.Exec(ctx, q,
		uuid.New(), jobType, body, priority, s.cfg.MaxRetries, time.Now().UTC().Add(delay))
	if err != nil {
		return fmt.Errorf("enqueuing job: %w", store.Wrap(err))
	}
	telemetry.QueueDepth.WithLabelValues("pending").Inc()
	return nil
}

// ClaimNext locks and returns the single highest-priority pending job whose
// execute_at has passed, FIFO within the same priority. Returns ErrNoJob if
// nothing is ready.
func (s *Store) ClaimNext(ctx context.Context) (Job, error) {
	var j Job
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		const sel = `
			SELECT id, type, payload, priority, status, attempts, max_retries, execute_at, started_at, coalesce(last_error, ''), created_at
			FROM job_queue
			WHERE status = 'pending' AND execute_at <= now()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`

		row := tx.QueryRow(ctx, sel)
		if err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Priority, &j.Status, &j.Attempts,
			&j.MaxRetries, &j.ExecuteAt, &j.StartedAt, &j.LastError, &j.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoJob
			}
			return fmt.Errorf("selecting next job: %w", store.Wrap(err))
		}

		const upd = `UPDATE job_queue SET status = 'processing', started_at = now() WHERE id = $1`
		if _, err := tx.Exec(ctx, upd, j.ID); err != nil {
			return fmt.Errorf("claiming job %s: %w", j.ID, store.Wrap(err))
		}
		j.Status = StatusProcessing
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// RequeueStaleProcessing resets jobs stuck in processing past JobTimeout
// back to pending, returning how many were recovered.
func (s *Store) RequeueStaleProcessing(ctx context.Context) (int64, error) {
	const q = `
		UPDATE job_queue
		SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < now() - ($1::bigint * interval '1 second')`

	tag, err := s.store.Pool.Exec(ctx, q, int64(s.cfg.JobTimeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("requeuing stale jobs: %w", store.Wrap(err))
	}
	if n := tag.RowsAffected(); n > 0 {
		telemetry.QueueJobsProcessedTotal.WithLabelValues("requeued").Add(float64(n))
		return n, nil
	}
	return 0, nil
}

// MarkDone marks a job complete.
func (s *Store) MarkDone(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE job_queue SET status = 'done', last_error = NULL WHERE id = $1`
	if _, err := s.store.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("marking job %s done: %w", id, store.Wrap(err))
	}
	telemetry.QueueJobsProcessedTotal.WithLabelValues("done").Inc()
	return nil
}

// Fail records a job failure. If attempts remain under max_retries, the job
// is rescheduled with exponential backoff; otherwise it moves to dead (if
// dead-letter is enabled) or failed.
func (s *Store) Fail(ctx context.Context, j Job, execErr error) error {
	attempts := j.Attempts + 1
	errMsg := execErr.Error()

	if attempts < j.MaxRetries {
		delay := backoff(attempts)
		const q = `
			UPDATE job_queue
			SET status = 'pending', attempts = $2, last_error = $3, execute_at = $4, started_at = NULL
			WHERE id = $1`
		if _, err := s.store.Pool.Exec(ctx, q, j.ID, attempts, errMsg, time.Now().UTC().Add(delay)); err != nil {
			return fmt.Errorf("rescheduling job %s: %w", j.ID, store.Wrap(err))
		}
		telemetry.QueueJobsProcessedTotal.WithLabelValues("requeued").Inc()
		return nil
	}

	terminal := StatusFailed
	if s.cfg.DeadLetterEnabled {
		terminal = StatusDead
	}
	const q = `UPDATE job_queue SET status = $2, attempts = $3, last_error = $4 WHERE id = $1`
	if _, err := s.store.Pool.Exec(ctx, q, j.ID, terminal, attempts, errMsg); err != nil {
		return fmt.Errorf("dead-lettering job %s: %w", j.ID, store.Wrap(err))
	}
	telemetry.QueueJobsProcessedTotal.WithLabelValues(string(terminal)).Inc()
	return nil
}

// PurgeCompleted deletes done/failed/dead jobs older than
// CleanupCompletedJobsAfter, returning how many rows were removed.
func (s *Store) PurgeCompleted(ctx context.Context) (int64, error) {
	const q = `
		DELETE FROM job_queue
		WHERE status IN ('done', 'failed', 'dead')
		AND created_at < now() - ($1::bigint * interval '1 second')`

	tag, err := s.store.Pool.Exec(ctx, q, int64(s.cfg.CleanupCompletedJobsAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("purging completed jobs: %w", store.Wrap(err))
	}
	return tag.RowsAffected(), nil
}

// backoff returns an exponential delay for the given attempt count, capped
// at 10s, mirroring pkg/probe/executor.go's retry backoff formula.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
