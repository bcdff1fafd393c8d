package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/securescan/internal/telemetry"
)

// Handler executes one job type's payload. Handlers are looked up by
// job.Type; an unregistered type is recorded through Store.Fail like a
// handler error, so it is retried until max_retries is reached.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Runner polls the queue and dispatches claimed jobs to registered
// handlers across a fixed worker pool, following the event-hub worker's
// producer/consumer split (a ticking claim loop feeding a bounded set of
// workers) but driven by errgroup instead of a manually managed WaitGroup.
type Runner struct {
	store    *Store
	cfg      Config
	logger   *slog.Logger
	handlers map[string]Handler
}

// NewRunner creates a Runner backed by store.
func NewRunner(s *Store, cfg Config, logger *slog.Logger) *Runner {
	cfg.setDefaults()
	return &Runner{store: s, cfg: cfg, logger: logger, handlers: make(map[string]Handler)}
}

// Register binds jobType to handler. Call before Run.
func (r *Runner) Register(jobType string, handler Handler) {
	r.handlers[jobType] = handler
}

// Run blocks, claiming and executing jobs until ctx is canceled. It also
// runs the stale-job recovery sweep on its own ticker. Run returns nil on
// clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.requeueLoop(ctx)
		return nil
	})

	jobs := make(chan Job)

	for i := 0; i < r.cfg.MaxWorkers; i++ {
		g.Go(func() error {
			r.runWorker(ctx, jobs)
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		r.claimLoop(ctx, jobs)
		return nil
	})

	return g.Wait()
}

func (r *Runner) claimLoop(ctx context.Context, jobs chan<- Job) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				j, err := r.store.ClaimNext(ctx)
				if err != nil {
					if err != ErrNoJob {
						r.logger.Error("queue: claim failed", "error", err)
					}
					break
				}
				select {
				case jobs <- j:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (r *Runner) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.RequeueStaleProcessing(ctx)
			if err != nil {
				r.logger.Error("queue: requeue stale processing failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Warn("queue: requeued stale jobs", "count", n)
			}
		}
	}
}

func (r *Runner) runWorker(ctx context.Context, jobs <-chan Job) {
	for j := range jobs {
		r.runOne(ctx, j)
	}
}

func (r *Runner) runOne(ctx context.Context, j Job) {
	handler, ok := r.handlers[j.Type]
	if !ok {
		_ = r.store.Fail(ctx, j, fmt.Errorf("no handler registered for job type %q", j.Type))
		return
	}

	start := time.Now()
	err := handler(ctx, j.Payload)
	telemetry.QueueDepth.WithLabelValues("processing").Dec()

	if err != nil {
		r.logger.Error("queue: job failed", "job_id", j.ID, "job_type", j.Type,
			"attempt", j.Attempts+1, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		if failErr := r.store.Fail(ctx, j, err); failErr != nil {
			r.logger.Error("queue: marking job failed also failed", "job_id", j.ID, "error", failErr)
		}
		return
	}

	if err := r.store.MarkDone(ctx, j.ID); err != nil {
		r.logger.Error("queue: marking job done failed", "job_id", j.ID, "error", err)
		return
	}
	r.logger.Info("queue: job done", "job_id", j.ID, "job_type", j.Type,
		"duration_ms", time.Since(start).Milliseconds())
}

// NotificationPayload is the job_queue payload shape for "notification"
// jobs, matching pkg/escalation.scheduleNotifications.
type NotificationPayload struct {
	TargetID string `json:"target_id"`
	Channel  string `json:"channel"`
	Level    string `json:"level"`
}

// ParseNotificationPayload decodes a notification job's raw payload.
func ParseNotificationPayload(raw json.RawMessage) (NotificationPayload, uuid.UUID, error) {
	var p NotificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, uuid.Nil, fmt.Errorf("decoding notification payload: %w", err)
	}
	id, err := uuid.Parse(p.TargetID)
	if err != nil {
		return p, uuid.Nil, fmt.Errorf("parsing target_id: %w", err)
	}
	return p, id, nil
}
