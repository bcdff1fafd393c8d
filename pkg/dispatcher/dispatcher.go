// Package dispatcher implements the core scan-scheduling state machine:
// STARTING -> PRECHECK -> FETCH_DUE -> DISPATCH_LOOP -> MAINTENANCE ->
// RETRY_SWEEP -> FINALIZE. Each Run call performs one cycle; the periodic
// ticker that calls Run lives in the caller (internal/app's worker mode).
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/wisbric/securescan/internal/store"
	"github.com/wisbric/securescan/internal/telemetry"
	"github.com/wisbric/securescan/pkg/governor"
	"github.com/wisbric/securescan/pkg/lease"
	"github.com/wisbric/securescan/pkg/probe"
	"github.com/wisbric/securescan/pkg/retry"
	"github.com/wisbric/securescan/pkg/scanrun"
	"github.com/wisbric/securescan/pkg/target"
)

// Outcome is what Run returns: whether the run succeeded, a human message,
// and the exit code `scheduler run` should surface (0-4, per spec.md §6).
type Outcome struct {
	Success  bool
	Message  string
	ExitCode int
	LockInfo *lease.Info
}

const (
	ExitOK              = 0
	ExitLeaseHeldByOther = 1
	ExitGovernorThrottle = 2
	ExitHealthCheckFailed = 3
	ExitUncaughtError    = 4
)

// Config bundles every tunable the dispatcher needs, pulled from
// internal/config.Config by the caller (internal/app wiring).
type Config struct {
	LockName                string
	LockTimeout             time.Duration
	BatchSize               int
	MaxConcurrentExecutions int
	MaxExecutionTime        time.Duration
	CleanupInterval         time.Duration
	CleanupLogRetention     time.Duration
	RetrySweepLimit         int
	RetrySweepMaxRetries    int
	RetryFailedAfter        time.Duration
	PacingDelay             time.Duration
	ProbeDeadline           time.Duration

	Retry retry.Policy
}

// TestConfig describes which probes run against a target and whether each
// one's result sense is inverted — the join of website_test_config and
// available_tests.
type TestConfig struct {
	ProbeName    string
	InvertResult bool
	ProbeConfig  map[string]any
}

// TargetTestConfigProvider resolves the enabled probes for a target.
// Implemented by pkg/testconfig.Store in production.
type TargetTestConfigProvider interface {
	EnabledProbes(ctx context.Context, targetID string) ([]TestConfig, error)
}

// PostOutcomeHook is invoked once per target after its ScanRun reaches a
// terminal state, so the dispatcher can drive escalation/notification
// without importing those packages directly, breaking the
// Dispatcher<->EscalationEngine<->NotificationOrchestrator cycle with an
// injected function value instead of a concrete dependency.
type PostOutcomeHook func(ctx context.Context, t target.Target, run scanrun.ScanRun, category string)

// Dispatcher drives one full scheduling cycle per Run invocation.
type Dispatcher struct {
	pool     *pgxpool.Pool
	store    *store.Store
	lease    *lease.Lock
	governor *governor.Governor
	targets  *target.Store
	runs     *scanrun.Store
	probes   *probe.Registry
	executor *probe.Executor
	testCfg  TargetTestConfigProvider
	logger   *slog.Logger
	cfg      Config

	postOutcome PostOutcomeHook

	singleflight singleflight.Group
	pacer        *rate.Limiter
	lastCleanup  time.Time
}

// New builds a Dispatcher. postOutcome may be nil, in which case failures
// are recorded but no escalation/notification fan-out occurs.
func New(
	pool *pgxpool.Pool,
	leaseLock *lease.Lock,
	gov *governor.Governor,
	targets *target.Store,
	runs *scanrun.Store,
	probes *probe.Registry,
	testCfg TargetTestConfigProvider,
	logger *slog.Logger,
	cfg Config,
	postOutcome PostOutcomeHook,
) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		store:       store.New(pool),
		lease:       leaseLock,
		governor:    gov,
		targets:     targets,
		runs:        runs,
		probes:      probes,
		executor:    probe.NewExecutor(nil),
		testCfg:     testCfg,
		logger:      logger,
		cfg:         cfg,
		postOutcome: postOutcome,
		pacer:       rate.NewLimiter(rate.Every(cfg.PacingDelay), 1),
	}
}

// Run executes exactly one dispatcher cycle. Concurrent in-process calls
// collapse onto a single execution via singleflight, since taking the
// database lease serially for each caller is wasted round-trips when they
// were all going to contend for the same lease anyway.
func (d *Dispatcher) Run(ctx context.Context) Outcome {
	v, _, _ := d.singleflight.Do("run", func() (any, error) {
		return d.run(ctx), nil
	})
	return v.(Outcome)
}

func (d *Dispatcher) run(ctx context.Context) (outcome Outcome) {
	ctx, span := telemetry.Tracer("dispatcher").Start(ctx, "dispatcher.run")
	defer span.End()

	startedAt := time.Now()
	var dispatchedCount int
	defer func() {
		span.SetAttributes(
			attribute.Bool("dispatcher.success", outcome.Success),
			attribute.Int("dispatcher.exit_code", outcome.ExitCode),
		)
	}()
	defer func() {
		state := "finalize"
		if !outcome.Success {
			state = outcomeState(outcome.ExitCode)
		}
		telemetry.DispatcherBatchesTotal.WithLabelValues(state).Inc()
		telemetry.DispatcherRunDuration.Observe(time.Since(startedAt).Seconds())

		logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := d.pool.Exec(logCtx, `
			INSERT INTO scheduler_log (run_at, state, detail, targets_dispatched)
			VALUES ($1, $2, $3, $4)`, startedAt, state, outcome.Message, dispatchedCount); err != nil {
			d.logger.Error("dispatcher: logging scheduler run", "error", err)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher: panic recovered", "panic", r)
			outcome = Outcome{Success: false, Message: fmt.Sprintf("panic: %v", r), ExitCode: ExitUncaughtError}
		}
	}()

	// STARTING
	lockKey := advisoryLockKey(d.cfg.LockName)
	gotAdvisory, err := d.store.TryAdvisoryLock(ctx, lockKey)
	if err != nil {
		d.logger.Error("dispatcher: advisory lock check failed, falling back to row lease only", "error", err)
	} else if !gotAdvisory {
		telemetry.LeaseAcquisitionsTotal.WithLabelValues("busy").Inc()
		return Outcome{Success: false, Message: "lease held by another process", ExitCode: ExitLeaseHeldByOther}
	} else {
		defer func() {
			if err := d.store.AdvisoryUnlock(context.Background(), lockKey); err != nil {
				d.logger.Error("dispatcher: releasing advisory lock", "error", err)
			}
		}()
	}

	metadata := startingMetadata(startedAt)
	handle, info, err := d.lease.Acquire(ctx, d.cfg.LockName, d.cfg.LockTimeout, metadata)
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			telemetry.LeaseAcquisitionsTotal.WithLabelValues("busy").Inc()
			return Outcome{Success: false, Message: "lease held by another process", ExitCode: ExitLeaseHeldByOther, LockInfo: &info}
		}
		telemetry.LeaseAcquisitionsTotal.WithLabelValues("error").Inc()
		return Outcome{Success: false, Message: fmt.Sprintf("acquiring lease: %v", err), ExitCode: ExitUncaughtError}
	}
	telemetry.LeaseAcquisitionsTotal.WithLabelValues("acquired").Inc()
	defer func() {
		// FINALIZE: always released, on every exit path.
		if err := handle.Release(context.Background()); err != nil {
			d.logger.Error("dispatcher: releasing lease", "error", err)
		}
	}()

	runCtx, cancel := context.WithDeadline(ctx, startedAt.Add(d.cfg.MaxExecutionTime))
	defer cancel()

	heartbeatErrs := handle.RunHeartbeatLoop(runCtx, d.cfg.LockTimeout, d.cfg.LockTimeout/3)

	// PRECHECK
	status, err := d.governor.Tick(runCtx)
	if err != nil {
		d.logger.Error("dispatcher: precheck governor sample failed", "error", err)
	}
	if status.Overall >= governor.LevelThrottle {
		d.logger.Warn("dispatcher: throttling detected at precheck")
		return Outcome{Success: false, Message: "throttling detected", ExitCode: ExitGovernorThrottle}
	}
	if healthy, reason := d.healthCheck(runCtx); !healthy {
		d.logger.Error("dispatcher: health check failed", "reason", reason)
		return Outcome{Success: false, Message: "health check failed: " + reason, ExitCode: ExitHealthCheckFailed}
	}

	// FETCH_DUE
	due, err := d.targets.FetchDue(runCtx, d.cfg.BatchSize*10)
	if err != nil {
		return Outcome{Success: false, Message: fmt.Sprintf("fetching due targets: %v", err), ExitCode: ExitUncaughtError}
	}
	if len(due) == 0 {
		return Outcome{Success: true, Message: "no websites due", ExitCode: ExitOK}
	}

	// DISPATCH_LOOP
	dispatched, stoppedForResources := d.dispatchLoop(runCtx, handle, due, heartbeatErrs)
	dispatchedCount = dispatched

	// MAINTENANCE
	if time.Since(d.lastCleanup) > d.cfg.CleanupInterval {
		d.maintenance(runCtx)
		d.lastCleanup = time.Now()
	}

	// RETRY_SWEEP
	d.retrySweep(runCtx)

	telemetry.DispatcherTargetsDispatchedTotal.Add(float64(dispatched))

	msg := fmt.Sprintf("dispatched %d targets", dispatched)
	if stoppedForResources {
		msg = fmt.Sprintf("dispatched %d targets, stopped due to resource limits", dispatched)
	}
	return Outcome{Success: true, Message: msg, ExitCode: ExitOK}
}

// advisoryLockKey derives the pg_advisory_lock key for a given lease name,
// so the session-level advisory lock and the scheduler_lock row guard the
// same logical lease.
func advisoryLockKey(lockName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(lockName))
	return int64(h.Sum64())
}

// startingMetadata builds the JSON blob attached to the lease row, recording
// who holds it and since when; it is stored in scheduler_lock.metadata.
func startingMetadata(startedAt time.Time) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	payload, err := json.Marshal(map[string]any{
		"hostname":   host,
		"pid":        os.Getpid(),
		"start_time": startedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Sprintf(`{"hostname":%q,"start_time":%q}`, host, startedAt.Format(time.RFC3339))
	}
	return string(payload)
}

func outcomeState(exitCode int) string {
	switch exitCode {
	case ExitGovernorThrottle:
		return "governor_throttle"
	case ExitHealthCheckFailed, ExitLeaseHeldByOther:
		return "precheck_skip"
	default:
		return "error"
	}
}

func (d *Dispatcher) healthCheck(ctx context.Context) (bool, string) {
	if err := d.pool.Ping(ctx); err != nil {
		return false, "store unreachable"
	}
	var runningCount int
	if err := d.pool.QueryRow(ctx, `SELECT count(*) FROM scan_results WHERE status = 'running'`).Scan(&runningCount); err != nil {
		return false, "unable to count running scans"
	}
	if runningCount >= d.cfg.MaxConcurrentExecutions {
		return false, "max concurrent executions reached"
	}
	return true, ""
}

// dispatchLoop partitions due targets into batches, executing each
// target's enabled probes and handing off to the post-outcome hook.
func (d *Dispatcher) dispatchLoop(ctx context.Context, handle *lease.Handle, due []target.Target, heartbeatErrs <-chan error) (dispatched int, stoppedForResources bool) {
	batches := batchOf(due, d.cfg.BatchSize)

batchLoop:
	for _, batch := range batches {
		select {
		case err := <-heartbeatErrs:
			if err != nil {
				d.logger.Error("dispatcher: lease lost mid-run, aborting", "error", err)
				break batchLoop
			}
		default:
		}

		if err := handle.Heartbeat(ctx, d.cfg.LockTimeout); err != nil {
			d.logger.Error("dispatcher: batch heartbeat failed, aborting", "error", err)
			break batchLoop
		}

		for i, t := range batch {
			if i > 0 && i%5 == 0 {
				if err := handle.Heartbeat(ctx, d.cfg.LockTimeout); err != nil {
					d.logger.Error("dispatcher: mid-batch heartbeat failed, aborting", "error", err)
					break batchLoop
				}
			}

			select {
			case <-ctx.Done():
				break batchLoop
			default:
			}

			d.processTarget(ctx, t)
			dispatched++

			if err := d.pacer.Wait(ctx); err != nil {
				break batchLoop
			}
		}

		status, err := d.governor.Tick(ctx)
		if err != nil {
			d.logger.Error("dispatcher: post-batch governor sample failed", "error", err)
			continue
		}
		if status.Overall >= governor.LevelCritical {
			stoppedForResources = true
			break
		}
	}

	return dispatched, stoppedForResources
}

func batchOf(targets []target.Target, size int) [][]target.Target {
	if size <= 0 {
		size = 1
	}
	var batches [][]target.Target
	for i := 0; i < len(targets); i += size {
		end := i + size
		if end > len(targets) {
			end = len(targets)
		}
		batches = append(batches, targets[i:end])
	}
	return batches
}

// processTarget runs a single target's ScanRun to completion, updates
// counters, consults RetryPolicy on failure, and invokes the post-outcome
// hook so escalation/notification can react.
func (d *Dispatcher) processTarget(ctx context.Context, t target.Target) {
	run, err := d.runs.Start(ctx, t.ID)
	if err != nil {
		d.logger.Error("dispatcher: starting scan run", "target", t.Name, "error", err)
		return
	}

	tests, err := d.testCfg.EnabledProbes(ctx, t.ID.String())
	if err != nil {
		d.logger.Error("dispatcher: resolving enabled probes", "target", t.Name, "error", err)
		tests = nil
	}

	start := time.Now()
	passed, failed := 0, 0
	var lastErrorMessage string

	for _, tc := range tests {
		p, err := d.probes.Get(tc.ProbeName)
		if err != nil {
			d.logger.Error("dispatcher: probe not registered", "probe", tc.ProbeName, "error", err)
			failed++
			lastErrorMessage = err.Error()
			continue
		}

		result := d.executor.Run(ctx, p, t.URL, probe.ExecConfig{
			Timeout:      d.cfg.ProbeDeadline,
			InvertResult: tc.InvertResult,
			ProbeConfig:  tc.ProbeConfig,
		})

		if err := d.runs.InsertProbeResult(ctx, scanrunProbeResult(run.ID, tc.ProbeName, result)); err != nil {
			d.logger.Error("dispatcher: inserting probe result", "probe", tc.ProbeName, "error", err)
		}

		if result.Status == probe.StatusPassed || result.Status == probe.StatusSkipped {
			passed++
		} else {
			failed++
			lastErrorMessage = result.Message
		}
	}

	execMs := time.Since(start).Milliseconds()

	if failed == 0 {
		completedAt := time.Now()
		if err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
			if err := d.runs.WithTx(tx).Complete(ctx, run.ID, passed, failed, execMs); err != nil {
				return err
			}
			return d.targets.WithTx(tx).RecordSuccess(ctx, t.ID, completedAt)
		}); err != nil {
			d.logger.Error("dispatcher: completing scan run and recording target success", "error", err)
		}
		run.Status = scanrun.StatusCompleted
		if d.postOutcome != nil {
			d.postOutcome(ctx, t, run, "")
		}
		return
	}

	attemptsToday := t.ConsecutiveFailures + 1
	category, decision := d.cfg.Retry.Evaluate(lastErrorMessage, attemptsToday)
	failedAt := time.Now()

	if err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := d.runs.WithTx(tx).Fail(ctx, run.ID, passed, failed, execMs, lastErrorMessage, d.cfg.RetryFailedAfter); err != nil {
			return err
		}
		return d.targets.WithTx(tx).RecordFailure(ctx, t.ID, string(category), failedAt)
	}); err != nil {
		d.logger.Error("dispatcher: failing scan run and recording target failure", "error", err)
	}

	telemetry.RetriesScheduledTotal.WithLabelValues(string(category)).Inc()

	if decision.GiveUp {
		telemetry.RetriesExhaustedTotal.Inc()
		if err := d.targets.GiveUp(ctx, t.ID, time.Now().Add(24*time.Hour)); err != nil {
			d.logger.Error("dispatcher: marking target for review", "error", err)
		}
		d.logger.Error("dispatcher: target exhausted retries, marked for manual review", "target", t.Name)
	} else if decision.Retry {
		if err := d.targets.ScheduleRetry(ctx, t.ID, decision.RetryAt); err != nil {
			d.logger.Error("dispatcher: scheduling retry", "error", err)
		}
	}

	run.Status = scanrun.StatusFailed
	if d.postOutcome != nil {
		d.postOutcome(ctx, t, run, string(category))
	}
}

func scanrunProbeResult(runID uuid.UUID, name string, r probe.Result) scanrun.ProbeResult {
	now := time.Now()
	return scanrun.ProbeResult{
		ScanRunID:       runID,
		ProbeName:       name,
		Status:          r.Status,
		Severity:        r.Severity,
		Message:         r.Message,
		Evidence:        r.Evidence,
		ExecutionTimeMs: r.Duration.Milliseconds(),
		StartedAt:       now.Add(-r.Duration),
		EndedAt:         now,
	}
}

func (d *Dispatcher) maintenance(ctx context.Context) {
	cutoff := time.Now().Add(-d.cfg.CleanupLogRetention)
	if _, err := d.pool.Exec(ctx, `DELETE FROM scheduler_log WHERE run_at < $1`, cutoff); err != nil {
		d.logger.Error("dispatcher: cleaning old scheduler_log rows", "error", err)
	}
	if _, err := d.pool.Exec(ctx, `DELETE FROM test_results WHERE scan_result_id NOT IN (SELECT id FROM scan_results)`); err != nil {
		d.logger.Error("dispatcher: cleaning orphaned probe results", "error", err)
	}
	if _, err := d.pool.Exec(ctx, `
		UPDATE websites SET consecutive_failures = 0 WHERE last_failure_at < now() - interval '7 days'`); err != nil {
		d.logger.Error("dispatcher: resetting stale failure counters", "error", err)
	}
}

func (d *Dispatcher) retrySweep(ctx context.Context) {
	candidates, err := d.runs.DueForRetrySweep(ctx, d.cfg.RetrySweepMaxRetries, d.cfg.RetrySweepLimit)
	if err != nil {
		d.logger.Error("dispatcher: listing retry-sweep candidates", "error", err)
		return
	}

	for _, run := range candidates {
		t, err := d.targets.Get(ctx, run.TargetID)
		if err != nil {
			d.logger.Error("dispatcher: loading target for retry sweep", "error", err)
			continue
		}

		tests, err := d.testCfg.EnabledProbes(ctx, t.ID.String())
		if err != nil {
			d.logger.Error("dispatcher: resolving probes for retry sweep", "error", err)
			continue
		}

		ok := true
		for _, tc := range tests {
			p, err := d.probes.Get(tc.ProbeName)
			if err != nil {
				ok = false
				continue
			}
			result := d.executor.Run(ctx, p, t.URL, probe.ExecConfig{Timeout: d.cfg.ProbeDeadline, InvertResult: tc.InvertResult, ProbeConfig: tc.ProbeConfig})
			if result.Status != probe.StatusPassed && result.Status != probe.StatusSkipped {
				ok = false
			}
		}

		if ok {
			if err := d.runs.RetrySucceeded(ctx, run.ID); err != nil {
				d.logger.Error("dispatcher: recording retry-sweep success", "error", err)
			}
		} else {
			if err := d.runs.RetryFailedAgain(ctx, run.ID, d.cfg.RetryFailedAfter); err != nil {
				d.logger.Error("dispatcher: recording retry-sweep failure", "error", err)
			}
		}
	}
}
