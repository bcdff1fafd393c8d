// Package escalation derives an escalation level from a target's failure
// history and drives the alert_escalations lifecycle, gated by a cooldown
// window, using a cooldown-via-timestamp-column persisted state and fixed
// level-derivation rules rather than configurable policy tiers.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/securescan/internal/store"
	"github.com/wisbric/securescan/internal/telemetry"
	"github.com/wisbric/securescan/pkg/probe"
	"github.com/wisbric/securescan/pkg/scanrun"
	"github.com/wisbric/securescan/pkg/target"
)

const escalationEventChannel = "securescan:escalation:event"

// Level is the escalation severity derived from a target's failure state.
type Level int

const (
	LevelNone Level = iota
	LevelOne
	LevelTwo
	LevelThree
)

func (l Level) String() string {
	switch l {
	case LevelOne:
		return "1"
	case LevelTwo:
		return "2"
	case LevelThree:
		return "3"
	default:
		return "0"
	}
}

// Status is the lifecycle state of an Escalation row.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Channels returns the notification channels that fire at a given level.
func (l Level) Channels() []string {
	switch l {
	case LevelOne:
		return []string{"email"}
	case LevelTwo:
		return []string{"email", "sms"}
	case LevelThree:
		return []string{"email", "sms", "webhook"}
	default:
		return nil
	}
}

// delayForLevel is the deferred-delivery delay for the level at which a
// channel is first introduced.
func delayForLevel(l Level) time.Duration {
	switch l {
	case LevelTwo:
		return 30 * time.Minute
	case LevelThree:
		return 120 * time.Minute
	default:
		return 0
	}
}

// Escalation is one row of alert_escalations.
type Escalation struct {
	ID            uuid.UUID
	TargetID      uuid.UUID
	Level         Level
	Status        Status
	CooldownUntil *time.Time
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	Reason        string
}

// DeriveLevel applies the fixed derivation rules: a single critical-probe
// failure always wins, then the two level-2 thresholds, then any failure at
// all is level 1, and a clean run is level 0.
func DeriveLevel(criticalFailure bool, consecutiveFailures, failuresInPeriod int, anyFailure bool) Level {
	switch {
	case criticalFailure:
		return LevelThree
	case consecutiveFailures >= 3 || failuresInPeriod >= 5:
		return LevelTwo
	case anyFailure:
		return LevelOne
	default:
		return LevelNone
	}
}

// Action records what Evaluate decided to do, for logging and tests.
type Action string

const (
	ActionNone       Action = "none"
	ActionCreate     Action = "create"
	ActionUpgrade    Action = "upgrade"
	ActionInCooldown Action = "in_cooldown"
	ActionResolve    Action = "resolve"
)

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Action        Action
	Level         Level
	PreviousLevel Level
}

// JobEnqueuer schedules a deferred job — satisfied structurally by
// pkg/queue.Store, kept as a local interface the same way the dispatcher's
// PostOutcomeHook breaks the Dispatcher<->EscalationEngine cycle.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, priority int, delay time.Duration) error
}

// Config carries the engine's single tunable.
type Config struct {
	CooldownHours float64
}

// Engine derives escalation levels and persists alert_escalations state.
type Engine struct {
	store  *store.Store
	runs   *scanrun.Store
	queue  JobEnqueuer
	redis  *redis.Client
	logger *slog.Logger
	cfg    Config
}

// New creates an Engine. queue may be nil, in which case no notification
// jobs are enqueued. rdb may also be nil; it is used only
// to publish escalation events for out-of-process observers (e.g. an
// operator dashboard tailing Redis) and is never the source of truth.
func New(pool *pgxpool.Pool, queue JobEnqueuer, rdb *redis.Client, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{store: store.New(pool), runs: scanrun.NewStore(pool), queue: queue, redis: rdb, logger: logger, cfg: cfg}
}

func (e *Engine) publishEvent(ctx context.Context, targetID uuid.UUID, level Level, action Action) {
	if e.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"target_id": targetID.String(),
		"level":     level.String(),
		"action":    string(action),
	})
	if err != nil {
		return
	}
	if err := e.redis.Publish(ctx, escalationEventChannel, payload).Err(); err != nil {
		e.logger.Warn("escalation: publishing event", "error", err)
	}
}

// Process is the Dispatcher's post-outcome hook: it loads the target's
// current failure state, derives a level, and creates/upgrades/resolves the
// active Escalation accordingly. category is "" on a successful ScanRun.
func (e *Engine) Process(ctx context.Context, t target.Target, run scanrun.ScanRun, category string) {
	if err := e.process(ctx, t, run, category); err != nil {
		e.logger.Error("escalation: processing outcome", "target", t.Name, "error", err)
	}
}

func (e *Engine) process(ctx context.Context, t target.Target, run scanrun.ScanRun, category string) error {
	anyFailure := category != ""

	if !anyFailure {
		if err := e.resolveIfActive(ctx, t.ID, "tests_passing"); err != nil {
			return err
		}
		e.publishEvent(ctx, t.ID, LevelNone, ActionResolve)
		return nil
	}

	consecutiveFailures, err := e.currentConsecutiveFailures(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("reading consecutive failures for target %s: %w", t.ID, err)
	}

	failuresInPeriod, err := e.failuresInPeriod(ctx, t.ID, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("counting failures in period for target %s: %w", t.ID, err)
	}

	criticalFailure, err := e.hasCriticalFailure(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("checking critical probe failures for run %s: %w", run.ID, err)
	}

	level := DeriveLevel(criticalFailure, consecutiveFailures, failuresInPeriod, anyFailure)

	decision, err := e.applyLevel(ctx, t, level)
	if err != nil {
		return fmt.Errorf("applying escalation level for target %s: %w", t.ID, err)
	}

	if decision.Action == ActionCreate || decision.Action == ActionUpgrade {
		telemetry.EscalationsTotal.WithLabelValues(level.String()).Inc()
		e.scheduleNotifications(ctx, t, decision.Level, decision.PreviousLevel)
	}
	e.publishEvent(ctx, t.ID, decision.Level, decision.Action)

	return nil
}

// currentConsecutiveFailures re-reads the target row rather than trusting
// the dispatcher's in-memory copy, which was fetched before RecordFailure
// incremented the counter for this outcome.
func (e *Engine) currentConsecutiveFailures(ctx context.Context, targetID uuid.UUID) (int, error) {
	var n int
	err := e.store.Pool.QueryRow(ctx, `SELECT consecutive_failures FROM websites WHERE id = $1`, targetID).Scan(&n)
	if err != nil {
		return 0, store.Wrap(err)
	}
	return n, nil
}

func (e *Engine) failuresInPeriod(ctx context.Context, targetID uuid.UUID, window time.Duration) (int, error) {
	runs, err := e.runs.RecentForTarget(ctx, targetID, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if r.Status == scanrun.StatusFailed {
			n++
		}
	}
	return n, nil
}

func (e *Engine) hasCriticalFailure(ctx context.Context, runID uuid.UUID) (bool, error) {
	rows, err := e.store.Pool.Query(ctx, `
		SELECT probe_name, severity FROM test_results
		WHERE scan_result_id = $1 AND status IN ('failed', 'error', 'timeout')`, runID)
	if err != nil {
		return false, store.Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var severity probe.Severity
		if err := rows.Scan(&name, &severity); err != nil {
			return false, store.Wrap(err)
		}
		if severity == probe.SeverityCritical || probe.CriticalProbes[name] {
			return true, nil
		}
	}
	return false, rows.Err()
}

// applyLevel upserts the active Escalation row per the cooldown contract:
// create if none active, upgrade if the active one is within cooldown but
// the new level strictly exceeds it (resetting cooldown), otherwise a no-op
// report of in_cooldown, or a fresh create once any prior cooldown expired.
func (e *Engine) applyLevel(ctx context.Context, t target.Target, level Level) (Decision, error) {
	active, err := e.activeEscalation(ctx, t.ID)
	if err != nil {
		return Decision{}, err
	}

	cooldownUntil := time.Now().Add(time.Duration(e.cfg.CooldownHours * float64(time.Hour)))

	if active == nil {
		if err := e.createEscalation(ctx, t.ID, level, cooldownUntil); err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionCreate, Level: level, PreviousLevel: LevelNone}, nil
	}

	if active.CooldownUntil != nil && active.CooldownUntil.After(time.Now()) {
		if level <= active.Level {
			return Decision{Action: ActionInCooldown, Level: active.Level}, nil
		}
		if err := e.upgradeEscalation(ctx, active.ID, level, cooldownUntil); err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionUpgrade, Level: level, PreviousLevel: active.Level}, nil
	}

	// Cooldown lapsed: treat this failure as a fresh evaluation at the
	// active row, raising or holding its level and resetting cooldown.
	newLevel := level
	if active.Level > newLevel {
		newLevel = active.Level
	}
	if err := e.upgradeEscalation(ctx, active.ID, newLevel, cooldownUntil); err != nil {
		return Decision{}, err
	}
	if newLevel > active.Level {
		return Decision{Action: ActionUpgrade, Level: newLevel, PreviousLevel: active.Level}, nil
	}
	return Decision{Action: ActionCreate, Level: newLevel, PreviousLevel: LevelNone}, nil
}

func (e *Engine) activeEscalation(ctx context.Context, targetID uuid.UUID) (*Escalation, error) {
	var esc Escalation
	row := e.store.Pool.QueryRow(ctx, `
		SELECT id, website_id, level, status, cooldown_until, created_at, resolved_at, reason
		FROM alert_escalations
		WHERE website_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1`, targetID)
	err := row.Scan(&esc.ID, &esc.TargetID, &esc.Level, &esc.Status, &esc.CooldownUntil, &esc.CreatedAt, &esc.ResolvedAt, &esc.Reason)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, store.Wrap(err)
	}
	return &esc, nil
}

func (e *Engine) createEscalation(ctx context.Context, targetID uuid.UUID, level Level, cooldownUntil time.Time) error {
	_, err := e.store.Pool.Exec(ctx, `
		INSERT INTO alert_escalations (website_id, level, status, cooldown_until, created_at)
		VALUES ($1, $2, 'active', $3, now())`, targetID, level, cooldownUntil)
	return store.Wrap(err)
}

func (e *Engine) upgradeEscalation(ctx context.Context, id uuid.UUID, level Level, cooldownUntil time.Time) error {
	_, err := e.store.Pool.Exec(ctx, `
		UPDATE alert_escalations SET level = $2, cooldown_until = $3 WHERE id = $1`, id, level, cooldownUntil)
	return store.Wrap(err)
}

func (e *Engine) resolveIfActive(ctx context.Context, targetID uuid.UUID, reason string) error {
	tag, err := e.store.Pool.Exec(ctx, `
		UPDATE alert_escalations
		SET status = 'resolved', resolved_at = now(), reason = $2
		WHERE website_id = $1 AND status = 'active'`, targetID, reason)
	if err != nil {
		return store.Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		e.logger.Info("escalation: resolved", "target", targetID, "reason", reason)
	}
	return nil
}

// scheduleNotifications enqueues one deferred job per channel introduced at
// this level, honoring the per-level delivery delay. On an upgrade,
// previousLevel is the escalation's level before this call and its channels
// are skipped — they were already notified (or queued) at their own level.
func (e *Engine) scheduleNotifications(ctx context.Context, t target.Target, level, previousLevel Level) {
	if e.queue == nil {
		return
	}
	alreadyNotified := make(map[string]bool, len(previousLevel.Channels()))
	for _, ch := range previousLevel.Channels() {
		alreadyNotified[ch] = true
	}
	for _, channel := range level.Channels() {
		if alreadyNotified[channel] {
			continue
		}
		payload := map[string]any{
			"target_id": t.ID.String(),
			"channel":   channel,
			"level":     level.String(),
		}
		if err := e.queue.Enqueue(ctx, "notification", payload, int(level), delayForLevel(level)); err != nil {
			e.logger.Error("escalation: enqueueing notification job", "channel", channel, "error", err)
		}
	}
}
