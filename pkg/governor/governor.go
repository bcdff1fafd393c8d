// Package governor samples host and database resource metrics and derives
// a throttle state the dispatcher consults before (and during) a run, using
// a Redis-hot-path/database-durable-fallback read pattern with
// cooldown-debounced alerting.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/securescan/internal/store"
	"github.com/wisbric/securescan/internal/telemetry"
)

// Level is the severity of a single sampled metric or of the overall
// governor status — the max level across all sampled metrics.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelThrottle
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelThrottle:
		return "throttle"
	default:
		return "normal"
	}
}

// Thresholds holds the warning/critical/throttle cutover for one metric.
type Thresholds struct {
	Warning  float64
	Critical float64
	Throttle float64
}

// Level derives the severity of a single sample against its thresholds.
// Pure function: no I/O, easy to table-test independent of sampling.
func (t Thresholds) Level(sample float64) Level {
	switch {
	case sample >= t.Throttle:
		return LevelThrottle
	case sample >= t.Critical:
		return LevelCritical
	case sample >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Config carries every metric's thresholds plus the sampling cadence.
type Config struct {
	MonitoringInterval time.Duration
	ThrottleDuration   time.Duration
	AlertCooldown      time.Duration

	CPU             Thresholds
	Memory          Thresholds
	Disk            Thresholds
	Load1           Thresholds
	DBConns         Thresholds
	ConcurrentScans Thresholds
}

// Sample holds one tick's raw metric readings, already extracted into the
// unit each Thresholds expects (cpu/mem/disk as percentages, load1 raw,
// connections/scans as counts).
type Sample struct {
	CPUPercent      float64
	MemPercent      float64
	DiskPercent     float64
	Load1           float64
	ActiveDBConns   float64
	ConcurrentScans float64
}

// Status is the outcome of evaluating one Sample against a Config: the
// overall (max) level plus each metric's individual level, for logging and
// the per-metric Prometheus gauge.
type Status struct {
	Overall Level
	Metrics map[string]Level
}

// Collector samples the host and store for one Sample. Production wiring
// reads /proc load averages and pgxpool stats.
type Collector interface {
	Sample(ctx context.Context) (Sample, error)
}

// Governor periodically samples resource usage and maintains a durable,
// Redis-mirrored throttle state that the dispatcher checks before and
// during a run.
type Governor struct {
	store     *store.Store
	redis     *redis.Client
	collector Collector
	logger    *slog.Logger
	cfg       Config

	notify func(ctx context.Context, level Level, status Status)
}

// New creates a Governor. notify is called at most once per AlertCooldown
// window when the overall level reaches critical or above; it may be nil.
func New(pool *pgxpool.Pool, rdb *redis.Client, collector Collector, logger *slog.Logger, cfg Config, notify func(context.Context, Level, Status)) *Governor {
	return &Governor{
		store:     store.New(pool),
		redis:     rdb,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
		notify:    notify,
	}
}

// Evaluate derives a Status from a Sample without mutating any state — the
// pure decision core, table-tested independent of sampling and persistence.
func (cfg Config) Evaluate(s Sample) Status {
	metrics := map[string]Level{
		"cpu":              cfg.CPU.Level(s.CPUPercent),
		"memory":           cfg.Memory.Level(s.MemPercent),
		"disk":             cfg.Disk.Level(s.DiskPercent),
		"load1":            cfg.Load1.Level(s.Load1),
		"active_db_conns":  cfg.DBConns.Level(s.ActiveDBConns),
		"concurrent_scans": cfg.ConcurrentScans.Level(s.ConcurrentScans),
	}
	overall := LevelNormal
	for _, lvl := range metrics {
		if lvl > overall {
			overall = lvl
		}
	}
	return Status{Overall: overall, Metrics: metrics}
}

// Tick samples once, persists a resource_metrics row, updates the durable
// and Redis-mirrored throttle state, and fires a debounced alert when
// appropriate. It is meant to be called on a ticker by Run, but dispatcher
// PRECHECK also calls it directly for an immediate read.
func (g *Governor) Tick(ctx context.Context) (Status, error) {
	sample, err := g.collector.Sample(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("sampling resources: %w", err)
	}
	status := g.cfg.Evaluate(sample)

	for metric, lvl := range status.Metrics {
		telemetry.GovernorMetricLevel.WithLabelValues(metric).Set(float64(lvl))
	}

	if err := g.recordSample(ctx, sample, status); err != nil {
		g.logger.Error("governor: recording sample", "error", err)
	}

	if status.Overall >= LevelThrottle {
		if err := g.startThrottle(ctx); err != nil {
			g.logger.Error("governor: starting throttle", "error", err)
		}
	} else if status.Overall < LevelWarning {
		if err := g.endThrottleIfExpired(ctx); err != nil {
			g.logger.Error("governor: ending throttle", "error", err)
		}
	}

	if status.Overall >= LevelCritical {
		g.maybeAlert(ctx, status)
	}

	return status, nil
}

// Run samples on cfg.MonitoringInterval until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.MonitoringInterval)
	defer ticker.Stop()

	if _, err := g.Tick(ctx); err != nil {
		g.logger.Error("governor: initial tick", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Tick(ctx); err != nil {
				g.logger.Error("governor: tick", "error", err)
			}
		}
	}
}

// Throttled reports whether the dispatcher should refuse to start or
// continue a run right now. It checks Redis first (hot path) and falls
// back to the database on a cache miss, mirroring pkg/alert/dedup.go's
// Check().
func (g *Governor) Throttled(ctx context.Context) (bool, error) {
	val, err := g.redis.Get(ctx, throttleRedisKey).Result()
	if err == nil {
		return val == "1", nil
	}
	if err != redis.Nil {
		g.logger.Warn("governor: redis throttle check failed, falling back to store", "error", err)
	}

	var expiresAt time.Time
	row := g.store.Pool.QueryRow(ctx, `SELECT expires_at FROM governor_throttle WHERE id = 1`)
	if err := row.Scan(&expiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("reading throttle state: %w", store.Wrap(err))
	}
	throttled := expiresAt.After(time.Now())
	g.cacheThrottle(ctx, throttled)
	return throttled, nil
}

func (g *Governor) startThrottle(ctx context.Context) error {
	expiresAt := time.Now().Add(g.cfg.ThrottleDuration)
	_, err := g.store.Pool.Exec(ctx, `
		INSERT INTO governor_throttle (id, expires_at)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET expires_at = GREATEST(governor_throttle.expires_at, EXCLUDED.expires_at)`,
		expiresAt)
	if err != nil {
		return store.Wrap(err)
	}
	telemetry.GovernorThrottleActive.Set(1)
	g.cacheThrottle(ctx, true)

	_, err = g.store.Pool.Exec(ctx, `
		UPDATE scan_results SET status = 'paused' WHERE status = 'queued'`)
	if err != nil {
		g.logger.Error("governor: pausing queued scans", "error", err)
	}
	return nil
}

func (g *Governor) endThrottleIfExpired(ctx context.Context) error {
	tag, err := g.store.Pool.Exec(ctx, `DELETE FROM governor_throttle WHERE id = 1 AND expires_at <= now()`)
	if err != nil {
		return store.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	telemetry.GovernorThrottleActive.Set(0)
	g.cacheThrottle(ctx, false)

	_, err = g.store.Pool.Exec(ctx, `UPDATE scan_results SET status = 'queued' WHERE status = 'paused'`)
	if err != nil {
		g.logger.Error("governor: resuming paused scans", "error", err)
	}
	return nil
}

func (g *Governor) cacheThrottle(ctx context.Context, throttled bool) {
	val := "0"
	if throttled {
		val = "1"
	}
	if err := g.redis.Set(ctx, throttleRedisKey, val, g.cfg.ThrottleDuration).Err(); err != nil {
		g.logger.Warn("governor: caching throttle state in redis failed", "error", err)
	}
}

func (g *Governor) recordSample(ctx context.Context, s Sample, status Status) error {
	_, err := g.store.Pool.Exec(ctx, `
		INSERT INTO resource_metrics
			(sampled_at, cpu_percent, mem_percent, disk_percent, load1, active_db_conns, concurrent_scans, overall_level)
		VALUES (now(), $1, $2, $3, $4, $5, $6, $7)`,
		s.CPUPercent, s.MemPercent, s.DiskPercent, s.Load1, s.ActiveDBConns, s.ConcurrentScans, status.Overall.String())
	if err != nil {
		return store.Wrap(err)
	}
	return nil
}

// maybeAlert debounces via Redis INCR+EXPIRE windowed counting: the first
// alert in a cooldown window sets the key with a TTL; subsequent alerts in
// the same window are suppressed until it expires.
func (g *Governor) maybeAlert(ctx context.Context, status Status) {
	n, err := g.redis.Incr(ctx, alertDebounceKey).Result()
	if err != nil {
		g.logger.Error("governor: alert debounce incr failed", "error", err)
		return
	}
	if n == 1 {
		g.redis.Expire(ctx, alertDebounceKey, g.cfg.AlertCooldown)
	}
	if n > 1 {
		return
	}

	telemetry.GovernorAlertsTotal.WithLabelValues("overall", status.Overall.String()).Inc()
	g.logger.Warn("governor: resource level elevated", "level", status.Overall.String())
	if g.notify != nil {
		g.notify(ctx, status.Overall, status)
	}
}

const throttleRedisKey = "securescan:governor:throttled"
const alertDebounceKey = "securescan:governor:alert_debounce"
