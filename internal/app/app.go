// Package app wires securescan's components together: store, lease,
// governor, probe registry, retry policy, dispatcher, escalation engine,
// notification orchestrator, queue runner, and the status HTTP surface.
// The wiring shape (connect infra, run migrations, build a metrics
// registry, branch on run mode) follows the same bootstrap sequence
// throughout: logger, tracer, pool, cache, migrations, registry, mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/securescan/internal/config"
	"github.com/wisbric/securescan/internal/httpserver"
	"github.com/wisbric/securescan/internal/platform"
	"github.com/wisbric/securescan/internal/telemetry"
	"github.com/wisbric/securescan/internal/version"
	"github.com/wisbric/securescan/pkg/dispatcher"
	"github.com/wisbric/securescan/pkg/escalation"
	"github.com/wisbric/securescan/pkg/governor"
	"github.com/wisbric/securescan/pkg/lease"
	"github.com/wisbric/securescan/pkg/notify"
	"github.com/wisbric/securescan/pkg/notify/webhook"
	"github.com/wisbric/securescan/pkg/probe"
	"github.com/wisbric/securescan/pkg/queue"
	"github.com/wisbric/securescan/pkg/retry"
	"github.com/wisbric/securescan/pkg/scanrun"
	"github.com/wisbric/securescan/pkg/target"
	"github.com/wisbric/securescan/pkg/testconfig"
)

// Infra bundles the shared connections every run mode needs.
type Infra struct {
	Logger  *slog.Logger
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Metrics *prometheus.Registry
	Tracer  *telemetry.TracerProvider
}

// Run is the main application entry point: it connects infrastructure,
// applies migrations, and starts the run mode named by cfg.Mode ("worker"
// runs the dispatcher+queue loop; "status" serves the read-only HTTP
// surface; "run" performs a single dispatcher cycle and exits).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting securescan", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	tracerProvider, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:        cfg.OTLPEndpoint != "",
		ServiceName:    "securescan",
		ServiceVersion: version.Version,
		ExporterType:   "grpc",
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRate:   1.0,
	})
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	infra := Infra{Logger: logger, DB: db, Redis: rdb, Metrics: metricsReg, Tracer: tracerProvider}

	switch cfg.Mode {
	case "worker":
		return runWorker(ctx, cfg, infra)
	case "run":
		return runOnce(ctx, cfg, infra)
	case "status":
		return runStatus(ctx, cfg, infra)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// build assembles every domain component shared by the worker and
// single-shot run modes.
type components struct {
	dispatcher *dispatcher.Dispatcher
	escalation *escalation.Engine
	notify     *notify.Orchestrator
	queueStore *queue.Store
	queueRun   *queue.Runner
}

func build(cfg *config.Config, infra Infra) *components {
	leaseLock := lease.New(infra.DB)

	collector := governor.NewHostCollector(infra.DB, "/")
	gov := governor.New(infra.DB, infra.Redis, collector, infra.Logger, governor.Config{
		MonitoringInterval: time.Duration(cfg.MonitoringIntervalSeconds) * time.Second,
		ThrottleDuration:   time.Duration(cfg.ThrottleDurationSeconds) * time.Second,
		AlertCooldown:      time.Duration(cfg.AlertCooldownSeconds) * time.Second,
		CPU:                governor.Thresholds{Warning: cfg.CPUWarn, Critical: cfg.CPUCritical, Throttle: cfg.CPUThrottle},
		Memory:             governor.Thresholds{Warning: cfg.MemWarn, Critical: cfg.MemCritical, Throttle: cfg.MemThrottle},
		Disk:               governor.Thresholds{Warning: cfg.DiskWarn, Critical: cfg.DiskCritical, Throttle: cfg.DiskThrottle},
		Load1:              governor.Thresholds{Warning: cfg.Load1Warn, Critical: cfg.Load1Critical, Throttle: cfg.Load1Throttle},
		DBConns:            governor.Thresholds{Warning: cfg.DBConnsWarn, Critical: cfg.DBConnsCritical, Throttle: cfg.DBConnsThrottle},
		ConcurrentScans:    governor.Thresholds{Warning: cfg.ConcurrentScansWarn, Critical: cfg.ConcurrentScansCritical, Throttle: cfg.ConcurrentScansThrottle},
	}, nil)

	targets := target.NewStore(infra.DB)
	runs := scanrun.NewStore(infra.DB)
	probes := probe.NewRegistry()
	testCfg := testconfig.NewStore(infra.DB)

	retryPolicy := retry.Policy{
		BaseDelay:        time.Duration(cfg.BaseDelayMinutes * float64(time.Minute)),
		MinDelay:         time.Duration(cfg.RetryMinMinutes * float64(time.Minute)),
		MaxDelay:         time.Duration(cfg.RetryMaxMinutes * float64(time.Minute)),
		MaxRetriesPerDay: cfg.MaxRetriesPerDay,
	}

	queueStore := queue.New(infra.DB, queue.Config{
		JobTimeout:                time.Duration(cfg.QueueJobTimeoutSeconds) * time.Second,
		MaxRetries:                cfg.QueueMaxRetries,
		DeadLetterEnabled:         cfg.QueueDeadLetterEnabled,
		CleanupCompletedJobsAfter: time.Duration(cfg.QueueCleanupAfterSeconds) * time.Second,
		MaxWorkers:                cfg.QueueMaxWorkers,
		PollInterval:              time.Duration(cfg.QueuePollIntervalMilliseconds) * time.Millisecond,
	})

	escalationEngine := escalation.New(infra.DB, queueStore, infra.Redis, infra.Logger, escalation.Config{
		CooldownHours: float64(cfg.EscalationCooldownHours),
	})

	channels := notify.NewRegistry()
	channels.Register(notify.NewEmailChannel(notify.EmailConfig{
		Host: cfg.SMTPHost, Port: fmt.Sprintf("%d", cfg.SMTPPort),
		Username: cfg.SMTPUser, Password: cfg.SMTPPass, From: cfg.SMTPFrom,
	}))
	channels.Register(notify.NewSMSChannel(&notify.NoopCaller{Logger: infra.Logger}))
	channels.Register(webhook.New())

	notifyOrch := notify.New(infra.DB, infra.Redis, channels, infra.Logger, notify.Config{
		MaxRetries:       cfg.NotifyMaxRetries,
		RetryDelay:       time.Duration(cfg.NotifyRetryDelaySeconds) * time.Second,
		RateLimitPerHour: cfg.NotifyRateLimitPerHour,
	})

	queueRunner := queue.NewRunner(queueStore, queue.Config{MaxWorkers: cfg.QueueMaxWorkers}, infra.Logger)
	queueRunner.Register("notification", notificationJobHandler(targets, notifyOrch, infra.Logger))

	d := dispatcher.New(infra.DB, leaseLock, gov, targets, runs, probes, testCfg, infra.Logger, dispatcher.Config{
		LockName:                cfg.LockName,
		LockTimeout:             time.Duration(cfg.LockTimeout) * time.Second,
		BatchSize:               cfg.BatchSize,
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
		MaxExecutionTime:        time.Duration(cfg.MaxExecutionSeconds) * time.Second,
		CleanupInterval:         time.Duration(cfg.CleanupIntervalHours) * time.Hour,
		CleanupLogRetention:     time.Duration(cfg.CleanupLogRetentionDays) * 24 * time.Hour,
		RetrySweepLimit:         cfg.RetrySweepLimit,
		RetrySweepMaxRetries:    cfg.MaxRetries,
		RetryFailedAfter:        time.Duration(cfg.RetryMaxMinutes) * time.Minute,
		PacingDelay:             100 * time.Millisecond,
		ProbeDeadline:           30 * time.Second,
		Retry:                   retryPolicy,
	}, escalationEngine.Process)

	return &components{
		dispatcher: d,
		escalation: escalationEngine,
		notify:     notifyOrch,
		queueStore: queueStore,
		queueRun:   queueRunner,
	}
}

// notificationJobHandler adapts a claimed "notification" queue job into a
// call on the notification orchestrator, resolving the target's configured
// recipient for the job's channel.
func notificationJobHandler(targets *target.Store, notifyOrch *notify.Orchestrator, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, raw []byte) error {
		payload, targetID, err := queue.ParseNotificationPayload(raw)
		if err != nil {
			return err
		}

		t, err := targets.Get(ctx, targetID)
		if err != nil {
			return fmt.Errorf("loading target %s for notification: %w", targetID, err)
		}

		recipient, ok := t.NotificationChannels[payload.Channel]
		if !ok || recipient == "" {
			logger.Warn("notify: no recipient configured for channel, skipping",
				"target_id", targetID, "channel", payload.Channel)
			return nil
		}

		return notifyOrch.Dispatch(ctx, targetID, payload.Channel, recipient, "escalation_"+payload.Channel, map[string]string{
			"target_name": t.Name,
			"target_url":  t.URL,
			"level":       payload.Level,
		})
	}
}

func runWorker(ctx context.Context, cfg *config.Config, infra Infra) error {
	c := build(cfg, infra)

	errCh := make(chan error, 2)

	go func() {
		errCh <- c.queueRun.Run(ctx)
	}()

	go func() {
		const dispatcherPollInterval = 30 * time.Second
		ticker := time.NewTicker(dispatcherPollInterval)
		defer ticker.Stop()

		runOutcome := func() {
			outcome := c.dispatcher.Run(ctx)
			if !outcome.Success {
				infra.Logger.Warn("dispatcher run did not succeed", "message", outcome.Message, "exit_code", outcome.ExitCode)
			}
		}
		runOutcome()

		for {
			select {
			case <-ctx.Done():
				errCh <- nil
				return
			case <-ticker.C:
				runOutcome()
			}
		}
	}()

	srv := statusServer(cfg, infra)
	go func() {
		infra.Logger.Info("status server listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runOnce performs exactly one dispatcher cycle and returns, for `scheduler
// run` CLI invocations driven by an external cron.
func runOnce(ctx context.Context, cfg *config.Config, infra Infra) error {
	c := build(cfg, infra)
	outcome := c.dispatcher.Run(ctx)
	infra.Logger.Info("dispatcher run complete",
		"success", outcome.Success, "message", outcome.Message, "exit_code", outcome.ExitCode)
	if outcome.ExitCode != dispatcher.ExitOK {
		return exitCodeError{code: outcome.ExitCode, message: outcome.Message}
	}
	return nil
}

// exitCodeError carries the dispatcher's exit code through to main, which
// maps it onto os.Exit.
type exitCodeError struct {
	code    int
	message string
}

func (e exitCodeError) Error() string { return e.message }

// ExitCode extracts the process exit code from an error returned by Run,
// defaulting to 1 for anything that isn't a dispatcher outcome.
func ExitCode(err error) int {
	if err == nil {
		return dispatcher.ExitOK
	}
	var ec exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

func runStatus(ctx context.Context, cfg *config.Config, infra Infra) error {
	srv := statusServer(cfg, infra)
	errCh := make(chan error, 1)
	go func() {
		infra.Logger.Info("status server listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func statusServer(cfg *config.Config, infra Infra) *http.Server {
	h := httpserver.NewServer(cfg, infra.Logger, infra.DB, infra.Redis, infra.Metrics)
	return &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
