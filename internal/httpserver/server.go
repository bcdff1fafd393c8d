package httpserver

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/securescan/internal/config"
	"github.com/wisbric/securescan/internal/version"
)

// Server holds the HTTP server dependencies for the read-only status/health
// surface. There is no authenticated or tenant-scoped API surface here:
// scan target CRUD, user management, and admin UI are out of scope.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/status/metrics
// endpoints.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}).ServeHTTP)
	s.Router.Get("/status", s.HandleStatus)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// leaseInfo mirrors pkg/lease's holder shape without importing the package,
// avoiding a dependency cycle (httpserver is wired from internal/app
// alongside the lease package, not the other way around).
type leaseInfo struct {
	Name      string     `json:"name"`
	Owner     *string    `json:"owner"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type logRow struct {
	RunAt    time.Time `json:"run_at"`
	State    string    `json:"state"`
	Detail   string    `json:"detail"`
	Dispatch int       `json:"targets_dispatched"`
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	CommitSHA       string    `json:"commit_sha"`
	Uptime          string    `json:"uptime"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	Database        string    `json:"database"`
	DatabaseLatency float64   `json:"database_latency_ms"`
	Redis           string    `json:"redis"`
	RedisLatency    float64   `json:"redis_latency_ms"`
	Lease           leaseInfo `json:"lease"`
	RecentRuns      []logRow  `json:"recent_runs"`
}

// HandleStatus returns scheduler health: DB/Redis connectivity, uptime,
// the current lease holder, and the last few scheduler_log rows.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	dbStart := time.Now()
	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("status check: database ping failed", "error", err)
		resp.Database = "error"
	} else {
		resp.Database = "ok"
	}
	resp.DatabaseLatency = roundMillis(time.Since(dbStart))

	redisStart := time.Now()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: redis ping failed", "error", err)
		resp.Redis = "error"
	} else {
		resp.Redis = "ok"
	}
	resp.RedisLatency = roundMillis(time.Since(redisStart))

	if resp.Database == "ok" && resp.Redis == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	resp.Lease = s.queryLease(ctx)
	resp.RecentRuns = s.queryRecentRuns(ctx)

	Respond(w, http.StatusOK, resp)
}

func (s *Server) queryLease(ctx context.Context) leaseInfo {
	var info leaseInfo
	row := s.DB.QueryRow(ctx,
		`SELECT name, owner_token, expires_at FROM scheduler_lock WHERE name = 'scheduler_execution'`)
	var owner *string
	var expiresAt *time.Time
	if err := row.Scan(&info.Name, &owner, &expiresAt); err != nil {
		info.Name = "scheduler_execution"
		return info
	}
	info.Owner = owner
	info.ExpiresAt = expiresAt
	return info
}

func (s *Server) queryRecentRuns(ctx context.Context) []logRow {
	rows, err := s.DB.Query(ctx,
		`SELECT run_at, state, detail, targets_dispatched FROM scheduler_log ORDER BY run_at DESC LIMIT 10`)
	if err != nil {
		s.Logger.Error("status check: querying scheduler_log", "error", err)
		return nil
	}
	defer rows.Close()

	var out []logRow
	for rows.Next() {
		var lr logRow
		if err := rows.Scan(&lr.RunAt, &lr.State, &lr.Detail, &lr.Dispatch); err != nil {
			s.Logger.Error("status check: scanning scheduler_log row", "error", err)
			continue
		}
		out = append(out, lr)
	}
	return out
}

func roundMillis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
