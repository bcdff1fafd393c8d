package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/securescan/internal/store"
	"github.com/wisbric/securescan/internal/telemetry"
)

// Status is the lifecycle state of a Notification row.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusLimited Status = "rate_limited"
)

// Notification is one row of the notifications table.
type Notification struct {
	ID        uuid.UUID
	TargetID  uuid.UUID
	Channel   string
	Recipient string
	Template  string
	Context   map[string]string
	Status    Status
	Attempts  int
	CreatedAt time.Time
	SentAt    *time.Time
}

// Config carries the orchestrator's tunables, per spec.md §4.8.
type Config struct {
	MaxRetries       int
	RetryDelay       time.Duration
	RateLimitPerHour int
}

// Orchestrator drives the notification lifecycle: create the row before
// any send attempt, resolve a template from notification_templates, check
// the per-recipient rate limit, send through the registered Channel, and
// retry with exponential backoff up to MaxRetries+1 attempts.
type Orchestrator struct {
	store    *store.Store
	redis    *redis.Client
	channels *Registry
	logger   *slog.Logger
	cfg      Config
}

// New creates an Orchestrator.
func New(pool *pgxpool.Pool, rdb *redis.Client, channels *Registry, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{store: store.New(pool), redis: rdb, channels: channels, logger: logger, cfg: cfg}
}

// Dispatch is the entry point invoked by a QueueRunner worker for a
// "notification" job: it creates the Notification row, renders the
// template, and drives the send-with-retry loop to a terminal state.
func (o *Orchestrator) Dispatch(ctx context.Context, targetID uuid.UUID, channel, recipient, templateName string, renderCtx map[string]string) error {
	muted, err := o.channelMuted(ctx, targetID, channel)
	if err != nil {
		o.logger.Warn("notify: preference check failed, proceeding as enabled", "error", err)
	}
	if muted {
		telemetry.NotificationsSentTotal.WithLabelValues(channel, "muted").Inc()
		o.logger.Info("notify: skipped, channel muted by preference", "channel", channel, "target_id", targetID)
		return nil
	}

	n, err := o.create(ctx, targetID, channel, recipient, templateName, renderCtx)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	limited, err := o.rateLimited(ctx, recipient)
	if err != nil {
		o.logger.Warn("notify: rate limit check failed, proceeding without limiting", "error", err)
	}
	if limited {
		telemetry.NotificationsSentTotal.WithLabelValues(channel, "rate_limited").Inc()
		return o.markTerminal(ctx, n.ID, StatusLimited)
	}

	tmpl, err := o.loadTemplate(ctx, templateName)
	if err != nil {
		return fmt.Errorf("loading template %q: %w", templateName, err)
	}
	rendered := Render(tmpl, renderCtx)

	ch, err := o.channels.Get(channel)
	if err != nil {
		return fmt.Errorf("resolving channel: %w", err)
	}

	return o.sendWithRetry(ctx, n, ch, recipient, rendered)
}

func (o *Orchestrator) sendWithRetry(ctx context.Context, n Notification, ch Channel, recipient, rendered string) error {
	maxAttempts := o.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
retryLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := ch.Send(ctx, recipient, rendered)
		if err == nil {
			telemetry.NotificationsSentTotal.WithLabelValues(ch.Name(), "sent").Inc()
			o.logger.Info("notify: delivered", "channel", ch.Name(), "recipient", mask(ch.Name(), recipient), "attempt", attempt)
			return o.markSent(ctx, n.ID)
		}

		lastErr = err
		if err := o.bumpAttempts(ctx, n.ID, attempt); err != nil {
			o.logger.Error("notify: recording attempt", "error", err)
		}

		if attempt == maxAttempts {
			break
		}

		telemetry.NotificationRetriesTotal.Inc()
		backoff := o.cfg.RetryDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retryLoop
		case <-time.After(backoff):
		}
	}

	telemetry.NotificationsSentTotal.WithLabelValues(ch.Name(), "failed").Inc()
	o.logger.Error("notify: delivery exhausted retries", "channel", ch.Name(), "recipient", mask(ch.Name(), recipient), "error", lastErr)
	if err := o.markTerminal(ctx, n.ID, StatusFailed); err != nil {
		return err
	}
	return fmt.Errorf("delivering via %s: %w", ch.Name(), lastErr)
}

func mask(channel, recipient string) string {
	switch channel {
	case "email":
		return MaskEmail(recipient)
	case "sms":
		return MaskPhone(recipient)
	case "webhook":
		return MaskWebhookURL(recipient)
	default:
		return "***"
	}
}

func (o *Orchestrator) create(ctx context.Context, targetID uuid.UUID, channel, recipient, templateName string, renderCtx map[string]string) (Notification, error) {
	n := Notification{TargetID: targetID, Channel: channel, Recipient: recipient, Template: templateName, Context: renderCtx, Status: StatusPending}
	err := o.store.Pool.QueryRow(ctx, `
		INSERT INTO notifications (website_id, channel, recipient, template, context, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', now())
		RETURNING id, created_at`, targetID, channel, recipient, templateName, renderCtx).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return Notification{}, store.Wrap(err)
	}
	return n, nil
}

func (o *Orchestrator) loadTemplate(ctx context.Context, name string) (string, error) {
	var body string
	err := o.store.Pool.QueryRow(ctx, `SELECT body FROM notification_templates WHERE name = $1`, name).Scan(&body)
	if err != nil {
		return "", store.Wrap(err)
	}
	return body, nil
}

func (o *Orchestrator) bumpAttempts(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := o.store.Pool.Exec(ctx, `
		INSERT INTO notification_log (notification_id, attempt, logged_at)
		VALUES ($1, $2, now())`, id, attempts)
	if err != nil {
		return store.Wrap(err)
	}
	_, err = o.store.Pool.Exec(ctx, `UPDATE notifications SET attempts = $2 WHERE id = $1`, id, attempts)
	return store.Wrap(err)
}

func (o *Orchestrator) markSent(ctx context.Context, id uuid.UUID) error {
	_, err := o.store.Pool.Exec(ctx, `
		UPDATE notifications SET status = 'sent', sent_at = now() WHERE id = $1`, id)
	return store.Wrap(err)
}

func (o *Orchestrator) markTerminal(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := o.store.Pool.Exec(ctx, `UPDATE notifications SET status = $2 WHERE id = $1`, id, status)
	return store.Wrap(err)
}

// channelMuted reports whether a website has explicitly disabled a
// notification channel via notification_preferences. Absence of a row
// means the channel is enabled; only an explicit enabled=false mutes it.
func (o *Orchestrator) channelMuted(ctx context.Context, targetID uuid.UUID, channel string) (bool, error) {
	var enabled bool
	err := o.store.Pool.QueryRow(ctx,
		`SELECT enabled FROM notification_preferences WHERE website_id = $1 AND channel = $2`,
		targetID, channel,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, store.Wrap(err)
	}
	return !enabled, nil
}

// rateLimited checks whether recipient has already received
// RateLimitPerHour notifications within the last hour, via Redis
// INCR+EXPIRE windowed counting — the same debounce idiom as
// pkg/governor.maybeAlert.
func (o *Orchestrator) rateLimited(ctx context.Context, recipient string) (bool, error) {
	if o.cfg.RateLimitPerHour <= 0 {
		return false, nil
	}
	key := "securescan:notify:ratelimit:" + recipient
	n, err := o.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		o.redis.Expire(ctx, key, time.Hour)
	}
	return n > int64(o.cfg.RateLimitPerHour), nil
}
