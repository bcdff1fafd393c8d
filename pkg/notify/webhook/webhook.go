// Package webhook implements the webhook notification channel: a generic
// JSON HTTP POST, with a Slack Block Kit rendering path when the recipient
// URL is a Slack incoming webhook, adapted from a bot-token client to the
// slack-go incoming-webhook helper.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

// Channel posts a rendered message to an arbitrary webhook URL.
type Channel struct {
	client *http.Client
}

// New creates a webhook Channel.
func New() *Channel {
	return &Channel{client: &http.Client{Timeout: 10 * time.Second}}
}

// Name implements notify.Channel.
func (c *Channel) Name() string { return "webhook" }

// Send posts renderedMessage to recipient (the webhook URL). Slack incoming
// webhook URLs get a Block Kit payload; everything else gets a plain JSON
// envelope.
func (c *Channel) Send(ctx context.Context, recipient, renderedMessage string) error {
	if strings.Contains(recipient, "hooks.slack.com") {
		return c.sendSlack(ctx, recipient, renderedMessage)
	}
	return c.sendGeneric(ctx, recipient, renderedMessage)
}

func (c *Channel) sendSlack(ctx context.Context, webhookURL, message string) error {
	msg := &goslack.WebhookMessage{
		Blocks: &goslack.Blocks{
			BlockSet: []goslack.Block{
				goslack.NewSectionBlock(
					goslack.NewTextBlockObject(goslack.MarkdownType, message, false, false),
					nil, nil,
				),
			},
		},
		Text: message,
	}
	if err := goslack.PostWebhookContext(ctx, webhookURL, msg); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}
	return nil
}

func (c *Channel) sendGeneric(ctx context.Context, webhookURL, message string) error {
	payload, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
