// Package notify implements the NotificationOrchestrator: a
// create-before-send notification lifecycle with per-channel senders,
// per-recipient rate limiting, retrying delivery, and template rendering.
// The Channel/Registry shape is the same name-keyed provider registry used
// by pkg/probe.
package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Channel is the uniform contract every notification transport implements.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient, renderedMessage string) error
}

// Registry looks up a Channel by name.
type Registry struct {
	channels map[string]Channel
}

// NewRegistry creates an empty channel Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel under its own Name(). Re-registering a name
// overwrites the previous entry.
func (r *Registry) Register(c Channel) {
	r.channels[c.Name()] = c
}

// Get returns the named channel, or an error if it was never registered.
func (r *Registry) Get(name string) (Channel, error) {
	c, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("notification channel %q not registered", name)
	}
	return c, nil
}

var templateToken = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render replaces {{variable}} tokens in tmpl using ctx; any token with no
// matching key is stripped entirely rather than left in the output.
func Render(tmpl string, ctx map[string]string) string {
	return templateToken.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := strings.TrimSpace(templateToken.FindStringSubmatch(match)[1])
		if v, ok := ctx[key]; ok {
			return v
		}
		return ""
	})
}

// MaskEmail masks a recipient email for logging: first 2 chars + "***@" + domain.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	local := email[:at]
	domain := email[at+1:]
	visible := local
	if len(visible) > 2 {
		visible = visible[:2]
	}
	return visible + "***@" + domain
}

// MaskPhone masks a recipient phone number for logging: first 3 + "***" + last 3.
func MaskPhone(phone string) string {
	if len(phone) < 6 {
		return "***"
	}
	return phone[:3] + "***" + phone[len(phone)-3:]
}

// MaskWebhookURL masks a webhook URL for logging: scheme + first3/last3 of
// host + "/***" in place of the path.
func MaskWebhookURL(rawURL string) string {
	schemeEnd := strings.Index(rawURL, "://")
	if schemeEnd < 0 {
		return "***"
	}
	scheme := rawURL[:schemeEnd]
	rest := rawURL[schemeEnd+3:]

	hostEnd := strings.IndexByte(rest, '/')
	host := rest
	if hostEnd >= 0 {
		host = rest[:hostEnd]
	}

	maskedHost := host
	if len(host) > 6 {
		maskedHost = host[:3] + "***" + host[len(host)-3:]
	}
	return scheme + "://" + maskedHost + "/***"
}
