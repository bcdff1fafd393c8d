package notify

import (
	"context"
	"testing"
)

type fakeChannel struct{ name string }

func (f fakeChannel) Name() string { return f.name }
func (f fakeChannel) Send(_ context.Context, _, _ string) error { return nil }

func TestRenderSubstitutesKnownTokens(t *testing.T) {
	got := Render("Target {{target_name}} failed probe {{probe}}", map[string]string{
		"target_name": "a.example.com",
		"probe":       "ssl_certificate",
	})
	want := "Target a.example.com failed probe ssl_certificate"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderStripsUnresolvedTokens(t *testing.T) {
	got := Render("Hello {{name}}, severity {{severity}}", map[string]string{"name": "ops"})
	want := "Hello ops, severity "
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestMaskEmail(t *testing.T) {
	if got := MaskEmail("jsmith@example.com"); got != "js***@example.com" {
		t.Errorf("MaskEmail() = %q", got)
	}
	if got := MaskEmail("not-an-email"); got != "***" {
		t.Errorf("MaskEmail(invalid) = %q, want ***", got)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+15551234567"); got != "+15***567" {
		t.Errorf("MaskPhone() = %q", got)
	}
}

func TestMaskWebhookURL(t *testing.T) {
	got := MaskWebhookURL("https://hooks.slack.com/services/T000/B000/XXXXXXXXXXXX")
	if got != "https://hoo***com/***" {
		t.Errorf("MaskWebhookURL() = %q", got)
	}
}

func TestRegistryGetUnregistered(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeChannel{name: "email"})
	ch, err := r.Get("email")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ch.Name() != "email" {
		t.Errorf("Get() returned channel named %q, want email", ch.Name())
	}
}
