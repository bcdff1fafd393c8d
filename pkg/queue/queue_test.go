package queue

import (
	"testing"
	"time"
)

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()

	if cfg.JobTimeout != 300*time.Second {
		t.Errorf("JobTimeout default = %v, want 300s", cfg.JobTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries default = %d, want 3", cfg.MaxRetries)
	}
	if cfg.CleanupCompletedJobsAfter != 86400*time.Second {
		t.Errorf("CleanupCompletedJobsAfter default = %v, want 86400s", cfg.CleanupCompletedJobsAfter)
	}
	if cfg.MaxWorkers != 5 {
		t.Errorf("MaxWorkers default = %d, want 5", cfg.MaxWorkers)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval default = %v, want 1s", cfg.PollInterval)
	}
}

func TestConfigSetDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{JobTimeout: 60 * time.Second, MaxRetries: 10, MaxWorkers: 2}
	cfg.setDefaults()

	if cfg.JobTimeout != 60*time.Second {
		t.Errorf("JobTimeout = %v, want preserved 60s", cfg.JobTimeout)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want preserved 10", cfg.MaxRetries)
	}
	if cfg.MaxWorkers != 2 {
		t.Errorf("MaxWorkers = %d, want preserved 2", cfg.MaxWorkers)
	}
}

func TestBackoffCapsAtTenSeconds(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestParseNotificationPayload(t *testing.T) {
	raw := []byte(`{"target_id":"8f165c60-0e6b-4e1f-9a0f-9a6c2d9d1234","channel":"email","level":"2"}`)
	p, id, err := ParseNotificationPayload(raw)
	if err != nil {
		t.Fatalf("ParseNotificationPayload() error = %v", err)
	}
	if p.Channel != "email" {
		t.Errorf("Channel = %q, want email", p.Channel)
	}
	if p.Level != "2" {
		t.Errorf("Level = %q, want 2", p.Level)
	}
	if id.String() != "8f165c60-0e6b-4e1f-9a0f-9a6c2d9d1234" {
		t.Errorf("target id = %q, want input id", id.String())
	}
}

func TestParseNotificationPayloadInvalidUUID(t *testing.T) {
	raw := []byte(`{"target_id":"not-a-uuid","channel":"sms","level":"1"}`)
	if _, _, err := ParseNotificationPayload(raw); err == nil {
		t.Fatal("expected error for invalid target_id")
	}
}
