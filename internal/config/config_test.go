package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is worker",
			check:  func(c *Config) bool { return c.Mode == "worker" },
			expect: "worker",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default lock name",
			check:  func(c *Config) bool { return c.LockName == "scheduler_execution" },
			expect: "scheduler_execution",
		},
		{
			name:   "default lock timeout is 3600 seconds",
			check:  func(c *Config) bool { return c.LockTimeout == 3600 },
			expect: "3600",
		},
		{
			name:   "default batch size",
			check:  func(c *Config) bool { return c.BatchSize == 10 },
			expect: "10",
		},
		{
			name:   "default retry max per day",
			check:  func(c *Config) bool { return c.MaxRetriesPerDay == 5 },
			expect: "5",
		},
		{
			name:   "default escalation cooldown hours",
			check:  func(c *Config) bool { return c.EscalationCooldownHours == 4 },
			expect: "4",
		},
		{
			name:   "default notify rate limit per hour",
			check:  func(c *Config) bool { return c.NotifyRateLimitPerHour == 20 },
			expect: "20",
		},
		{
			name:   "default queue max workers",
			check:  func(c *Config) bool { return c.QueueMaxWorkers == 5 },
			expect: "5",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
