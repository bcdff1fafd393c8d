package escalation

import (
	"testing"
	"time"
)

func TestDeriveLevel(t *testing.T) {
	tests := []struct {
		name                string
		criticalFailure     bool
		consecutiveFailures int
		failuresInPeriod    int
		anyFailure          bool
		want                Level
	}{
		{"no failures", false, 0, 0, false, LevelNone},
		{"single failure", false, 1, 1, true, LevelOne},
		{"three consecutive", false, 3, 1, true, LevelTwo},
		{"five in period", false, 1, 5, true, LevelTwo},
		{"critical wins over everything", true, 0, 0, true, LevelThree},
		{"critical wins over level two thresholds", true, 5, 10, true, LevelThree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveLevel(tt.criticalFailure, tt.consecutiveFailures, tt.failuresInPeriod, tt.anyFailure)
			if got != tt.want {
				t.Errorf("DeriveLevel(%v,%d,%d,%v) = %v, want %v",
					tt.criticalFailure, tt.consecutiveFailures, tt.failuresInPeriod, tt.anyFailure, got, tt.want)
			}
		})
	}
}

func TestLevelChannels(t *testing.T) {
	tests := []struct {
		level Level
		want  []string
	}{
		{LevelNone, nil},
		{LevelOne, []string{"email"}},
		{LevelTwo, []string{"email", "sms"}},
		{LevelThree, []string{"email", "sms", "webhook"}},
	}
	for _, tt := range tests {
		got := tt.level.Channels()
		if len(got) != len(tt.want) {
			t.Fatalf("level %v: Channels() = %v, want %v", tt.level, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("level %v: Channels()[%d] = %q, want %q", tt.level, i, got[i], tt.want[i])
			}
		}
	}
}

func TestDelayForLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  time.Duration
	}{
		{LevelOne, 0},
		{LevelTwo, 30 * time.Minute},
		{LevelThree, 120 * time.Minute},
	}
	for _, tt := range tests {
		if got := delayForLevel(tt.level); got != tt.want {
			t.Errorf("delayForLevel(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
