package dispatcher

import (
	"strings"
	"testing"
	"time"

	"github.com/wisbric/securescan/pkg/target"
)

func TestBatchOf(t *testing.T) {
	targets := make([]target.Target, 7)
	batches := batchOf(targets, 3)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[1]) != 3 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batch sizes: %v", []int{len(batches[0]), len(batches[1]), len(batches[2])})
	}
}

func TestBatchOfEmpty(t *testing.T) {
	if batches := batchOf(nil, 5); batches != nil {
		t.Fatalf("expected nil batches for empty input, got %v", batches)
	}
}

func TestBatchOfZeroSizeDefaultsToOne(t *testing.T) {
	targets := make([]target.Target, 2)
	batches := batchOf(targets, 0)
	if len(batches) != 2 {
		t.Fatalf("expected one target per batch when size<=0, got %d batches", len(batches))
	}
}

func TestOutcomeState(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{ExitGovernorThrottle, "governor_throttle"},
		{ExitHealthCheckFailed, "precheck_skip"},
		{ExitLeaseHeldByOther, "precheck_skip"},
		{ExitUncaughtError, "error"},
	}
	for _, tt := range tests {
		if got := outcomeState(tt.code); got != tt.want {
			t.Errorf("outcomeState(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestStartingMetadataIncludesHostPidAndStartTime(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := startingMetadata(now)
	for _, want := range []string{"hostname", "pid", "start_time", "2026-01-02T03:04:05Z"} {
		if !strings.Contains(meta, want) {
			t.Errorf("metadata %q missing %q", meta, want)
		}
	}
}

func TestAdvisoryLockKeyDeterministicAndDistinct(t *testing.T) {
	a1 := advisoryLockKey("scheduler-primary")
	a2 := advisoryLockKey("scheduler-primary")
	if a1 != a2 {
		t.Fatalf("expected same lock name to hash to the same key, got %d and %d", a1, a2)
	}
	if advisoryLockKey("scheduler-secondary") == a1 {
		t.Fatalf("expected distinct lock names to hash to distinct keys")
	}
}
