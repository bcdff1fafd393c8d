package retry

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"Connection timed out", CategoryTimeout},
		{"dial tcp: connection refused", CategoryConnectionRefused},
		{"no such host", CategoryDNSError},
		{"404 Not Found", CategoryNotFound},
		{"403 Forbidden", CategoryForbidden},
		{"x509: certificate signed by unknown authority", CategorySSLError},
		{"500 Internal Server Error", CategoryServerError},
		{"something unexpected happened", CategoryUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.msg); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func defaultPolicy() Policy {
	return Policy{
		BaseDelay:        5 * time.Minute,
		MinDelay:         5 * time.Minute,
		MaxDelay:         240 * time.Minute,
		MaxRetriesPerDay: 5,
	}
}

func TestEvaluateNonRetryableGivesUp(t *testing.T) {
	p := defaultPolicy()
	_, decision := p.Evaluate("404 Not Found", 1)
	if !decision.GiveUp || !decision.MarkReview {
		t.Fatalf("expected GiveUp+MarkReview for not_found, got %+v", decision)
	}
}

func TestEvaluateExceedsDailyCapGivesUp(t *testing.T) {
	p := defaultPolicy()
	_, atCap := p.Evaluate("connection refused", p.MaxRetriesPerDay)
	if atCap.GiveUp {
		t.Fatalf("expected Retry, not GiveUp, while attemptsToday is within cap, got %+v", atCap)
	}
	_, overCap := p.Evaluate("connection refused", p.MaxRetriesPerDay+1)
	if !overCap.GiveUp {
		t.Fatalf("expected GiveUp once attemptsToday exceeds cap, got %+v", overCap)
	}
}

func TestEvaluateRetryableClampsDelay(t *testing.T) {
	p := defaultPolicy()
	for i := 0; i < 50; i++ {
		_, decision := p.Evaluate("connection refused", 1)
		if !decision.Retry {
			t.Fatalf("expected Retry=true, got %+v", decision)
		}
		delay := time.Until(decision.RetryAt)
		if delay < p.MinDelay-time.Second || delay > p.MaxDelay+time.Second {
			t.Fatalf("delay %v out of clamp range [%v,%v]", delay, p.MinDelay, p.MaxDelay)
		}
	}
}

func TestEvaluateDelayWithinExpectedRangePerAttempt(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Minute, MinDelay: 0, MaxDelay: 240 * time.Minute, MaxRetriesPerDay: 10}

	// server_error multiplier is 1.2; exponent is min(attempts-1, 4).
	cases := []struct {
		attemptsToday int
		exponent      int
	}{
		{1, 0},
		{3, 2},
		{10, 4}, // clamps at exponent 4 regardless of how high attempts goes
	}

	for _, c := range cases {
		base := 5 * time.Minute * time.Duration(pow(1.2, c.exponent)*1000) / 1000
		lowerBound := time.Duration(float64(base) * 0.79) // 0.8x jitter, small epsilon
		upperBound := time.Duration(float64(base) * 1.21) // 1.2x jitter, small epsilon

		before := time.Now()
		_, d := p.Evaluate("server error", c.attemptsToday)
		delay := d.RetryAt.Sub(before)

		if delay < lowerBound || delay > upperBound {
			t.Errorf("attemptsToday=%d: delay %v out of range [%v,%v]", c.attemptsToday, delay, lowerBound, upperBound)
		}
	}
}
