package probe

import (
	"context"
	"testing"
	"time"
)

type fakeProbe struct {
	name    string
	results []Result
	calls   int
}

func (f *fakeProbe) Name() string { return f.name }

func (f *fakeProbe) Run(ctx context.Context, url string, cfg map[string]any, deadline time.Duration) Result {
	r := f.results[f.calls]
	if f.calls < len(f.results)-1 {
		f.calls++
	}
	return r
}

func TestExecutorRetriesUntilPass(t *testing.T) {
	p := &fakeProbe{
		name: "ssl_certificate",
		results: []Result{
			{Status: StatusFailed, Message: "first attempt fails"},
			{Status: StatusPassed, Message: "second attempt passes"},
		},
	}
	e := NewExecutor(nil)
	result := e.Run(context.Background(), p, "https://a.example", ExecConfig{Timeout: time.Second, RetryCount: 2})
	if result.Status != StatusPassed {
		t.Fatalf("expected StatusPassed after retry, got %v", result.Status)
	}
}

func TestExecutorInvertResult(t *testing.T) {
	p := &fakeProbe{name: "headers", results: []Result{{Status: StatusPassed}}}
	e := NewExecutor(nil)
	result := e.Run(context.Background(), p, "https://a.example", ExecConfig{Timeout: time.Second, InvertResult: true})
	if result.Status != StatusFailed {
		t.Fatalf("expected inverted StatusFailed, got %v", result.Status)
	}
}

func TestExecutorTimeout(t *testing.T) {
	p := &blockingProbe{}
	e := NewExecutor(nil)
	result := e.Run(context.Background(), p, "https://a.example", ExecConfig{Timeout: 10 * time.Millisecond})
	if result.Status != StatusTimeout {
		t.Fatalf("expected StatusTimeout, got %v", result.Status)
	}
}

type blockingProbe struct{}

func (blockingProbe) Name() string { return "blocking" }
func (blockingProbe) Run(ctx context.Context, url string, cfg map[string]any, deadline time.Duration) Result {
	<-ctx.Done()
	return Result{Status: StatusError}
}
