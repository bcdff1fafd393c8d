package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/wisbric/securescan/internal/telemetry"
)

// ExecConfig controls how Executor drives a single Probe invocation.
type ExecConfig struct {
	Timeout      time.Duration
	RetryCount   int
	InvertResult bool
	// ProbeConfig is passed through to Probe.Run verbatim.
	ProbeConfig map[string]any
}

// Executor wraps a Probe with a total timeout, an in-run retry loop with
// exponential backoff (2^(attempt-1) seconds, capped at 10s), and an
// optional invert-result flag for checks whose pass/fail sense is
// configured backwards (e.g. "must NOT expose header X").
type Executor struct {
	// Cache optionally memoizes recent results for a (probe, url) pair
	// within a single dispatcher run, to avoid re-running an expensive
	// probe against the same URL twice in one batch. Non-critical:
	// enrichment only, never the source of truth.
	Cache *ResultCache
}

// NewExecutor creates an Executor, optionally with a memoization cache.
func NewExecutor(cache *ResultCache) *Executor {
	return &Executor{Cache: cache}
}

// Run executes p against targetURL, retrying up to cfg.RetryCount times on
// a failed/errored/timed-out result, and applies InvertResult before the
// result is returned for persistence.
func (e *Executor) Run(ctx context.Context, p Probe, targetURL string, cfg ExecConfig) Result {
	start := time.Now()

	if e.Cache != nil {
		if cached, ok := e.Cache.Get(p.Name(), targetURL); ok {
			return cached
		}
	}

	var result Result
	attempts := cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result = e.runOnce(ctx, p, targetURL, cfg)

		if result.Status == StatusPassed || result.Status == StatusSkipped {
			break
		}
		if attempt == attempts {
			break
		}

		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			result = Result{Status: StatusTimeout, Message: "context cancelled during retry backoff", Duration: time.Since(start)}
			return result
		case <-time.After(backoff):
		}
	}

	if cfg.InvertResult {
		result = invert(result)
	}

	outcome := string(result.Status)
	if result.Status == StatusFailed && cfg.InvertResult {
		outcome = "failed_inverted"
	}
	telemetry.ProbeOutcomesTotal.WithLabelValues(p.Name(), outcome).Inc()
	telemetry.ProbeDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	if e.Cache != nil {
		e.Cache.Set(p.Name(), targetURL, result)
	}

	return result
}

func (e *Executor) runOnce(ctx context.Context, p Probe, targetURL string, cfg ExecConfig) (result Result) {
	deadline := cfg.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusError, Message: fmt.Sprintf("probe panicked: %v", r)}
			}
		}()
		done <- p.Run(runCtx, targetURL, cfg.ProbeConfig, deadline)
	}()

	select {
	case <-runCtx.Done():
		return Result{Status: StatusTimeout, Message: "probe deadline exceeded", Duration: deadline}
	case r := <-done:
		return r
	}
}

func invert(r Result) Result {
	switch r.Status {
	case StatusPassed:
		r.Status = StatusFailed
	case StatusFailed:
		r.Status = StatusPassed
	}
	return r
}

// ResultCache memoizes probe results for the lifetime of a single
// dispatcher run, keyed by probe name + URL. Backed by badger so it
// survives process restarts mid-run without needing its own server; this
// is purely an optimization, never consulted for correctness.
type ResultCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewResultCache opens (or creates) a badger database at dir.
func NewResultCache(dir string, ttl time.Duration) (*ResultCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening probe result cache: %w", err)
	}
	return &ResultCache{db: db, ttl: ttl}, nil
}

// Close releases the underlying badger database.
func (c *ResultCache) Close() error {
	return c.db.Close()
}

type cachedResult struct {
	Status   Status         `json:"status"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence"`
	Duration time.Duration  `json:"duration"`
}

func (c *ResultCache) key(probeName, url string) []byte {
	return []byte(probeName + "\x00" + url)
}

// Get returns a memoized result, if present and unexpired.
func (c *ResultCache) Get(probeName, url string) (Result, bool) {
	var cr cachedResult
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(probeName, url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cr)
		})
	})
	if err != nil {
		return Result{}, false
	}
	return Result(cr), true
}

// Set stores a result with the cache's configured TTL.
func (c *ResultCache) Set(probeName, url string, r Result) {
	payload, err := json.Marshal(cachedResult(r))
	if err != nil {
		return
	}
	_ = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(c.key(probeName, url), payload)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
}
