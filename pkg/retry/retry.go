// Package retry classifies probe/target failures into error categories and
// computes either a jittered next-attempt instant or a terminal give-up
// decision. The algorithm is fully specified; the small-pure-function style
// (category table, pure delay formula) favors small pure functions over a
// stateful decision object.
package retry

import (
	"math/rand/v2"
	"strings"
	"time"
)

// Category is the classification of a failure's error string.
type Category string

const (
	CategoryTimeout           Category = "timeout"
	CategoryConnectionRefused Category = "connection_refused"
	CategoryDNSError          Category = "dns_error"
	CategoryNotFound          Category = "not_found"
	CategoryServerError       Category = "server_error"
	CategoryForbidden         Category = "forbidden"
	CategorySSLError          Category = "ssl_error"
	CategoryUnknown           Category = "unknown"
)

// multipliers is the per-category retry multiplier used in the delay
// formula. Order of classification matters more than this map's order;
// Go map iteration order is irrelevant here since lookups are by key.
var multipliers = map[Category]float64{
	CategoryTimeout:           1.5,
	CategoryConnectionRefused: 2.0,
	CategoryServerError:       1.2,
	CategoryDNSError:          3.0,
	CategorySSLError:          2.5,
	CategoryUnknown:           1.5,
}

// nonRetryable categories never schedule a retry; the target goes straight
// to give-up accounting.
var nonRetryable = map[Category]bool{
	CategoryNotFound:  true,
	CategoryForbidden: true,
}

// classificationOrder fixes the substring-match priority: more specific
// categories are checked before "server_error", which would otherwise
// swallow broader 5xx-flavored messages.
var classificationOrder = []struct {
	category Category
	needles  []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryConnectionRefused, []string{"connection refused", "econnrefused"}},
	{CategoryDNSError, []string{"dns", "no such host", "name resolution"}},
	{CategoryNotFound, []string{"not found", "404"}},
	{CategoryForbidden, []string{"forbidden", "403", "unauthorized", "401"}},
	{CategorySSLError, []string{"ssl", "tls", "certificate", "x509"}},
	{CategoryServerError, []string{"server error", "500", "502", "503", "504"}},
}

// Classify maps an error string into a Category by case-insensitive
// substring match, in the fixed priority order above.
func Classify(errMsg string) Category {
	lower := strings.ToLower(errMsg)
	for _, c := range classificationOrder {
		for _, needle := range c.needles {
			if strings.Contains(lower, needle) {
				return c.category
			}
		}
	}
	return CategoryUnknown
}

// Decision is the outcome of evaluating a Policy against a failure: either
// a concrete RetryAt instant, or a terminal GiveUp.
type Decision struct {
	Retry      bool
	RetryAt    time.Time
	GiveUp     bool
	MarkReview bool
}

// Policy holds the configurable parameters of the retry formula.
type Policy struct {
	BaseDelay        time.Duration
	MinDelay         time.Duration
	MaxDelay         time.Duration
	MaxRetriesPerDay int
}

// Evaluate decides whether target should be retried given its error
// message, the number of attempts already made today (including the one
// that just failed), and the configured caps. category is returned
// alongside the decision so callers can record last_error_category.
func (p Policy) Evaluate(errMsg string, attemptsToday int) (Category, Decision) {
	category := Classify(errMsg)

	if nonRetryable[category] {
		return category, Decision{GiveUp: true, MarkReview: true}
	}
	// MaxRetriesPerDay attempts are allowed before giving up, so give-up
	// fires once attemptsToday exceeds it — e.g. MaxRetriesPerDay=3 gives up
	// after the 4th consecutive failure, matching the target-level
	// consecutive_failures >= max_retries invariant.
	if attemptsToday > p.MaxRetriesPerDay {
		return category, Decision{GiveUp: true, MarkReview: true}
	}

	mult := multipliers[category]
	if mult == 0 {
		mult = multipliers[CategoryUnknown]
	}

	exp := attemptsToday - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 4 {
		exp = 4
	}

	delay := float64(p.BaseDelay) * pow(mult, exp)

	// ±20% uniform jitter.
	jitterFactor := 0.8 + rand.Float64()*0.4
	delay *= jitterFactor

	d := time.Duration(delay)
	if d < p.MinDelay {
		d = p.MinDelay
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	return category, Decision{Retry: true, RetryAt: time.Now().Add(d)}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
