package outbox

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig sets the backoff the Reconciler computes for a failed
// attempt at an entry. The formula (base * 2^attempt, capped, plus jitter)
// mirrors the publishing queue's retry calculation from this module's
// lineage, generalized to a single ColdStore sink instead of per-target
// publishers. The Reconciler logs this delay but does not wait for it: a
// failed entry goes back to pending and is retried on the next poll.
type RetryConfig struct {
	BaseInterval time.Duration
	MaxBackoff   time.Duration
	JitterMax    time.Duration
}

// DefaultRetryConfig returns production-ready defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseInterval: 100 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
		JitterMax:    time.Second,
	}
}

// CalculateBackoff returns the delay to wait before retrying attempt
// (0-indexed): min(base * 2^attempt, maxBackoff) plus uniform jitter in
// [0, JitterMax).
func CalculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.BaseInterval) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	d := time.Duration(backoff)
	if cfg.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(cfg.JitterMax)))
	}
	return d
}

// ShouldRetry reports whether a failed attempt should be retried: never
// once maxAttempts is reached, and never for a classified-permanent error.
func ShouldRetry(transient bool, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	return transient
}
