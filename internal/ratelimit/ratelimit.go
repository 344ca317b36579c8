// Package ratelimit implements the per-session RateLimiter (spec §4.7,
// C8): a continuous-refill token bucket generalized from the teacher's
// fixed-window middleware limiter, with a cold-contact multiplier, a
// linear warmup ramp, post-acquire jitter, and LRU+TTL bucket eviction so
// idle sessions don't leak memory.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config controls bucket sizing, warmup, and eviction.
type Config struct {
	MaxMessagesPerMinute  float64
	ColdContactMultiplier float64
	WarmupDays            float64
	JitterMin             time.Duration
	JitterMax             time.Duration
	MaxSessions           int
	BucketTTL             time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerMinute:  60,
		ColdContactMultiplier: 0.33,
		WarmupDays:            7,
		JitterMin:             0,
		JitterMax:             50 * time.Millisecond,
		MaxSessions:           100_000,
		BucketTTL:             30 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.MaxMessagesPerMinute <= 0 {
		return fmt.Errorf("max_messages_per_minute must be positive")
	}
	if c.ColdContactMultiplier <= 0 || c.ColdContactMultiplier > 1 {
		return fmt.Errorf("cold_contact_multiplier must be in (0, 1]")
	}
	if c.WarmupDays <= 0 {
		return fmt.Errorf("warmup_days must be positive")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	if c.BucketTTL <= 0 {
		return fmt.Errorf("bucket_ttl must be positive")
	}
	return nil
}

type bucket struct {
	mu          sync.Mutex
	tokens      float64
	firstSeen   time.Time
	lastRefill  time.Time
}

// RateLimiter enforces a per-session token bucket. Buckets are created
// lazily on first use and evicted by the LRU once MaxSessions is exceeded
// or BucketTTL elapses since last touch.
type RateLimiter struct {
	cfg     Config
	buckets *expirable.LRU[string, *bucket]
}

// New constructs a RateLimiter.
func New(cfg Config) (*RateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *bucket](cfg.MaxSessions, nil, cfg.BucketTTL),
	}, nil
}

func (r *RateLimiter) getOrCreate(sessionID string) *bucket {
	if b, ok := r.buckets.Get(sessionID); ok {
		r.buckets.Add(sessionID, b) // re-adding restarts the entry's TTL
		return b
	}
	now := time.Now()
	b := &bucket{tokens: r.cfg.MaxMessagesPerMinute, firstSeen: now, lastRefill: now}
	r.buckets.Add(sessionID, b)
	return b
}

// warmupFactor ramps linearly from 0.3 to 1.0 over cfg.WarmupDays since a
// session's first observed request.
func (r *RateLimiter) warmupFactor(firstSeen time.Time) float64 {
	elapsedDays := time.Since(firstSeen).Hours() / 24
	if elapsedDays >= r.cfg.WarmupDays {
		return 1.0
	}
	return 0.3 + 0.7*(elapsedDays/r.cfg.WarmupDays)
}

func (r *RateLimiter) effectiveCapacity(b *bucket, coldContact bool) float64 {
	capacity := r.cfg.MaxMessagesPerMinute * r.warmupFactor(b.firstSeen)
	if coldContact {
		capacity *= r.cfg.ColdContactMultiplier
	}
	return capacity
}

func (b *bucket) refill(capacity, refillPerSec float64, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * refillPerSec
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now
}

// TryAcquire attempts to consume n tokens for sessionID without blocking.
// coldContact narrows the bucket's effective capacity (spec §4.7's
// cold-contact multiplier) for sessions that have not yet built up trust.
func (r *RateLimiter) TryAcquire(sessionID string, n float64, coldContact bool) bool {
	b := r.getOrCreate(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := r.effectiveCapacity(b, coldContact)
	refillPerSec := capacity / 60
	b.refill(capacity, refillPerSec, time.Now())

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Acquire blocks until n tokens are available for sessionID, applying a
// uniform jitter delay in [JitterMin, JitterMax) after a successful
// acquisition so bursts of releases don't retry in lockstep. It returns
// ctx.Err() if ctx is cancelled first.
func (r *RateLimiter) Acquire(ctx context.Context, sessionID string, n float64, coldContact bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.TryAcquire(sessionID, n, coldContact) {
			return r.jitterSleep(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RateLimiter) jitterSleep(ctx context.Context) error {
	span := r.cfg.JitterMax - r.cfg.JitterMin
	delay := r.cfg.JitterMin
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remaining reports the current token count for sessionID without
// consuming any, for diagnostics.
func (r *RateLimiter) Remaining(sessionID string, coldContact bool) float64 {
	b := r.getOrCreate(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := r.effectiveCapacity(b, coldContact)
	refillPerSec := capacity / 60
	b.refill(capacity, refillPerSec, time.Now())
	return b.tokens
}

// Capacity reports sessionID's current effective bucket capacity (after
// warmup ramp and cold-contact multiplier), for diagnostics.
func (r *RateLimiter) Capacity(sessionID string, coldContact bool) float64 {
	b := r.getOrCreate(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.effectiveCapacity(b, coldContact)
}

// SessionCount reports how many sessions currently have a live bucket.
func (r *RateLimiter) SessionCount() int {
	return r.buckets.Len()
}

// SessionIDs returns every session currently holding a live bucket, for
// diagnostics enumeration (spec §4.9's DiagnosticEngine needs to find
// sessions a rate-limit check alone has flagged, even ones the
// ConnectionTracker has no activity recorded for).
func (r *RateLimiter) SessionIDs() []string {
	return r.buckets.Keys()
}
