package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsUpToCapacity(t *testing.T) {
	cfg := DefaultConfig()
	// A brand-new bucket starts at 0.3x the limit (warmup), so 10/min
	// gives an effective capacity of 3.
	cfg.MaxMessagesPerMinute = 10
	cfg.JitterMax = 0
	rl, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.TryAcquire("sess-1", 1, false), "request %d should be allowed", i)
	}
	assert.False(t, rl.TryAcquire("sess-1", 1, false), "4th request should be throttled")
}

func TestRateLimiter_ColdContactMultiplierNarrowsCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessagesPerMinute = 10
	cfg.ColdContactMultiplier = 0.3
	rl, err := New(cfg)
	require.NoError(t, err)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.TryAcquire("sess-cold", 1, true) {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 3, "cold-contact sessions should be capped well below the base limit")
}

func TestRateLimiter_WarmupRampStartsAtPartialCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessagesPerMinute = 100
	cfg.WarmupDays = 7
	rl, err := New(cfg)
	require.NoError(t, err)

	// A brand-new bucket should be ramped to ~0.3x capacity, not 1.0x.
	remaining := rl.Remaining("sess-new", false)
	assert.InDelta(t, 30, remaining, 5)
}

func TestRateLimiter_AcquireBlocksThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessagesPerMinute = 200 // warmup starts at 0.3x: capacity 60, 1 token/sec refill
	cfg.JitterMax = 0
	rl, err := New(cfg)
	require.NoError(t, err)

	require.True(t, rl.TryAcquire("sess-1", 60, false))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err = rl.Acquire(ctx, "sess-1", 1, false)
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiter_AcquireRespectsCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessagesPerMinute = 4 // warmup starts at 0.3x: capacity 1.2, refill 0.02 tokens/sec, so effectively never refills within the test
	rl, err := New(cfg)
	require.NoError(t, err)

	require.True(t, rl.TryAcquire("sess-1", 1, false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = rl.Acquire(ctx, "sess-1", 1, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_SessionCount(t *testing.T) {
	rl, err := New(DefaultConfig())
	require.NoError(t, err)

	rl.TryAcquire("sess-1", 1, false)
	rl.TryAcquire("sess-2", 1, false)
	assert.Equal(t, 2, rl.SessionCount())
}
