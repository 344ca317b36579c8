package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
)

func TestNew_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantErr     bool
		errContains string
	}{
		{name: "valid_config", cfg: DefaultConfig()},
		{
			name:        "zero_max_failures",
			cfg:         Config{MaxFailures: 0, ResetTimeout: time.Second, FailureThreshold: 0.5, TimeWindow: time.Second, HalfOpenMaxCalls: 1},
			wantErr:     true,
			errContains: "max_failures",
		},
		{
			name:        "failure_threshold_over_one",
			cfg:         Config{MaxFailures: 1, ResetTimeout: time.Second, FailureThreshold: 1.1, TimeWindow: time.Second, HalfOpenMaxCalls: 1},
			wantErr:     true,
			errContains: "failure_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg, nil, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, b)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, b)
			assert.Equal(t, StateClosed, b.State())
		})
	}
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	cfg := Config{MaxFailures: 3, ResetTimeout: 50 * time.Millisecond, FailureThreshold: 0.99, TimeWindow: time.Minute, HalfOpenMaxCalls: 1}
	b, err := New(cfg, nil, nil)
	require.NoError(t, err)

	boom := errors.New("coldstore unreachable")
	for i := 0; i < 3; i++ {
		err := b.Call(context.Background(), func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.True(t, b.IsOpen())

	var openErr *engineerrors.CircuitOpenError
	err = b.Call(context.Background(), func(ctx context.Context) error {
		t.Fatal("operation must not run while breaker is open")
		return nil
	})
	require.ErrorAs(t, err, &openErr)
}

func TestBreaker_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	cfg := Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, FailureThreshold: 0.99, TimeWindow: time.Minute, HalfOpenMaxCalls: 1}
	b, err := New(cfg, nil, nil)
	require.NoError(t, err)

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.True(t, b.IsOpen())

	time.Sleep(20 * time.Millisecond)

	err = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenTrialReopensOnFailure(t *testing.T) {
	cfg := Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, FailureThreshold: 0.99, TimeWindow: time.Minute, HalfOpenMaxCalls: 1}
	b, err := New(cfg, nil, nil)
	require.NoError(t, err)

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	time.Sleep(20 * time.Millisecond)

	err = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("still failing") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b, err := New(Config{MaxFailures: 1, ResetTimeout: time.Minute, FailureThreshold: 0.99, TimeWindow: time.Minute, HalfOpenMaxCalls: 1}, nil, nil)
	require.NoError(t, err)

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.True(t, b.IsOpen())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	stats := b.Stats()
	assert.Zero(t, stats.FailureCount)
}
