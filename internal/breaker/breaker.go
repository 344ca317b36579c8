// Package breaker implements the ColdStore circuit breaker (spec §4.4):
// three states (closed/open/half-open), a sliding-window failure-rate
// threshold plus a fast consecutive-failures path, and a cooldown-gated
// single half-open trial call.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
	"github.com/nyxstate/hybridauth/pkg/metrics"
)

// State represents the circuit breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type callResult struct {
	timestamp time.Time
	success   bool
	duration  time.Duration
}

// Config controls the breaker's thresholds and timing. It follows the
// plain struct-with-Validate() idiom used throughout this module instead
// of an env/viper-sourced config, since the engine is handed a fully
// populated Config value rather than loading its own configuration.
type Config struct {
	MaxFailures      int
	ResetTimeout     time.Duration
	FailureThreshold float64
	TimeWindow       time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		ResetTimeout:     30 * time.Second,
		FailureThreshold: 0.5,
		TimeWindow:       60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("max_failures must be positive")
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset_timeout must be positive")
	}
	if c.FailureThreshold < 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("failure_threshold must be between 0 and 1")
	}
	if c.TimeWindow <= 0 {
		return fmt.Errorf("time_window must be positive")
	}
	if c.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("half_open_max_calls must be positive")
	}
	return nil
}

// Breaker guards calls to the ColdStore. Only ColdStore calls are wrapped
// (spec §4.4); HotStore failures never pass through a breaker.
type Breaker struct {
	cfg Config

	mu                   sync.RWMutex
	state                State
	failureCount         int
	successCount         int
	consecutiveFailures  int
	consecutiveSuccesses int
	lastStateChange      time.Time
	lastFailure          time.Time
	lastSuccess          time.Time
	halfOpenCalls        int
	callResults          []callResult

	logger  *slog.Logger
	metrics *metrics.BreakerMetrics
}

// New constructs a Breaker. metrics may be nil in tests that don't care
// about observability.
func New(cfg Config, logger *slog.Logger, m *metrics.BreakerMetrics) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
		callResults:     make([]callResult, 0, 100),
		logger:          logger,
		metrics:         m,
	}, nil
}

// Call executes operation if the breaker allows it, recording the result
// against the state machine. Returns an *engineerrors.CircuitOpenError
// without invoking operation when the breaker is open.
func (b *Breaker) Call(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	start := time.Now()
	err := operation(ctx)
	b.afterCall(err, time.Since(start))
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastStateChange) >= b.cfg.ResetTimeout {
			b.transitionToHalfOpenUnsafe()
			b.halfOpenCalls++
			return nil
		}
		b.logger.Debug("breaker open, call rejected", "since", time.Since(b.lastStateChange))
		return &engineerrors.CircuitOpenError{Tier: engineerrors.TierCold}

	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return &engineerrors.CircuitOpenError{Tier: engineerrors.TierCold}
		}
		b.halfOpenCalls++
		return nil

	default:
		return nil
	}
}

func (b *Breaker) afterCall(err error, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isSuccess := err == nil
	now := time.Now()
	b.callResults = append(b.callResults, callResult{timestamp: now, success: isSuccess, duration: duration})
	b.cleanOldResultsUnsafe()

	if isSuccess {
		b.successCount++
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		b.lastSuccess = now
	} else {
		b.failureCount++
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		b.lastFailure = now
		b.logger.Warn("coldstore call failed", "error", err, "consecutive_failures", b.consecutiveFailures)
	}

	switch b.state {
	case StateClosed:
		if b.shouldOpenUnsafe() {
			b.transitionToOpenUnsafe()
		}
	case StateHalfOpen:
		if isSuccess {
			b.transitionToClosedUnsafe()
		} else {
			b.transitionToOpenUnsafe()
		}
	}
}

func (b *Breaker) shouldOpenUnsafe() bool {
	if len(b.callResults) < b.cfg.MaxFailures {
		return false
	}
	if b.consecutiveFailures >= b.cfg.MaxFailures {
		return true
	}
	failures := 0
	for _, r := range b.callResults {
		if !r.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.callResults))
	return rate >= b.cfg.FailureThreshold
}

func (b *Breaker) transitionToOpenUnsafe() {
	b.state = StateOpen
	b.lastStateChange = time.Now()
	b.halfOpenCalls = 0
	b.logger.Warn("breaker opened", "consecutive_failures", b.consecutiveFailures)
	if b.metrics != nil {
		b.metrics.OpenTotal.Inc()
	}
}

func (b *Breaker) transitionToHalfOpenUnsafe() {
	b.state = StateHalfOpen
	b.lastStateChange = time.Now()
	b.halfOpenCalls = 0
	b.logger.Info("breaker half-open", "since_last_failure", time.Since(b.lastFailure))
	if b.metrics != nil {
		b.metrics.HalfOpenTotal.Inc()
	}
}

func (b *Breaker) transitionToClosedUnsafe() {
	b.state = StateClosed
	b.lastStateChange = time.Now()
	b.halfOpenCalls = 0
	b.failureCount = 0
	b.consecutiveFailures = 0
	b.callResults = make([]callResult, 0, 100)
	b.logger.Info("breaker closed")
	if b.metrics != nil {
		b.metrics.CloseTotal.Inc()
	}
}

func (b *Breaker) cleanOldResultsUnsafe() {
	cutoff := time.Now().Add(-b.cfg.TimeWindow)
	firstValid := len(b.callResults)
	for i, r := range b.callResults {
		if r.timestamp.After(cutoff) {
			firstValid = i
			break
		}
	}
	if firstValid > 0 {
		b.callResults = b.callResults[firstValid:]
	}
}

// State returns the current state (thread-safe). Part of the public
// IsOpen()/Stats() observability surface from spec §4.4.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether calls are currently being short-circuited.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Stats summarizes breaker counters for diagnostics/monitoring.
type Stats struct {
	State                State
	FailureCount         int
	SuccessCount         int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailure          time.Time
	LastSuccess          time.Time
	LastStateChange      time.Time
	NextRetryAt          time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var nextRetry time.Time
	if b.state == StateOpen {
		nextRetry = b.lastStateChange.Add(b.cfg.ResetTimeout)
	}
	return Stats{
		State:                b.state,
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
		LastStateChange:      b.lastStateChange,
		NextRetryAt:          nextRetry,
	}
}

// Reset forces the breaker back to closed (operator intervention / tests).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenCalls = 0
	b.callResults = make([]callResult, 0, 100)
	b.lastStateChange = time.Now()
}
