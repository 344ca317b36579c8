package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nyxstate/hybridauth/internal/breaker"
	"github.com/nyxstate/hybridauth/internal/engineerrors"
	"github.com/nyxstate/hybridauth/pkg/metrics"
)

// ColdRecord is the minimal view of a ColdStore document the Reconciler
// needs to decide whether to apply or skip a pending write.
type ColdRecord struct {
	Version      uint64
	FencingToken uint64
}

// ColdWriter is the subset of the ColdStore's contract the Reconciler
// depends on. Defined here, rather than imported from the coldstore
// package, so this package has no compile-time dependency on a specific
// ColdStore implementation; the engine wires a small adapter over the
// concrete ColdStore to satisfy it.
type ColdWriter interface {
	ConditionalPut(ctx context.Context, sessionID string, patch []byte, version uint64, fencingToken uint64) (applied bool, current *ColdRecord, err error)
}

// ReconcilerConfig controls drain concurrency, batch cadence, and retry
// policy.
type ReconcilerConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	MaxAttempts   int
	Retry         RetryConfig
}

// DefaultReconcilerConfig returns production-ready defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Concurrency:  8,
		PollInterval: 50 * time.Millisecond,
		MaxAttempts:  5,
		Retry:        DefaultRetryConfig(),
	}
}

func (c ReconcilerConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	return nil
}

// Reconciler drains the Outbox into the ColdStore, bounded-parallel across
// sessions, strictly ordered within each session. A pending write is never
// applied out of order because only a session's head entry is ever
// claimed (see Outbox.Claim).
type Reconciler struct {
	outbox  *Outbox
	cold    ColdWriter
	breaker *breaker.Breaker
	cfg     ReconcilerConfig
	logger  *slog.Logger
	metrics *metrics.OutboxMetrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewReconciler constructs a Reconciler. metrics may be nil in tests.
func NewReconciler(o *Outbox, cold ColdWriter, br *breaker.Breaker, cfg ReconcilerConfig, logger *slog.Logger, m *metrics.OutboxMetrics) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{outbox: o, cold: cold, breaker: br, cfg: cfg, logger: logger, metrics: m}, nil
}

// Start launches the drain loop in the background. Calling Start twice
// without an intervening Stop is a programmer error.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.done)
		r.loop(runCtx)
	}()
}

// Stop cancels the drain loop and waits up to timeout for it to exit.
func (r *Reconciler) Stop(timeout time.Duration) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("reconciler: stop timed out after %s", timeout)
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainOnce(ctx)
		}
	}
}

func (r *Reconciler) drainOnce(ctx context.Context) {
	entries, err := r.outbox.Claim(ctx, r.cfg.Concurrency)
	if err != nil {
		r.logger.Error("outbox claim failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			r.reconcileEntry(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) reconcileEntry(ctx context.Context, entry Entry) {
	start := time.Now()
	err := r.breaker.Call(ctx, func(ctx context.Context) error {
		applied, current, err := r.cold.ConditionalPut(ctx, entry.SessionID, entry.Patch, entry.Version, entry.FencingToken)
		if err != nil {
			return err
		}
		if !applied {
			if current != nil && current.Version >= entry.Version {
				// ColdStore already holds this version or newer: another
				// reconciliation pass (or a direct write) won the race.
				// Treat as success rather than retrying forever.
				return nil
			}
			return &engineerrors.VersionMismatchError{SessionID: entry.SessionID, Expected: entry.Version}
		}
		return nil
	})

	if r.metrics != nil {
		r.metrics.ReconcilerLatencySecs.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		if cerr := r.outbox.Complete(ctx, entry); cerr != nil {
			r.logger.Error("outbox complete failed", "session_id", entry.SessionID, "error", cerr)
			return
		}
		if r.metrics != nil {
			r.metrics.QueuePublishesTotal.Inc()
		}
		return
	}

	var openErr *engineerrors.CircuitOpenError
	if errors.As(err, &openErr) {
		// Breaker is open: keep the head entry claimed (still
		// "processing") for the rest of the breaker's cooldown so no
		// other drain pass picks it up, then put it back to pending so a
		// later drain pass claims and retries it.
		r.logger.Debug("reconciliation paused, coldstore breaker open", "session_id", entry.SessionID)
		if wait := time.Until(r.breaker.Stats().NextRetryAt); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
		entry.Status = StatusPending
		if serr := r.outbox.setHead(context.WithoutCancel(ctx), entry.SessionID, entry); serr != nil {
			r.logger.Error("outbox release after breaker-open failed", "session_id", entry.SessionID, "error", serr)
		}
		return
	}

	if r.metrics != nil {
		r.metrics.QueueFailuresTotal.Inc()
		r.metrics.ReconcilerFailuresTot.Inc()
	}

	transient := engineerrors.IsRetryable(err)
	if !ShouldRetry(transient, entry.Attempts, r.cfg.MaxAttempts) {
		if ferr := r.outbox.Fail(ctx, entry, err, entry.Attempts+1); ferr != nil {
			r.logger.Error("outbox fail (deadletter) failed", "session_id", entry.SessionID, "error", ferr)
		}
		return
	}

	backoff := CalculateBackoff(entry.Attempts, r.cfg.Retry)
	r.logger.Warn("reconciliation attempt failed, will retry", "session_id", entry.SessionID, "version", entry.Version, "attempt", entry.Attempts, "backoff", backoff, "error", err)
	if ferr := r.outbox.Fail(ctx, entry, err, r.cfg.MaxAttempts); ferr != nil {
		r.logger.Error("outbox fail (retry) failed", "session_id", entry.SessionID, "error", ferr)
	}
}
