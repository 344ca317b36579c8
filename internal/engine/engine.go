// Package engine implements the HybridEngine (spec §4.6, C7): the
// orchestrator that ties the Codec, HotStore, ColdStore, Outbox,
// Reconciler, CircuitBreaker, RateLimiter, ConnectionTracker, and
// DiagnosticEngine together into a single read-through/write-behind
// session store. Its Connect/Disconnect lifecycle follows the
// ctx/cancel/sync.WaitGroup shape used throughout the rest of this
// module's background workers (the Reconciler's own Start/Stop, in turn
// grounded on the same pattern in HyperCache's persistence engine).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nyxstate/hybridauth/internal/breaker"
	"github.com/nyxstate/hybridauth/internal/codec"
	"github.com/nyxstate/hybridauth/internal/coldstore"
	"github.com/nyxstate/hybridauth/internal/conntrack"
	"github.com/nyxstate/hybridauth/internal/diagnostics"
	"github.com/nyxstate/hybridauth/internal/engineerrors"
	"github.com/nyxstate/hybridauth/internal/hotstore"
	"github.com/nyxstate/hybridauth/internal/outbox"
	"github.com/nyxstate/hybridauth/internal/ratelimit"
	"github.com/nyxstate/hybridauth/pkg/logger"
	"github.com/nyxstate/hybridauth/pkg/metrics"
)

// VersionedResult is the outcome of a successful Set.
type VersionedResult struct {
	Version   uint64
	UpdatedAt time.Time
	Success   bool
}

// VersionedSnapshot is Get's result: a Snapshot plus its version and
// last-write timestamp.
type VersionedSnapshot struct {
	Snapshot  Snapshot
	Version   uint64
	UpdatedAt time.Time
}

// Engine wires together every component in the hybrid storage engine. It
// is the only type application code constructs directly; everything else
// in this module is reached through it.
type Engine struct {
	cfg Config

	hot    *hotstore.HotStore
	cold   *coldstore.ColdStore
	box    *outbox.Outbox
	recon  *outbox.Reconciler
	brk    *breaker.Breaker
	cdc    *codec.Codec
	limiter *ratelimit.RateLimiter
	tracker *conntrack.Tracker
	diag   *diagnostics.DiagnosticEngine

	locks *sessionLocks
	sf    singleflight.Group

	metrics *metrics.EngineMetrics
	logger  *slog.Logger

	connected bool
}

// Dependencies bundles already-constructed lower-level components so
// Connect doesn't have to own every connection string; callers that want
// full control over HotStore/ColdStore construction (custom TLS, auth,
// etc.) build them first and hand them in here.
type Dependencies struct {
	Hot    *hotstore.HotStore
	Cold   *coldstore.ColdStore
	Outbox *outbox.Outbox
	Logger *slog.Logger
	Metrics *metrics.EngineMetrics
}

// New constructs an Engine around already-connected HotStore/ColdStore
// handles. It starts no background work: Connect starts the outbox
// reconciler and Disconnect stops it.
func New(ctx context.Context, cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cdc, err := codec.New(cfg.codecConfig())
	if err != nil {
		return nil, fmt.Errorf("engine: codec: %w", err)
	}

	brk, err := breaker.New(cfg.Breaker, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: breaker: %w", err)
	}

	box := deps.Outbox
	if box == nil {
		// The Outbox lives in the HotStore's tier (spec §4.5): share its
		// Redis connection pool rather than opening a second one against
		// what is, in the common case, the same Redis instance. Callers
		// who genuinely want the Outbox on a separate instance/database
		// still can, by constructing one themselves and passing it via
		// Dependencies.Outbox.
		box = outbox.NewFromClient(deps.Hot.Client(), outbox.DefaultConfig(), logger)
	}

	recon, err := outbox.NewReconciler(box, &reconcilerColdWriter{cold: deps.Cold}, brk, cfg.Reconciler, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: reconciler: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimit.toRatelimitConfig())
	if err != nil {
		return nil, fmt.Errorf("engine: ratelimit: %w", err)
	}

	tracker, err := conntrack.New(cfg.Monitoring.toConntrackConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("engine: conntrack: %w", err)
	}

	diag := diagnostics.NewFromComponents(
		diagnostics.NewRotationMonitor(diagnostics.RotationConfig{
			ThresholdPerMinute: cfg.Monitoring.RotationThresholdPerMinute,
			Window:             time.Minute,
		}),
		tracker,
		limiter,
	)

	locks, err := newSessionLocks(cfg.MutexMapSize)
	if err != nil {
		return nil, fmt.Errorf("engine: session locks: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		hot:     deps.Hot,
		cold:    deps.Cold,
		box:     box,
		recon:   recon,
		brk:     brk,
		cdc:     cdc,
		limiter: limiter,
		tracker: tracker,
		diag:    diag,
		locks:   locks,
		metrics: deps.Metrics,
		logger:  logger,
	}
	return e, nil
}

// Connect wires all components and starts the Reconciler worker. It is
// separate from New so construction (which can fail on bad config) and
// the decision to begin background work are independent steps.
func (e *Engine) Connect(ctx context.Context) error {
	if e.connected {
		return fmt.Errorf("engine: already connected")
	}
	e.recon.Start(ctx)
	e.connected = true
	return nil
}

// Disconnect signals the Reconciler to stop, waits up to gracePeriod for
// it to drain in-flight work, then closes the HotStore and ColdStore
// handles.
func (e *Engine) Disconnect(gracePeriod time.Duration) error {
	if !e.connected {
		return nil
	}
	e.connected = false

	var errs []error
	if err := e.recon.Stop(gracePeriod); err != nil {
		errs = append(errs, err)
	}
	if err := e.hot.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.cold.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) key(sessionID string) string {
	return fmt.Sprintf("%s:%s", e.cfg.KeyPrefix, sessionID)
}

func (e *Engine) observeLatency(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OperationLatencySecs.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Get performs the read-through path: HotStore first, then (breaker
// permitting) a singleflight-coalesced ColdStore fallback that repopulates
// the HotStore. Returns (nil, nil) for an unknown or breaker-
// skipped session, never an error for that case (spec §8: "unknown
// session Get returns null, not an error").
func (e *Engine) Get(ctx context.Context, sessionID string) (*VersionedSnapshot, error) {
	defer e.observeLatency("get", time.Now())

	blob, meta, err := e.hot.Get(ctx, e.key(sessionID))
	if err == nil {
		if e.metrics != nil {
			e.metrics.HotHitsTotal.Inc()
		}
		snap, derr := e.decode(blob)
		if derr != nil {
			return nil, derr
		}
		return &VersionedSnapshot{Snapshot: snap, Version: meta.Version, UpdatedAt: meta.UpdatedAt}, nil
	}
	if !errors.Is(err, hotstore.ErrMiss) {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.HotMissesTotal.Inc()
	}

	if e.brk.IsOpen() {
		return nil, nil
	}

	result, sfErr, _ := e.sf.Do(sessionID, func() (interface{}, error) {
		return e.coldFallback(ctx, sessionID)
	})
	if sfErr != nil {
		var openErr *engineerrors.CircuitOpenError
		if errors.As(sfErr, &openErr) || errors.Is(sfErr, coldstore.ErrNotFound) {
			return nil, nil
		}
		return nil, sfErr
	}
	if result == nil {
		return nil, nil
	}
	return result.(*VersionedSnapshot), nil
}

// coldFallback is the singleflight-wrapped body of a cold read: on a hit
// it repopulates the HotStore so the next read is satisfied locally.
func (e *Engine) coldFallback(ctx context.Context, sessionID string) (*VersionedSnapshot, error) {
	var rec coldstore.Record
	var notFound bool
	err := e.brk.Call(ctx, func(ctx context.Context) error {
		var cerr error
		rec, cerr = e.cold.Get(ctx, sessionID)
		if errors.Is(cerr, coldstore.ErrNotFound) {
			// A miss is not a ColdStore failure; don't count it against
			// the breaker.
			notFound = true
			return nil
		}
		return cerr
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, coldstore.ErrNotFound
	}

	if e.metrics != nil {
		e.metrics.ColdFallbacksTotal.Inc()
	}

	snap, err := e.decode(rec.Blob)
	if err != nil {
		return nil, err
	}

	meta := hotstore.Metadata{Version: rec.Version, FencingToken: rec.FencingToken, UpdatedAt: rec.UpdatedAt}
	if err := e.hot.Put(ctx, e.key(sessionID), rec.Blob, meta, e.cfg.TTL.DefaultTTL); err != nil {
		logger.FromContext(ctx, e.logger).Warn("cold fallback hot repopulate failed", "session_id", sessionID, "error", err)
	}

	return &VersionedSnapshot{Snapshot: snap, Version: rec.Version, UpdatedAt: rec.UpdatedAt}, nil
}

func (e *Engine) decode(blob []byte) (Snapshot, error) {
	plain, err := e.cdc.Decode(blob)
	if err != nil {
		return Snapshot{}, err
	}
	return unmarshalSnapshot(plain)
}

func (e *Engine) encode(s Snapshot) ([]byte, error) {
	plain, err := marshalSnapshot(s)
	if err != nil {
		return nil, err
	}
	return e.cdc.Encode(plain)
}

// Set performs the coordinated write path under a per-session mutex:
// load-check-merge-encode-commit-enqueue, per spec §4.6.
func (e *Engine) Set(ctx context.Context, sessionID string, patch Patch, expectedVersion *uint64, fencingToken *uint64) (VersionedResult, error) {
	defer e.observeLatency("set", time.Now())
	log := logger.FromContext(ctx, e.logger)

	mu := e.locks.mutexFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	current, meta, err := e.loadCurrent(ctx, sessionID)
	if err != nil {
		return VersionedResult{}, err
	}

	if expectedVersion != nil && *expectedVersion != meta.Version {
		return VersionedResult{}, &engineerrors.VersionMismatchError{SessionID: sessionID, Expected: *expectedVersion, Actual: meta.Version}
	}
	if fencingToken != nil && *fencingToken < meta.FencingToken {
		return VersionedResult{}, &engineerrors.FencingTokenStaleError{SessionID: sessionID, Recorded: meta.FencingToken, Received: *fencingToken}
	}

	merged := Merge(current, patch)
	newVersion := meta.Version + 1
	newFencing := meta.FencingToken
	if fencingToken != nil {
		newFencing = *fencingToken
	}
	now := time.Now()

	blob, err := e.encode(merged)
	if err != nil {
		return VersionedResult{}, err
	}

	newMeta := hotstore.Metadata{Version: newVersion, FencingToken: newFencing, UpdatedAt: now}
	if err := e.hot.Put(ctx, e.key(sessionID), blob, newMeta, e.cfg.TTL.DefaultTTL); err != nil {
		return VersionedResult{}, err
	}

	entry := outbox.Entry{
		ID:        fmt.Sprintf("%s:%d", sessionID, newVersion),
		SessionID: sessionID,
		Patch:     blob,
		Version:   newVersion,
		FencingToken: newFencing,
		Status:    outbox.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if !e.cfg.WriteBehind.EnableWriteBehind {
		res, cerr := e.cold.ConditionalPut(ctx, sessionID, blob, newVersion, newFencing)
		if cerr == nil && res.Applied {
			entry.Status = outbox.StatusCompleted
			completedAt := now
			entry.CompletedAt = &completedAt
			if e.metrics != nil {
				e.metrics.DirectWritesTotal.Inc()
			}
		} else if cerr != nil {
			log.Warn("synchronous coldstore write failed, falling back to write-behind", "session_id", sessionID, "error", cerr)
		}
	}

	if err := e.box.Enqueue(ctx, entry); err != nil {
		log.Error("outbox enqueue failed", "session_id", sessionID, "error", err)
	}

	return VersionedResult{Version: newVersion, UpdatedAt: now, Success: true}, nil
}

// loadCurrent resolves the current Snapshot and metadata for sessionID,
// consulting ColdStore on a HotStore miss without going through the
// breaker-skip-returns-null path Get uses: a Set/Delete on a HotStore
// miss must still be able to tell a genuinely new session (ColdStore
// returns coldstore.ErrNotFound → version 0) apart from an existing one
// it just can't reach right now (any other ColdStore error; this read is
// not routed through the breaker). Collapsing the latter into "no record" would let a
// write recompute newVersion from 0 and stomp a HotStore write over a
// higher ColdStore version the instant the tier becomes reachable again,
// so any non-ErrNotFound failure is propagated instead, the same
// distinction coldFallback (engine.go above) already makes for Get.
func (e *Engine) loadCurrent(ctx context.Context, sessionID string) (Snapshot, hotstore.Metadata, error) {
	blob, meta, err := e.hot.Get(ctx, e.key(sessionID))
	if err == nil {
		snap, derr := e.decode(blob)
		if derr != nil {
			return Snapshot{}, hotstore.Metadata{}, derr
		}
		return snap, meta, nil
	}
	if !errors.Is(err, hotstore.ErrMiss) {
		return Snapshot{}, hotstore.Metadata{}, err
	}

	rec, err := e.cold.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, coldstore.ErrNotFound) {
			return Snapshot{}, hotstore.Metadata{}, nil
		}
		return Snapshot{}, hotstore.Metadata{}, err
	}
	snap, derr := e.decode(rec.Blob)
	if derr != nil {
		return Snapshot{}, hotstore.Metadata{}, derr
	}
	return snap, hotstore.Metadata{Version: rec.Version, FencingToken: rec.FencingToken, UpdatedAt: rec.UpdatedAt}, nil
}

// Delete removes sessionID from the HotStore and enqueues a tombstone for
// the Reconciler to apply against the ColdStore. The tombstone's version
// is one greater than the last known version, preserving the contiguous
// version sequence invariant even though the record is being removed.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	defer e.observeLatency("delete", time.Now())
	log := logger.FromContext(ctx, e.logger)

	mu := e.locks.mutexFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	_, meta, err := e.loadCurrent(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := e.hot.Delete(ctx, e.key(sessionID)); err != nil {
		return err
	}

	now := time.Now()
	newVersion := meta.Version + 1
	entry := outbox.Entry{
		ID:        fmt.Sprintf("%s:%d:tombstone", sessionID, newVersion),
		SessionID: sessionID,
		Patch:     nil,
		Version:   newVersion,
		FencingToken: meta.FencingToken,
		Status:    outbox.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.box.Enqueue(ctx, entry); err != nil {
		log.Error("tombstone enqueue failed", "session_id", sessionID, "error", err)
	}

	if err := e.cold.Delete(ctx, sessionID); err != nil {
		log.Warn("cold delete failed, relying on reconciler tombstone", "session_id", sessionID, "error", err)
	}

	e.tracker.Forget(sessionID)
	return nil
}

// Touch refreshes the HotStore TTL without altering the snapshot or
// version. The ColdStore keeps no expiry, so it is not touched. It is a no-op (not an error) if the session is absent from the
// HotStore, matching Touch's idempotence law (spec §8).
func (e *Engine) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	defer e.observeLatency("touch", time.Now())

	if ttl <= 0 {
		ttl = e.cfg.TTL.DefaultTTL
	}
	if err := e.hot.Touch(ctx, e.key(sessionID), ttl); err != nil && !errors.Is(err, hotstore.ErrMiss) {
		return err
	}
	return nil
}

// Exists reports whether sessionID has a live record in either tier.
func (e *Engine) Exists(ctx context.Context, sessionID string) (bool, error) {
	ok, err := e.hot.Exists(ctx, e.key(sessionID))
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	_, err = e.cold.Get(ctx, sessionID)
	if errors.Is(err, coldstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsHealthy reports whether the HotStore is reachable and the ColdStore
// breaker is not tripped. The ColdStore itself is not pinged directly here
// since an open breaker already reflects its unreachability without
// spending another round trip.
func (e *Engine) IsHealthy(ctx context.Context) bool {
	if err := e.hot.Ping(ctx); err != nil {
		return false
	}
	return !e.brk.IsOpen()
}

// RecordActivity, RecordRotation, and CheckDiagnostics expose the
// DiagnosticEngine's inputs/outputs to callers that drive session
// liveness and rate-limit enforcement through this Engine rather than
// reaching into the subcomponents directly.
func (e *Engine) RecordActivity(sessionID string) { e.tracker.RecordActivity(sessionID) }

func (e *Engine) RecordRotation(sessionID string) { e.diag.RecordRotation(sessionID) }

func (e *Engine) CheckDiagnostics(sessionID string, coldContact bool) diagnostics.Report {
	return e.diag.CheckSession(sessionID, coldContact)
}

func (e *Engine) TryAcquireRate(sessionID string, n float64, coldContact bool) bool {
	return e.limiter.TryAcquire(sessionID, n, coldContact)
}

func (e *Engine) AcquireRate(ctx context.Context, sessionID string, n float64, coldContact bool) error {
	return e.limiter.Acquire(ctx, sessionID, n, coldContact)
}

// NewFencingToken mints a monotonic-enough token for callers that don't
// track their own (e.g. a fresh pairing session); it is not used by the
// engine itself, which always takes the caller-supplied token at face
// value per spec §3.
func NewFencingToken() uint64 {
	return uint64(time.Now().UnixNano())
}

// NewSessionID mints an opaque session identifier for callers that don't
// already have one (e.g. provisioning a brand-new pairing).
func NewSessionID() string {
	return uuid.NewString()
}
