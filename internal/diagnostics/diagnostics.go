// Package diagnostics implements the DiagnosticEngine (spec §4.10, C10):
// it combines the RotationMonitor (rotation.go) with the already-running
// ConnectionTracker and RateLimiter into a single per-session health
// report, following pkg/metrics/registry.go's category-aggregation idiom
// (there: business/technical/infra sub-registries combined under one
// root) generalized from metric aggregation to status aggregation.
package diagnostics

import (
	"fmt"
	"sort"

	"github.com/nyxstate/hybridauth/internal/conntrack"
	"github.com/nyxstate/hybridauth/internal/ratelimit"
)

// Status is a single check's or a report's overall severity.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// worse returns whichever of a, b is the more severe status.
func worse(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Check is a single subcomponent's contribution to a Report.
type Check struct {
	Status Status
	Detail string
}

// Report is CheckSession's result: one status per subcomponent plus an
// aggregate and recommendations ordered by priority.
type Report struct {
	SessionID       string
	Rotation        Check
	Connection      Check
	RateLimit       Check
	Overall         Status
	Recommendations []string
}

// Config bundles the subcomponent configs a DiagnosticEngine wires
// together.
type Config struct {
	Rotation   RotationConfig
	Connection conntrack.Config
	RateLimit  ratelimit.Config
}

// DefaultConfig returns production-ready defaults for all subcomponents.
func DefaultConfig() Config {
	return Config{
		Rotation:   DefaultRotationConfig(),
		Connection: conntrack.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
	}
}

// DiagnosticEngine aggregates RotationMonitor, ConnectionTracker, and
// RateLimiter into a unified health view.
type DiagnosticEngine struct {
	rotation   *RotationMonitor
	connection *conntrack.Tracker
	limiter    *ratelimit.RateLimiter
}

// New constructs a DiagnosticEngine wrapping freshly-constructed
// subcomponents from cfg. Use NewFromComponents to share already-running
// instances (e.g. the same ConnectionTracker and RateLimiter the engine
// uses for enforcement) instead of standing up duplicates.
func New(cfg Config) (*DiagnosticEngine, error) {
	tracker, err := conntrack.New(cfg.Connection, nil)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: connection tracker: %w", err)
	}
	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: rate limiter: %w", err)
	}
	return NewFromComponents(NewRotationMonitor(cfg.Rotation), tracker, limiter), nil
}

// NewFromComponents wires a DiagnosticEngine around already-constructed
// subcomponents.
func NewFromComponents(rotation *RotationMonitor, connection *conntrack.Tracker, limiter *ratelimit.RateLimiter) *DiagnosticEngine {
	return &DiagnosticEngine{rotation: rotation, connection: connection, limiter: limiter}
}

// RecordRotation forwards a credential-rotation event to the underlying
// RotationMonitor.
func (d *DiagnosticEngine) RecordRotation(sessionID string) {
	d.rotation.RecordRotation(sessionID)
}

func connectionCheck(report conntrack.Report) Check {
	switch report.Status {
	case conntrack.StatusHealthy:
		return Check{Status: StatusOK, Detail: report.Status.String()}
	case conntrack.StatusDegraded:
		return Check{Status: StatusWarning, Detail: report.Status.String()}
	default:
		return Check{Status: StatusCritical, Detail: report.Status.String()}
	}
}

func rateLimitCheck(remaining, capacity float64) Check {
	if capacity <= 0 {
		return Check{Status: StatusOK, Detail: "no capacity configured"}
	}
	ratio := remaining / capacity
	detail := fmt.Sprintf("%.0f/%.0f tokens remaining", remaining, capacity)
	switch {
	case ratio <= 0.1:
		return Check{Status: StatusCritical, Detail: detail}
	case ratio <= 0.3:
		return Check{Status: StatusWarning, Detail: detail}
	default:
		return Check{Status: StatusOK, Detail: detail}
	}
}

// CheckSession produces a full health report for sessionID. coldContact
// mirrors the same flag callers pass to the RateLimiter so the reported
// capacity matches what enforcement actually allows.
func (d *DiagnosticEngine) CheckSession(sessionID string, coldContact bool) Report {
	rotationStatus := d.rotation.Status(sessionID)
	rotation := Check{Status: rotationStatus, Detail: fmt.Sprintf("%d rotations/min", d.rotation.Count(sessionID))}

	connReport := d.connection.CheckHealth(sessionID)
	connection := connectionCheck(connReport)

	remaining := d.limiter.Remaining(sessionID, coldContact)
	capacity := d.limiter.Capacity(sessionID, coldContact)
	rateLimit := rateLimitCheck(remaining, capacity)

	overall := worse(worse(rotation.Status, connection.Status), rateLimit.Status)

	var recs []string
	if rotation.Status >= StatusWarning {
		recs = append(recs, "investigate credential rotation frequency")
	}
	if connReport.Recommendation != "" && connReport.Recommendation != "none" {
		recs = append(recs, connReport.Recommendation)
	}
	if rateLimit.Status >= StatusWarning {
		recs = append(recs, "back off request rate")
	}

	return Report{
		SessionID:       sessionID,
		Rotation:        rotation,
		Connection:      connection,
		RateLimit:       rateLimit,
		Overall:         overall,
		Recommendations: recs,
	}
}

// QuickCheck returns only the worst per-check status for sessionID; it
// runs the full CheckSession and discards the rest of the report.
func (d *DiagnosticEngine) QuickCheck(sessionID string, coldContact bool) Status {
	return d.CheckSession(sessionID, coldContact).Overall
}

// GetSessionsRequiringAttention returns the union of sessions flagged by
// any configured subcomponent (spec §4.9, verbatim spec.md:115): the
// ConnectionTracker's non-healthy sessions, the RotationMonitor's
// WARNING/CRITICAL sessions, and the RateLimiter's WARNING/CRITICAL
// sessions. A session touched only through RecordRotation or the rate
// limiter, never through RecordActivity, has no ConnectionTracker entry
// at all, so that tracker alone is not a superset and must not be
// treated as the sole inventory.
func (d *DiagnosticEngine) GetSessionsRequiringAttention() []string {
	seen := make(map[string]struct{})
	for _, id := range d.connection.SessionsRequiringAttention() {
		seen[id] = struct{}{}
	}
	for _, id := range d.rotation.SessionsRequiringAttention() {
		seen[id] = struct{}{}
	}
	for _, id := range d.limiter.SessionIDs() {
		// The limiter has no memory of which calls for a session were
		// flagged cold-contact, so attention here is judged against the
		// warm-contact capacity as an approximation; CheckSession still
		// reports the exact per-call status for a known coldContact flag.
		remaining := d.limiter.Remaining(id, false)
		capacity := d.limiter.Capacity(id, false)
		if rateLimitCheck(remaining, capacity).Status >= StatusWarning {
			seen[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
