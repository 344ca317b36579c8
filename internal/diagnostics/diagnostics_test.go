package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationMonitor_StatusThresholds(t *testing.T) {
	m := NewRotationMonitor(RotationConfig{ThresholdPerMinute: 10, Window: time.Minute})

	for i := 0; i < 8; i++ {
		m.RecordRotation("sess-1")
	}
	assert.Equal(t, StatusWarning, m.Status("sess-1"))

	for i := 0; i < 3; i++ {
		m.RecordRotation("sess-1")
	}
	assert.Equal(t, StatusCritical, m.Status("sess-1"))
}

func TestRotationMonitor_WindowResets(t *testing.T) {
	m := NewRotationMonitor(RotationConfig{ThresholdPerMinute: 2, Window: 10 * time.Millisecond})

	m.RecordRotation("sess-1")
	m.RecordRotation("sess-1")
	assert.Equal(t, StatusCritical, m.Status("sess-1"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusOK, m.Status("sess-1"))
}

func TestDiagnosticEngine_CheckSession_AggregatesWorstStatus(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	report := d.CheckSession("sess-1", false)
	assert.Equal(t, StatusOK, report.Overall)
	assert.Equal(t, StatusOK, d.QuickCheck("sess-1", false))
}

func TestDiagnosticEngine_DisconnectedSessionIsCritical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.DegradedAfter = time.Hour
	cfg.Connection.DisconnectedAfter = 2 * time.Hour
	d, err := New(cfg)
	require.NoError(t, err)

	d.connection.RecordActivity("sess-1")
	d.connection.RecordDisconnect("sess-1")

	report := d.CheckSession("sess-1", false)
	assert.Equal(t, StatusCritical, report.Connection.Status)
	assert.Equal(t, StatusCritical, report.Overall)
	assert.Contains(t, report.Recommendations, "reconnect")
}

func TestDiagnosticEngine_RateLimitLowRemainingWarns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.MaxMessagesPerMinute = 10
	cfg.RateLimit.WarmupDays = 0.0001
	d, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		d.limiter.TryAcquire("sess-1", 1, false)
	}

	report := d.CheckSession("sess-1", false)
	assert.GreaterOrEqual(t, report.RateLimit.Status, StatusWarning)
}

func TestDiagnosticEngine_GetSessionsRequiringAttention(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	d.connection.RecordActivity("sess-healthy")
	d.connection.RecordActivity("sess-broken")
	d.connection.RecordDisconnect("sess-broken")

	attention := d.GetSessionsRequiringAttention()
	assert.Contains(t, attention, "sess-broken")
	assert.NotContains(t, attention, "sess-healthy")
}

// A session flagged purely through RecordRotation or the rate limiter,
// with no RecordActivity ever recorded for it and hence no
// ConnectionTracker entry at all, must still surface, since the tracker
// is not a superset of the other two subcomponents' inventories.
func TestDiagnosticEngine_GetSessionsRequiringAttention_UnionsAllSubcomponents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rotation.ThresholdPerMinute = 2
	cfg.RateLimit.MaxMessagesPerMinute = 10
	cfg.RateLimit.WarmupDays = 0.0001
	d, err := New(cfg)
	require.NoError(t, err)

	d.RecordRotation("sess-rotation-only")
	d.RecordRotation("sess-rotation-only")

	for i := 0; i < 9; i++ {
		d.limiter.TryAcquire("sess-ratelimit-only", 1, false)
	}

	attention := d.GetSessionsRequiringAttention()
	assert.Contains(t, attention, "sess-rotation-only")
	assert.Contains(t, attention, "sess-ratelimit-only")
}
