// Package outbox implements the transactional Outbox (spec §4.5, C4) and
// its draining Reconciler (C5). Every write that must eventually reach the
// ColdStore is durably recorded here first; the Reconciler drains entries
// strictly in ascending version per session, in parallel across sessions.
package outbox

import "time"

// Status is the lifecycle state of an Entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Entry is a single durable write awaiting a ColdStore commit. Entries for
// the same SessionID are appended and drained in strict FIFO order, which
// is equivalent to ascending Version order because a session's writes are
// serialized by the engine's per-session mutex before they ever reach the
// outbox.
type Entry struct {
	ID           string
	SessionID    string
	Patch        []byte
	Version      uint64
	FencingToken uint64
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Attempts     int
	LastError    string
	CompletedAt  *time.Time
}
