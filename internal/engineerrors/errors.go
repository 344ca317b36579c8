// Package engineerrors defines the typed error taxonomy shared across the
// hybrid storage engine: hot/cold tier failures, version and fencing
// conflicts, codec failures, and breaker rejections all carry enough
// context to diagnose without parsing strings.
package engineerrors

import (
	"context"
	"errors"
	"fmt"
)

// Tier identifies which storage tier an error originated from.
type Tier string

const (
	TierHot    Tier = "hot"
	TierCold   Tier = "cold"
	TierOutbox Tier = "outbox"
)

// VersionMismatchError is returned when a Set's expectedVersion does not
// match the version currently recorded for the session.
type VersionMismatchError struct {
	SessionID string
	Expected  uint64
	Actual    uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch for session %q: expected %d, actual %d",
		e.SessionID, e.Expected, e.Actual)
}

// FencingTokenStaleError is returned when a write's fencing token is lower
// than the token already recorded for the session.
type FencingTokenStaleError struct {
	SessionID string
	Recorded  uint64
	Received  uint64
}

func (e *FencingTokenStaleError) Error() string {
	return fmt.Sprintf("fencing token stale for session %q: recorded %d, received %d",
		e.SessionID, e.Recorded, e.Received)
}

// TimeoutError wraps a deadline exceeded from an external I/O call.
type TimeoutError struct {
	Tier      Tier
	Operation string
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout during %s: %v", e.Tier, e.Operation, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// CircuitOpenError is returned by calls short-circuited by an open breaker.
type CircuitOpenError struct {
	Tier Tier
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s tier", e.Tier)
}

// EncryptionError wraps a codec authentication or key-lookup failure.
type EncryptionError struct {
	Reason string
	Cause  error
}

func (e *EncryptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("encryption error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("encryption error: %s", e.Reason)
}

func (e *EncryptionError) Unwrap() error { return e.Cause }

// CompressionError wraps a codec compression/decompression failure.
type CompressionError struct {
	Algorithm string
	Cause     error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression error (%s): %v", e.Algorithm, e.Cause)
}

func (e *CompressionError) Unwrap() error { return e.Cause }

// StorageError wraps a failure from a tier's backing client, tagged as
// transient (retryable) or permanent.
type StorageError struct {
	Tier      Tier
	Operation string
	Transient bool
	Cause     error
}

func (e *StorageError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s storage error (%s) during %s: %v", kind, e.Tier, e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ValidationError indicates a caller supplied malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Reason)
}

// Classification constants used as metric label values.
const (
	ClassVersionMismatch = "version_mismatch"
	ClassFencingStale    = "fencing_stale"
	ClassTimeout         = "timeout"
	ClassCircuitOpen     = "circuit_open"
	ClassEncryption      = "encryption"
	ClassCompression     = "compression"
	ClassStorage         = "storage"
	ClassValidation      = "validation"
	ClassUnknown         = "unknown"
)

// Classify maps any error returned by this module to a stable taxonomy
// string suitable for metric labels and log fields.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		vErr  *VersionMismatchError
		fErr  *FencingTokenStaleError
		tErr  *TimeoutError
		cErr  *CircuitOpenError
		eErr  *EncryptionError
		cmErr *CompressionError
		sErr  *StorageError
		valEr *ValidationError
	)
	switch {
	case errors.As(err, &vErr):
		return ClassVersionMismatch
	case errors.As(err, &fErr):
		return ClassFencingStale
	case errors.As(err, &tErr):
		return ClassTimeout
	case errors.As(err, &cErr):
		return ClassCircuitOpen
	case errors.As(err, &eErr):
		return ClassEncryption
	case errors.As(err, &cmErr):
		return ClassCompression
	case errors.As(err, &sErr):
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTimeout
		}
		return ClassStorage
	case errors.As(err, &valEr):
		return ClassValidation
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTimeout
	default:
		return ClassUnknown
	}
}

// IsRetryable reports whether err should be retried by a caller following
// the exponential-backoff policy in the engine's resilience config.
func IsRetryable(err error) bool {
	var sErr *StorageError
	if errors.As(err, &sErr) {
		return sErr.Transient
	}
	var tErr *TimeoutError
	if errors.As(err, &tErr) {
		return true
	}
	return false
}
