package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
)

const (
	keyPrefix          = "outbox:"
	pendingSessionsKey = keyPrefix + "pending_sessions"
)

func entriesKey(sessionID string) string { return keyPrefix + "entries:" + sessionID }
func dlqKey(sessionID string) string     { return keyPrefix + "dlq:" + sessionID }

// Config configures the Redis connection backing the Outbox when it is
// constructed standalone via New. The common path (internal/engine.New
// with no explicit Dependencies.Outbox) instead shares the HotStore's
// *redis.Client via NewFromClient, since the Outbox lives in the
// HotStore's tier (spec §4.5); New/Config remain for callers who want the
// Outbox on a distinct Redis database/instance.
type Config struct {
	Addr             string
	Password         string
	DB               int
	PoolSize         int
	DialTimeout      time.Duration
	OperationTimeout time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             "localhost:6379",
		PoolSize:         10,
		DialTimeout:      5 * time.Second,
		OperationTimeout: 500 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be positive")
	}
	return nil
}

// Outbox is a durable, per-session FIFO of pending writes backed by Redis
// lists. Only the head of a session's list may be claimed at a time, which
// is what gives the Reconciler its strict per-session ordering guarantee.
type Outbox struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
	closed bool
}

// New constructs an Outbox and verifies connectivity.
func New(cfg Config, logger *slog.Logger) (*Outbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapErr("connect", err)
	}
	return &Outbox{client: client, cfg: cfg, logger: logger}, nil
}

// NewFromClient wraps an existing *redis.Client (used by tests).
func NewFromClient(client *redis.Client, cfg Config, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{client: client, cfg: cfg, logger: logger}
}

func wrapErr(op string, cause error) error {
	return &engineerrors.StorageError{Tier: engineerrors.TierOutbox, Operation: op, Transient: true, Cause: cause}
}

func (o *Outbox) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.OperationTimeout)
}

// Enqueue durably appends entry to its session's queue. Enqueue is called
// synchronously as part of the write's critical section (spec §9), never
// fire-and-forget, so a crash after Enqueue returns never loses the write.
func (o *Outbox) Enqueue(ctx context.Context, entry Entry) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	entry.Status = StatusPending
	entry.CreatedAt = now
	entry.UpdatedAt = now

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}

	pipe := o.client.TxPipeline()
	pipe.RPush(ctx, entriesKey(entry.SessionID), raw)
	pipe.SAdd(ctx, pendingSessionsKey, entry.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("enqueue", err)
	}
	return nil
}

// Claim marks the head entry of up to maxSessions distinct pending
// sessions as processing and returns them. A session already holding a
// processing head is skipped, so concurrent Claim calls never double-claim
// the same entry.
func (o *Outbox) Claim(ctx context.Context, maxSessions int) ([]Entry, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	sessionIDs, err := o.client.SMembers(ctx, pendingSessionsKey).Result()
	if err != nil {
		return nil, wrapErr("claim.smembers", err)
	}

	claimed := make([]Entry, 0, maxSessions)
	for _, sessionID := range sessionIDs {
		if len(claimed) >= maxSessions {
			break
		}
		entry, ok, err := o.peekHead(ctx, sessionID)
		if err != nil {
			return claimed, err
		}
		if !ok || entry.Status != StatusPending {
			continue
		}
		entry.Status = StatusProcessing
		entry.UpdatedAt = time.Now()
		if err := o.setHead(ctx, sessionID, entry); err != nil {
			return claimed, err
		}
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (o *Outbox) peekHead(ctx context.Context, sessionID string) (Entry, bool, error) {
	raw, err := o.client.LIndex(ctx, entriesKey(sessionID), 0).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, wrapErr("peek", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal outbox entry: %w", err)
	}
	return entry, true, nil
}

func (o *Outbox) setHead(ctx context.Context, sessionID string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	if err := o.client.LSet(ctx, entriesKey(sessionID), 0, raw).Err(); err != nil {
		return wrapErr("setHead", err)
	}
	return nil
}

// Complete removes entry from the head of its session's queue and, if the
// queue is now empty, drops the session from the pending set.
func (o *Outbox) Complete(ctx context.Context, entry Entry) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	if err := o.client.LPop(ctx, entriesKey(entry.SessionID)).Err(); err != nil && err != redis.Nil {
		return wrapErr("complete", err)
	}
	return o.dropSessionIfEmptyUnlocked(ctx, entry.SessionID)
}

// Fail records a failed attempt. Once attempts reach maxAttempts the entry
// is dead-lettered: removed from the live queue and appended to the
// session's DLQ list so draining can continue past it. Below the
// threshold the head is rewritten back to pending so the next Claim pass
// can retry it.
func (o *Outbox) Fail(ctx context.Context, entry Entry, cause error, maxAttempts int) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	entry.Attempts++
	entry.UpdatedAt = time.Now()
	if cause != nil {
		entry.LastError = cause.Error()
	}

	if entry.Attempts >= maxAttempts {
		entry.Status = StatusFailed
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal outbox entry: %w", err)
		}
		pipe := o.client.TxPipeline()
		pipe.RPush(ctx, dlqKey(entry.SessionID), raw)
		pipe.LPop(ctx, entriesKey(entry.SessionID))
		if _, err := pipe.Exec(ctx); err != nil {
			return wrapErr("deadletter", err)
		}
		o.logger.Warn("outbox entry dead-lettered", "session_id", entry.SessionID, "version", entry.Version, "attempts", entry.Attempts)
		return o.dropSessionIfEmptyUnlocked(ctx, entry.SessionID)
	}

	entry.Status = StatusPending
	return o.setHead(ctx, entry.SessionID, entry)
}

func (o *Outbox) dropSessionIfEmptyUnlocked(ctx context.Context, sessionID string) error {
	n, err := o.client.LLen(ctx, entriesKey(sessionID)).Result()
	if err != nil {
		return wrapErr("lLen", err)
	}
	if n == 0 {
		if err := o.client.SRem(ctx, pendingSessionsKey, sessionID).Err(); err != nil {
			return wrapErr("srem", err)
		}
	}
	return nil
}

// PendingSessionCount reports how many sessions currently have queued work.
func (o *Outbox) PendingSessionCount(ctx context.Context) (int64, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	n, err := o.client.SCard(ctx, pendingSessionsKey).Result()
	if err != nil {
		return 0, wrapErr("scard", err)
	}
	return n, nil
}

// DeadLettered returns the dead-lettered entries for sessionID, oldest first.
func (o *Outbox) DeadLettered(ctx context.Context, sessionID string) ([]Entry, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	raws, err := o.client.LRange(ctx, dlqKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("dlq.lrange", err)
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal dlq entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the underlying Redis client.
func (o *Outbox) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	return o.client.Close()
}
