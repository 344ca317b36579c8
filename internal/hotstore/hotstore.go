// Package hotstore implements the HotStore (spec §4.1): an opaque-blob KV
// cache with per-record TTL, backed by Redis. All operations return or
// fail within an operation timeout and classify failures as transient or
// permanent so the caller can decide whether to retry.
package hotstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
)

// ErrMiss is returned by Get/Touch/Exists-adjacent calls when the key is
// absent. It is not itself an engineerrors type because a cache miss is an
// expected outcome on the read path, not a failure.
var ErrMiss = errors.New("hotstore: key not found")

// Metadata is the out-of-band record state carried alongside the blob:
// version, fencing token, and the last write timestamp (spec §3, §4.1).
type Metadata struct {
	Version      uint64
	FencingToken uint64
	UpdatedAt    time.Time
}

const (
	fieldBlob      = "blob"
	fieldVersion   = "version"
	fieldFencing   = "fencing_token"
	fieldUpdatedAt = "updated_at"
)

// Config configures the Redis connection backing the HotStore.
type Config struct {
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	MinIdleConns    int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	OperationTimeout time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             "localhost:6379",
		PoolSize:         10,
		MinIdleConns:     1,
		DialTimeout:      5 * time.Second,
		ReadTimeout:      3 * time.Second,
		WriteTimeout:     3 * time.Second,
		MaxRetries:       3,
		MinRetryBackoff:  8 * time.Millisecond,
		MaxRetryBackoff:  512 * time.Millisecond,
		OperationTimeout: 500 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be positive")
	}
	return nil
}

// HotStore is a Redis-backed opaque-blob KV cache with per-record TTL.
type HotStore struct {
	client  *redis.Client
	cfg     Config
	logger  *slog.Logger
	closed  bool
}

// New constructs a HotStore and verifies connectivity.
func New(cfg Config, logger *slog.Logger) (*HotStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapErr("connect", err)
	}

	return &HotStore{client: client, cfg: cfg, logger: logger}, nil
}

// NewFromClient wraps an existing *redis.Client (used by tests against
// miniredis, and by callers that already manage a shared client).
func NewFromClient(client *redis.Client, cfg Config, logger *slog.Logger) *HotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HotStore{client: client, cfg: cfg, logger: logger}
}

// Client exposes the underlying *redis.Client so a caller constructing
// the Outbox (spec §4.5: "held in the HotStore") can share this HotStore's
// connection pool instead of opening a second one against the same Redis
// instance.
func (h *HotStore) Client() *redis.Client {
	return h.client
}

func wrapErr(op string, cause error) error {
	transient := true
	if errors.Is(cause, redis.Nil) {
		transient = false
	}
	return &engineerrors.StorageError{Tier: engineerrors.TierHot, Operation: op, Transient: transient, Cause: cause}
}

func (h *HotStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.OperationTimeout)
}

// Get returns the stored blob and metadata, or ErrMiss if key is absent.
func (h *HotStore) Get(ctx context.Context, key string) ([]byte, Metadata, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	res, err := h.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, Metadata{}, wrapErr("get", err)
	}
	if len(res) == 0 {
		return nil, Metadata{}, ErrMiss
	}

	meta, err := parseMetadata(res)
	if err != nil {
		return nil, Metadata{}, &engineerrors.StorageError{Tier: engineerrors.TierHot, Operation: "get", Transient: false, Cause: err}
	}
	return []byte(res[fieldBlob]), meta, nil
}

// Put stores blob+metadata under key with an absolute PX expiry equal to
// now+ttl, so entries expire isochronously across replicas reading the
// same clock (spec §4.1).
func (h *HotStore) Put(ctx context.Context, key string, blob []byte, meta Metadata, ttl time.Duration) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldBlob:      blob,
		fieldVersion:   meta.Version,
		fieldFencing:   meta.FencingToken,
		fieldUpdatedAt: meta.UpdatedAt.UnixMilli(),
	})
	pipe.PExpireAt(ctx, key, time.Now().Add(ttl))
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("put", err)
	}
	return nil
}

// Delete removes key. It is not an error to delete an absent key.
func (h *HotStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	if err := h.client.Del(ctx, key).Err(); err != nil {
		return wrapErr("delete", err)
	}
	return nil
}

// Touch resets TTL without altering the stored blob or metadata. Two
// consecutive touches produce the same observable TTL upper bound
// (idempotence law, spec §8).
func (h *HotStore) Touch(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	ok, err := h.client.PExpireAt(ctx, key, time.Now().Add(ttl)).Result()
	if err != nil {
		return wrapErr("touch", err)
	}
	if !ok {
		return ErrMiss
	}
	return nil
}

// Exists reports whether key is currently present.
func (h *HotStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	n, err := h.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapErr("exists", err)
	}
	return n > 0, nil
}

// Ping verifies connectivity for health checks.
func (h *HotStore) Ping(ctx context.Context) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	if err := h.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (h *HotStore) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.client.Close()
}

func parseMetadata(fields map[string]string) (Metadata, error) {
	var m Metadata
	if _, err := fmt.Sscanf(fields[fieldVersion], "%d", &m.Version); err != nil {
		return m, fmt.Errorf("parse version: %w", err)
	}
	if _, err := fmt.Sscanf(fields[fieldFencing], "%d", &m.FencingToken); err != nil {
		return m, fmt.Errorf("parse fencing_token: %w", err)
	}
	var ms int64
	if _, err := fmt.Sscanf(fields[fieldUpdatedAt], "%d", &ms); err != nil {
		return m, fmt.Errorf("parse updated_at: %w", err)
	}
	m.UpdatedAt = time.UnixMilli(ms)
	return m, nil
}
