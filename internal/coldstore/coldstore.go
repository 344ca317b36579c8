// Package coldstore implements the ColdStore (spec §4.2, C3): the
// durable, authoritative document store behind the HotStore cache. Writes
// are conditional on the caller's expected version so two racing writers
// for the same session can never silently clobber one another.
package coldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
)

// ErrNotFound is returned by Get when no document exists for a session.
var ErrNotFound = errors.New("coldstore: document not found")

// Record is a stored session document plus its version/fencing metadata.
type Record struct {
	Blob         []byte
	Version      uint64
	FencingToken uint64
	UpdatedAt    time.Time
}

// ConditionalPutResult carries the outcome of a conditional write.
type ConditionalPutResult struct {
	Applied bool
	Current *Record
}

// Config configures the Postgres connection pool backing the ColdStore.
type Config struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:         10,
		MinConns:         1,
		MaxConnLifetime:  30 * time.Minute,
		MaxConnIdleTime:  5 * time.Minute,
		ConnectTimeout:   5 * time.Second,
		OperationTimeout: 2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("dsn must not be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be positive")
	}
	return nil
}

// ColdStore is a Postgres-backed durable document store keyed by session ID.
type ColdStore struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
	closed bool
}

// New constructs a ColdStore and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*ColdStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, wrapErr("connect", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, wrapErr("ping", err)
	}

	return &ColdStore{pool: pool, cfg: cfg, logger: logger}, nil
}

// NewFromPool wraps an existing *pgxpool.Pool (used by tests against a
// testcontainers-managed Postgres instance).
func NewFromPool(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *ColdStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ColdStore{pool: pool, cfg: cfg, logger: logger}
}

func wrapErr(op string, cause error) error {
	transient := !errors.Is(cause, pgx.ErrNoRows)
	return &engineerrors.StorageError{Tier: engineerrors.TierCold, Operation: op, Transient: transient, Cause: cause}
}

func (c *ColdStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OperationTimeout)
}

// Get returns the stored document for sessionID, or ErrNotFound.
func (c *ColdStore) Get(ctx context.Context, sessionID string) (Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var rec Record
	err := c.pool.QueryRow(ctx,
		`SELECT blob, version, fencing_token, updated_at FROM session_documents WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.Blob, &rec.Version, &rec.FencingToken, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, wrapErr("get", err)
	}
	return rec, nil
}

// ConditionalPut writes blob at the given version iff the document does
// not yet exist (version == 1) or its current version is exactly
// version-1. Otherwise it returns Applied=false and the document's
// current version so the caller can decide whether to skip (its write is
// already subsumed) or surface a conflict.
func (c *ColdStore) ConditionalPut(ctx context.Context, sessionID string, blob []byte, version uint64, fencingToken uint64) (ConditionalPutResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return ConditionalPutResult{}, wrapErr("begin", err)
	}
	defer tx.Rollback(ctx)

	var currentVersion uint64
	err = tx.QueryRow(ctx,
		`SELECT version FROM session_documents WHERE session_id = $1 FOR UPDATE`, sessionID,
	).Scan(&currentVersion)

	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return ConditionalPutResult{}, wrapErr("lock", err)
	}

	switch {
	case !exists && version == 1:
		_, err = tx.Exec(ctx,
			`INSERT INTO session_documents (session_id, blob, version, fencing_token, updated_at)
			 VALUES ($1, $2, $3, $4, now())`,
			sessionID, blob, version, fencingToken)
		if err != nil {
			return ConditionalPutResult{}, wrapErr("insert", err)
		}

	case exists && currentVersion == version-1:
		_, err = tx.Exec(ctx,
			`UPDATE session_documents SET blob = $1, version = $2, fencing_token = $3, updated_at = now()
			 WHERE session_id = $4`,
			blob, version, fencingToken, sessionID)
		if err != nil {
			return ConditionalPutResult{}, wrapErr("update", err)
		}

	default:
		if !exists {
			return ConditionalPutResult{Applied: false}, nil
		}
		return ConditionalPutResult{Applied: false, Current: &Record{Version: currentVersion}}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return ConditionalPutResult{}, wrapErr("commit", err)
	}
	return ConditionalPutResult{Applied: true, Current: &Record{Version: version, FencingToken: fencingToken}}, nil
}

// Delete removes sessionID's document. Not an error if absent.
func (c *ColdStore) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.pool.Exec(ctx, `DELETE FROM session_documents WHERE session_id = $1`, sessionID); err != nil {
		return wrapErr("delete", err)
	}
	return nil
}

// Ping verifies connectivity for health checks.
func (c *ColdStore) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.pool.Ping(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *ColdStore) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.Close()
	return nil
}
