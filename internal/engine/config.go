package engine

import (
	"fmt"
	"time"

	"github.com/nyxstate/hybridauth/internal/breaker"
	"github.com/nyxstate/hybridauth/internal/codec"
	"github.com/nyxstate/hybridauth/internal/conntrack"
	"github.com/nyxstate/hybridauth/internal/outbox"
	"github.com/nyxstate/hybridauth/internal/ratelimit"
)

// TTLConfig controls how long records live before expiry in each tier.
type TTLConfig struct {
	DefaultTTL time.Duration
	CredsTTL   time.Duration
	KeysTTL    time.Duration
	LockTTL    time.Duration
}

func (c TTLConfig) Validate() error {
	if c.DefaultTTL < time.Second {
		return fmt.Errorf("default_ttl must be at least 1s")
	}
	if c.CredsTTL < time.Second {
		return fmt.Errorf("creds_ttl must be at least 1s")
	}
	if c.KeysTTL < time.Second {
		return fmt.Errorf("keys_ttl must be at least 1s")
	}
	if c.LockTTL < time.Second {
		return fmt.Errorf("lock_ttl must be at least 1s")
	}
	return nil
}

// ResilienceConfig controls per-call timeouts and the local retry policy
// applied before a failure surfaces to the caller or the outbox.
type ResilienceConfig struct {
	OperationTimeout time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
}

func (c ResilienceConfig) Validate() error {
	if c.OperationTimeout < 100*time.Millisecond {
		return fmt.Errorf("operation_timeout must be at least 100ms")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be in [0,10]")
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("retry_base_delay must be non-negative")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be >= 1")
	}
	return nil
}

// SecurityConfig selects the Codec's transforms and key-rotation window.
type SecurityConfig struct {
	EnableEncryption     bool
	EncryptionAlgorithm  string // "secretbox" | "aes-256-gcm"
	KeyRotationDays      int
	EnableCompression    bool
	CompressionAlgorithm string // "snappy" | "gzip" | "lz4"
}

func (c SecurityConfig) Validate() error {
	if c.EnableEncryption {
		switch c.EncryptionAlgorithm {
		case "secretbox", "aes-256-gcm":
		default:
			return fmt.Errorf("encryption_algorithm must be secretbox or aes-256-gcm")
		}
		if c.KeyRotationDays < 1 {
			return fmt.Errorf("key_rotation_days must be >= 1 when encryption is enabled")
		}
	}
	if c.EnableCompression {
		switch c.CompressionAlgorithm {
		case "snappy", "gzip", "lz4":
		default:
			return fmt.Errorf("compression_algorithm must be snappy, gzip, or lz4")
		}
	}
	return nil
}

func (c SecurityConfig) toCodecEncryption() codec.Encryption {
	if c.EncryptionAlgorithm == "aes-256-gcm" {
		return codec.EncryptionAESGCM
	}
	return codec.EncryptionSecretbox
}

func (c SecurityConfig) toCodecCompression() codec.Compression {
	if !c.EnableCompression {
		return codec.CompressionNone
	}
	switch c.CompressionAlgorithm {
	case "gzip":
		return codec.CompressionGzip
	case "lz4":
		return codec.CompressionLZ4
	default:
		return codec.CompressionSnappy
	}
}

// ObservabilityConfig controls metrics/tracing/log verbosity. The engine
// checks MetricsInterval in Validate but reads none of the Enable* flags;
// metrics are recorded whenever Dependencies.Metrics is set.
type ObservabilityConfig struct {
	EnableMetrics      bool
	EnableTracing      bool
	EnableDetailedLogs bool
	MetricsInterval    time.Duration
}

func (c ObservabilityConfig) Validate() error {
	if c.MetricsInterval < time.Second {
		return fmt.Errorf("metrics_interval must be at least 1000ms")
	}
	return nil
}

// WriteBehindConfig controls whether Set returns as soon as the HotStore
// write and outbox enqueue succeed (write-behind) or also waits on a
// synchronous ColdStore commit (write-through).
type WriteBehindConfig struct {
	EnableWriteBehind bool
	FlushInterval     time.Duration
	QueueSize         int
}

func (c WriteBehindConfig) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	return nil
}

// Config is the full set of options the HybridEngine accepts. It mirrors
// the option groups a caller assembles from its own config loader; the
// engine never reads environment variables itself.
type Config struct {
	KeyPrefix     string
	TTL           TTLConfig
	Resilience    ResilienceConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	WriteBehind   WriteBehindConfig
	RateLimit     RateLimitOptions
	Monitoring    MonitoringOptions

	Reconciler ReconcilerConfig
	Breaker    breaker.Config

	CodecKeys        map[string][]byte
	CodecActiveKeyID string

	MutexMapSize int
}

// RateLimitOptions mirrors the options recognised by the RateLimiter,
// expressed the way an external caller configures it (milliseconds
// instead of time.Duration, a [min,max] pair instead of two fields).
type RateLimitOptions struct {
	Enabled                bool
	MaxMessagesPerMinute   float64
	ColdContactMultiplier  float64
	JitterRangeMs          [2]int
	WarmupPeriodDays       float64
}

// MonitoringOptions mirrors the options recognised by the
// ConnectionTracker/RotationMonitor pair.
type MonitoringOptions struct {
	Enabled                    bool
	RotationThresholdPerMinute int
	SilenceThresholdMs         int
	DisconnectThresholdMs      int
}

// ReconcilerConfig re-exports outbox.ReconcilerConfig under the name the
// engine's own Config groups by, so callers configure everything through
// one Config value.
type ReconcilerConfig = outbox.ReconcilerConfig

// DefaultConfig returns production-ready defaults. CodecKeys/CodecActiveKeyID
// must still be populated by the caller before New.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "session",
		TTL: TTLConfig{
			DefaultTTL: 30 * 24 * time.Hour,
			CredsTTL:   30 * 24 * time.Hour,
			KeysTTL:    30 * 24 * time.Hour,
			LockTTL:    10 * time.Second,
		},
		Resilience: ResilienceConfig{
			OperationTimeout: 2 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   50 * time.Millisecond,
			RetryMultiplier:  2,
		},
		Security: SecurityConfig{
			EnableEncryption:     true,
			EncryptionAlgorithm:  "secretbox",
			KeyRotationDays:      7,
			EnableCompression:    true,
			CompressionAlgorithm: "lz4",
		},
		Observability: ObservabilityConfig{
			EnableMetrics:   true,
			MetricsInterval: 15 * time.Second,
		},
		WriteBehind: WriteBehindConfig{
			EnableWriteBehind: true,
			FlushInterval:     50 * time.Millisecond,
			QueueSize:         10_000,
		},
		RateLimit: RateLimitOptions{
			Enabled:               true,
			MaxMessagesPerMinute:  60,
			ColdContactMultiplier: 0.33,
			JitterRangeMs:         [2]int{0, 50},
			WarmupPeriodDays:      7,
		},
		Monitoring: MonitoringOptions{
			Enabled:                    true,
			RotationThresholdPerMinute: 10,
			SilenceThresholdMs:         15_000,
			DisconnectThresholdMs:      60_000,
		},
		Reconciler:   outbox.DefaultReconcilerConfig(),
		Breaker:      breaker.DefaultConfig(),
		MutexMapSize: 10_000,
	}
}

func (c Config) Validate() error {
	if c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix must not be empty")
	}
	if err := c.TTL.Validate(); err != nil {
		return err
	}
	if err := c.Resilience.Validate(); err != nil {
		return err
	}
	if err := c.Security.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if err := c.WriteBehind.Validate(); err != nil {
		return err
	}
	if err := c.Reconciler.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if c.Security.EnableEncryption {
		if c.CodecActiveKeyID == "" {
			return fmt.Errorf("codec_active_key_id must be set when encryption is enabled")
		}
		if _, ok := c.CodecKeys[c.CodecActiveKeyID]; !ok {
			return fmt.Errorf("codec_active_key_id not present in codec_keys")
		}
	}
	if c.MutexMapSize <= 0 {
		return fmt.Errorf("mutex_map_size must be positive")
	}
	return nil
}

func (c RateLimitOptions) toRatelimitConfig() ratelimit.Config {
	minJitter := time.Duration(c.JitterRangeMs[0]) * time.Millisecond
	maxJitter := time.Duration(c.JitterRangeMs[1]) * time.Millisecond
	return ratelimit.Config{
		MaxMessagesPerMinute:  c.MaxMessagesPerMinute,
		ColdContactMultiplier: c.ColdContactMultiplier,
		WarmupDays:            c.WarmupPeriodDays,
		JitterMin:             minJitter,
		JitterMax:             maxJitter,
		MaxSessions:           100_000,
		BucketTTL:             30 * time.Minute,
	}
}

func (c MonitoringOptions) toConntrackConfig() conntrack.Config {
	return conntrack.Config{
		DegradedAfter:     time.Duration(c.SilenceThresholdMs) * time.Millisecond,
		DisconnectedAfter: time.Duration(c.DisconnectThresholdMs) * time.Millisecond,
	}
}

func (c Config) codecConfig() codec.Config {
	return codec.Config{
		Compression: c.Security.toCodecCompression(),
		Encryption:  c.Security.toCodecEncryption(),
		Keys:        c.CodecKeys,
		ActiveKeyID: c.CodecActiveKeyID,
	}
}
