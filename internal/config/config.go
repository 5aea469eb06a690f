// Package config loads and validates library configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all kataru configuration.
type Config struct {
	// Backend credentials. Both empty means the tracer runs in disabled
	// no-op mode unless Strict is set.
	PublicKey string
	SecretKey string
	Host      string

	// Default correlation context.
	SessionID string
	TraceID   string // Optional externally supplied root trace id.

	// Behavior toggles.
	Enabled bool // Explicit off switch; overrides credentials.
	Strict  bool // Missing credentials become a construction error.

	// Correlation header propagated across process boundaries.
	CorrelationHeader string

	// Orphan span reaping.
	SpanTimeout   time.Duration
	SweepInterval time.Duration

	// Sink settings.
	SinkBufferSize    int
	SinkFlushInterval time.Duration
	FlushTimeout      time.Duration
	MaxPayloadBytes   int

	// Local archive of finalized traces. Empty disables archiving.
	ArchivePath string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		PublicKey:         envStr("KATARU_PUBLIC_KEY", ""),
		SecretKey:         envStr("KATARU_SECRET_KEY", ""),
		Host:              envStr("KATARU_HOST", "https://cloud.langfuse.com"),
		SessionID:         envStr("KATARU_SESSION_ID", ""),
		TraceID:           envStr("KATARU_TRACE_ID", ""),
		Enabled:           envBool("KATARU_ENABLED", true),
		Strict:            envBool("KATARU_STRICT", false),
		CorrelationHeader: envStr("KATARU_CORRELATION_HEADER", "X-Narrative-Trace-Id"),
		SpanTimeout:       envDuration("KATARU_SPAN_TIMEOUT", 5*time.Minute),
		SweepInterval:     envDuration("KATARU_SWEEP_INTERVAL", 30*time.Second),
		SinkBufferSize:    envInt("KATARU_SINK_BUFFER_SIZE", 1000),
		SinkFlushInterval: envDuration("KATARU_SINK_FLUSH_INTERVAL", 5*time.Second),
		FlushTimeout:      envDuration("KATARU_FLUSH_TIMEOUT", 10*time.Second),
		MaxPayloadBytes:   envInt("KATARU_MAX_PAYLOAD_BYTES", 16*1024),
		ArchivePath:       envStr("KATARU_ARCHIVE_PATH", ""),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "kataru"),
		LogLevel:          envStr("KATARU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HasCredentials reports whether a backend key pair is configured.
func (c Config) HasCredentials() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: KATARU_HOST is required")
	}
	if c.CorrelationHeader == "" {
		return fmt.Errorf("config: KATARU_CORRELATION_HEADER must not be empty")
	}
	if c.SpanTimeout <= 0 {
		return fmt.Errorf("config: KATARU_SPAN_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: KATARU_SWEEP_INTERVAL must be positive")
	}
	if c.SinkBufferSize <= 0 {
		return fmt.Errorf("config: KATARU_SINK_BUFFER_SIZE must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: KATARU_MAX_PAYLOAD_BYTES must be positive")
	}
	if c.Strict && !c.HasCredentials() {
		return fmt.Errorf("config: KATARU_STRICT set but KATARU_PUBLIC_KEY/KATARU_SECRET_KEY missing")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
