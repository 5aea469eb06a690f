package kataru

import (
	"log/slog"
	"time"
)

// Option configures a Tracer.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger            *slog.Logger
	version           string
	publicKey         string
	secretKey         string
	host              string
	sessionID         string
	correlationHeader string
	spanTimeout       time.Duration
	archivePath       string
	strict            *bool
	enabled           *bool
	sink              Sink
}

// WithLogger sets the structured logger for the Tracer.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCredentials overrides the backend key pair from config
// (KATARU_PUBLIC_KEY / KATARU_SECRET_KEY env vars).
func WithCredentials(publicKey, secretKey string) Option {
	return func(o *resolvedOptions) {
		o.publicKey = publicKey
		o.secretKey = secretKey
	}
}

// WithHost overrides the backend host from config (KATARU_HOST env var).
func WithHost(host string) Option {
	return func(o *resolvedOptions) { o.host = host }
}

// WithSessionID sets the default session id attached to new traces
// (KATARU_SESSION_ID env var).
func WithSessionID(sessionID string) Option {
	return func(o *resolvedOptions) { o.sessionID = sessionID }
}

// WithCorrelationHeader overrides the header name used to propagate the
// trace id across process boundaries (KATARU_CORRELATION_HEADER env var).
func WithCorrelationHeader(name string) Option {
	return func(o *resolvedOptions) { o.correlationHeader = name }
}

// WithSpanTimeout overrides the orphan-span inactivity threshold
// (KATARU_SPAN_TIMEOUT env var). Spans idle past this are auto-closed with
// status ERROR and kind "timeout".
func WithSpanTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.spanTimeout = d }
}

// WithArchivePath enables the local SQLite archive of finalized traces
// (KATARU_ARCHIVE_PATH env var).
func WithArchivePath(path string) Option {
	return func(o *resolvedOptions) { o.archivePath = path }
}

// WithStrict makes missing backend credentials a construction error instead
// of falling back to the disabled no-op mode (KATARU_STRICT env var).
func WithStrict(strict bool) Option {
	return func(o *resolvedOptions) { o.strict = &strict }
}

// WithEnabled toggles the tracer explicitly (KATARU_ENABLED env var).
// Disabled tracers accept every call and record nothing.
func WithEnabled(enabled bool) Option {
	return func(o *resolvedOptions) { o.enabled = &enabled }
}

// WithSink replaces the built-in HTTP backend sink. Only the last call wins.
// The provided sink receives every span record; Enqueue must not block.
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.sink = s }
}
