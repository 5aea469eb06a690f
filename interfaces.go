package kataru

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one span observation delivered to a Sink. It mirrors the
// internal wire record with public types only, so external collaborators
// never import internal packages.
type Record struct {
	Kind         string
	SpanID       uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID
	Name         string
	Category     string
	KindKey      string
	SessionID    string
	StoryID      string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       string
	Input        map[string]any
	Output       map[string]any
	ErrorKind    string
	ErrorMessage string
	Metadata     map[string]any
}

// Sink receives span records from the tracer.
// When provided via WithSink, replaces the built-in HTTP backend exporter.
// Enqueue is called on the host's goroutine and must never block; Flush
// pushes pending records out within the context's deadline and reports
// whether everything was delivered; Drain stops background work after a
// best-effort final flush.
type Sink interface {
	Enqueue(rec Record)
	Flush(ctx context.Context) bool
	Drain(ctx context.Context)
}
