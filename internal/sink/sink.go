// Package sink provides the buffered delivery pipeline that ships span
// records to the trace backend.
package sink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kataru/internal/model"
)

// RecordKind distinguishes span lifecycle records from trace markers.
type RecordKind string

const (
	RecordSpan          RecordKind = "span"
	RecordTraceComplete RecordKind = "trace-complete"
)

// Record is the wire unit the sink delivers. One record is emitted per span
// mutation (start, end, error) plus a trace-complete marker at finalize.
type Record struct {
	Kind         RecordKind     `json:"kind"`
	SpanID       uuid.UUID      `json:"span_id"`
	TraceID      uuid.UUID      `json:"trace_id"`
	ParentSpanID *uuid.UUID     `json:"parent_span_id,omitempty"`
	Name         string         `json:"name,omitempty"`
	Category     model.Category `json:"category,omitempty"`
	KindKey      string         `json:"kind_key,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	StoryID      string         `json:"story_id,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Status       model.Status   `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Usage        *model.Usage   `json:"usage,omitempty"`
}

// FromSpan builds a span record from the span's current state.
func FromSpan(s *model.Span, sessionID, storyID string) Record {
	return Record{
		Kind:         RecordSpan,
		SpanID:       s.ID,
		TraceID:      s.TraceID,
		ParentSpanID: s.ParentSpanID,
		Name:         s.Name,
		Category:     s.Category,
		KindKey:      s.KindKey,
		SessionID:    sessionID,
		StoryID:      storyID,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Status:       s.Status,
		Input:        s.Input,
		Output:       s.Output,
		ErrorKind:    s.ErrorKind,
		ErrorMessage: s.ErrorMessage,
		Metadata:     s.Metadata,
		Usage:        s.Usage,
	}
}

// Sink receives records from the handler. Enqueue must never block;
// Flush pushes buffered records out within the context's deadline and
// reports whether everything was delivered; Drain stops background work
// after a best-effort final flush.
type Sink interface {
	Enqueue(rec Record)
	Flush(ctx context.Context) bool
	Drain(ctx context.Context)
}

// Noop discards every record. Used when the tracer runs disabled.
type Noop struct{}

func (Noop) Enqueue(Record)             {}
func (Noop) Flush(context.Context) bool { return true }
func (Noop) Drain(context.Context)      {}
