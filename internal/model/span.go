// Package model defines the core domain types for kataru.
//
// Types use strong typing (UUIDs, time.Time, enums) where the shape is ours
// to own; span payloads and metadata stay map[string]any because their shape
// belongs to the host pipeline, not to this library.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Category groups event kinds into the narrative domains the formatter and
// metrics understand.
type Category string

const (
	CategoryBeat       Category = "beat"
	CategoryCharacter  Category = "character"
	CategoryTheme      Category = "theme"
	CategoryUniverse   Category = "universe"
	CategoryRouting    Category = "routing"
	CategoryCheckpoint Category = "checkpoint"
	CategoryGeneric    Category = "generic"
)

// Status is the lifecycle state of a span.
type Status string

const (
	StatusOpen  Status = "open"
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Usage holds optional token counters reported when a span closes.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Span is one observed operation inside a trace. A span carries a back
// reference (TraceID) only, never an ownership pointer to its trace.
type Span struct {
	ID           uuid.UUID      `json:"id"`
	TraceID      uuid.UUID      `json:"trace_id"`
	ParentSpanID *uuid.UUID     `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	Category     Category       `json:"category"`
	KindKey      string         `json:"kind_key,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Status       Status         `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Open reports whether the span has not been closed yet.
func (s *Span) Open() bool { return s.EndedAt == nil }

// Duration returns the closed span's duration, or zero while the span is
// still open.
func (s *Span) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Clone returns a copy of the span. Payload and metadata maps are copied one
// level deep; nested values are shared, which is safe because the handler
// never mutates values received from the host.
func (s *Span) Clone() *Span {
	c := *s
	if s.ParentSpanID != nil {
		pid := *s.ParentSpanID
		c.ParentSpanID = &pid
	}
	if s.EndedAt != nil {
		end := *s.EndedAt
		c.EndedAt = &end
	}
	if s.Usage != nil {
		u := *s.Usage
		c.Usage = &u
	}
	c.Input = cloneMap(s.Input)
	c.Output = cloneMap(s.Output)
	c.Metadata = cloneMap(s.Metadata)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
