package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Trace is the root container for one story run: a root span plus every
// nested span, in insertion order. The handler guards traces with its own
// mutex; Trace itself is not safe for concurrent use.
type Trace struct {
	ID          uuid.UUID      `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	StoryID     string         `json:"story_id,omitempty"`
	RootSpanID  uuid.UUID      `json:"root_span_id"`
	Spans       []*Span        `json:"spans"`
	Finalized   bool           `json:"finalized"`
	FinalizedAt *time.Time     `json:"finalized_at,omitempty"`
	Metrics     *Metrics       `json:"metrics,omitempty"`
	FinalOutput map[string]any `json:"final_output,omitempty"`

	finalStatus Status
}

// AggregateStatus derives the trace status from its spans: ERROR if any span
// ended in error, OPEN if any span is still open, OK otherwise. Once the
// trace is finalized the value is frozen.
func (t *Trace) AggregateStatus() Status {
	if t.Finalized && t.finalStatus != "" {
		return t.finalStatus
	}
	return t.computeStatus()
}

func (t *Trace) computeStatus() Status {
	status := StatusOK
	for _, s := range t.Spans {
		if s.Status == StatusError {
			return StatusError
		}
		if s.Status == StatusOpen {
			status = StatusOpen
		}
	}
	return status
}

// Finalize freezes the trace: caches the aggregate status, records the
// finalize time, and attaches the final output and metrics.
func (t *Trace) Finalize(now time.Time, finalOutput map[string]any, m *Metrics) {
	t.finalStatus = t.computeStatus()
	t.Finalized = true
	t.FinalizedAt = &now
	t.FinalOutput = finalOutput
	t.Metrics = m
}

// SpanByID returns the span with the given id, or nil.
func (t *Trace) SpanByID(id uuid.UUID) *Span {
	for _, s := range t.Spans {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// RootSpan returns the root span, or nil if the trace is empty.
func (t *Trace) RootSpan() *Span { return t.SpanByID(t.RootSpanID) }

// Children returns the direct children of the given span, ordered by start
// time (insertion order breaks ties, sort.SliceStable preserves it).
func (t *Trace) Children(parentID uuid.UUID) []*Span {
	var out []*Span
	for _, s := range t.Spans {
		if s.ParentSpanID != nil && *s.ParentSpanID == parentID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// OpenSpans returns the spans that have not been closed yet.
func (t *Trace) OpenSpans() []*Span {
	var out []*Span
	for _, s := range t.Spans {
		if s.Open() {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot returns a deep copy of the trace suitable for handing outside the
// handler's lock.
func (t *Trace) Snapshot() *Trace {
	c := *t
	if t.FinalizedAt != nil {
		fin := *t.FinalizedAt
		c.FinalizedAt = &fin
	}
	if t.Metrics != nil {
		m := t.Metrics.Clone()
		c.Metrics = m
	}
	c.FinalOutput = cloneMap(t.FinalOutput)
	c.Spans = make([]*Span, len(t.Spans))
	for i, s := range t.Spans {
		c.Spans[i] = s.Clone()
	}
	return &c
}
