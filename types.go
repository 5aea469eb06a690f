package kataru

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kataru/internal/format"
	"github.com/ashita-ai/kataru/internal/model"
)

// Span is the public view of one traced operation.
type Span struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID
	Name         string
	Category     string
	KindKey      string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       string
	Input        map[string]any
	Output       map[string]any
	ErrorKind    string
	ErrorMessage string
	Metadata     map[string]any
}

// Metrics is the public view of a finalized trace's aggregate metrics.
type Metrics struct {
	SpanCount         int
	CategoryCounts    map[string]int
	TotalDurationMs   float64
	AvgSpanDurationMs float64
	ErrorRate         float64
	Scores            map[string]float64
	OverallQuality    float64
}

// CompletedTrace is a frozen story trace returned by FinalizeStory and the
// archive. The formatting methods render the underlying snapshot; the
// public fields are plain data.
type CompletedTrace struct {
	ID          uuid.UUID
	StoryID     string
	SessionID   string
	Status      string
	FinalizedAt time.Time
	Spans       []Span
	Metrics     *Metrics
	FinalOutput map[string]any

	snapshot *model.Trace
}

// FormatTree renders the span tree, parents before children.
func (c *CompletedTrace) FormatTree() string { return format.Tree(c.snapshot) }

// FormatTimeline renders every span chronologically.
func (c *CompletedTrace) FormatTimeline() string { return format.Timeline(c.snapshot) }

// ExportMarkdown renders a documentation-ready report.
func (c *CompletedTrace) ExportMarkdown() string { return format.Markdown(c.snapshot) }

// Suggestions derives improvement advice from the trace metrics.
func (c *CompletedTrace) Suggestions() []string {
	m := c.snapshot.Metrics
	if m == nil {
		m = format.ExtractMetrics(c.snapshot)
	}
	return format.Suggestions(m)
}
