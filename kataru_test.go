package kataru_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kataru"
)

// memorySink captures records through the public Sink extension point.
type memorySink struct {
	mu      sync.Mutex
	records []kataru.Record
}

func (s *memorySink) Enqueue(rec kataru.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *memorySink) Flush(context.Context) bool { return true }
func (s *memorySink) Drain(context.Context)      {}

func (s *memorySink) all() []kataru.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kataru.Record, len(s.records))
	copy(out, s.records)
	return out
}

func newTracer(t *testing.T, opts ...kataru.Option) (*kataru.Tracer, *memorySink) {
	t.Helper()
	clearBackendEnv(t)
	snk := &memorySink{}
	opts = append([]kataru.Option{
		kataru.WithSink(snk),
		kataru.WithEnabled(true),
		kataru.WithSessionID("sess-test"),
	}, opts...)
	tracer, err := kataru.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Close(ctx)
	})
	return tracer, snk
}

func clearBackendEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KATARU_PUBLIC_KEY", "")
	t.Setenv("KATARU_SECRET_KEY", "")
	t.Setenv("KATARU_STRICT", "")
	t.Setenv("KATARU_ENABLED", "")
	t.Setenv("KATARU_ARCHIVE_PATH", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func TestDisabledMode_AllCallsAreNoops(t *testing.T) {
	clearBackendEnv(t)

	tracer, err := kataru.New()
	require.NoError(t, err)
	assert.False(t, tracer.Enabled())

	root, err := tracer.StartStory("story-1", "", uuid.Nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, root.TraceID, "hosts still get correlation ids")

	spanID := tracer.StartSpan(kataru.SpanRequest{RunID: "r1", TraceID: root.TraceID, Name: "beat"})
	assert.Equal(t, uuid.Nil, spanID)

	tracer.EndSpan("r1", nil)
	tracer.RecordError("r1", "x", "y")

	_, err = tracer.FinalizeStory(root.TraceID, nil)
	require.NoError(t, err)

	assert.True(t, tracer.Flush(time.Second))
	assert.NoError(t, tracer.Close(context.Background()))
}

func TestStrictMode_MissingCredentialsFails(t *testing.T) {
	clearBackendEnv(t)

	_, err := kataru.New(kataru.WithStrict(true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestStoryLifecycle_EndToEnd(t *testing.T) {
	tracer, snk := newTracer(t)

	root, err := tracer.StartStory("story-7", "", uuid.Nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, root.TraceID)
	require.NotEqual(t, uuid.Nil, root.RootSpanID)
	assert.Equal(t, "sess-test", root.SessionID)

	beatID := tracer.StartSpan(kataru.SpanRequest{
		RunID:   "beat-run",
		TraceID: root.TraceID,
		Name:    "Beat 1",
		KindKey: "narrative.beat.created",
		Input:   map[string]any{"prompt": "a discovery"},
		Metadata: map[string]any{
			"coherence_score": 0.8,
		},
	})
	require.NotEqual(t, uuid.Nil, beatID)

	enrichID := tracer.ChildSpan("beat-run", "enrich-run", "Enrichment", "narrative.beat.enriched", nil)
	require.NotEqual(t, uuid.Nil, enrichID)

	tracer.RecordError("enrich-run", "llm_error", "model refused")
	tracer.EndSpan("beat-run", map[string]any{"text": "beat one"})

	completed, err := tracer.FinalizeStory(root.TraceID, map[string]any{"story": "the end"})
	require.NoError(t, err)

	assert.Equal(t, root.TraceID, completed.ID)
	assert.Equal(t, "story-7", completed.StoryID)
	assert.Equal(t, "error", completed.Status, "one failed span makes the trace ERROR")
	assert.Len(t, completed.Spans, 3)
	require.NotNil(t, completed.Metrics)
	assert.Equal(t, 3, completed.Metrics.SpanCount)
	assert.InDelta(t, 1.0/3.0, completed.Metrics.ErrorRate, 1e-9)
	assert.Equal(t, "the end", completed.FinalOutput["story"])
	assert.False(t, completed.FinalizedAt.IsZero())

	tree := completed.FormatTree()
	assert.Contains(t, tree, "Story Generation: story-7")
	assert.Contains(t, tree, "Beat 1")
	assert.Contains(t, tree, "Enrichment")

	assert.NotEmpty(t, completed.Suggestions())

	// Every mutation reached the sink; the completion marker comes last.
	recs := snk.all()
	require.NotEmpty(t, recs)
	assert.Equal(t, "trace-complete", recs[len(recs)-1].Kind)
	for _, rec := range recs {
		assert.Equal(t, root.TraceID, rec.TraceID)
	}

	// The finalized trace is frozen: new spans are dropped silently.
	lateID := tracer.StartSpan(kataru.SpanRequest{RunID: "late", TraceID: root.TraceID, Name: "late"})
	assert.Equal(t, uuid.Nil, lateID)
}

func TestDuplicateRun_RecordsAnomalySpan(t *testing.T) {
	tracer, _ := newTracer(t)

	root, err := tracer.StartStory("story-1", "", uuid.Nil)
	require.NoError(t, err)

	first := tracer.StartSpan(kataru.SpanRequest{RunID: "run-1", TraceID: root.TraceID, Name: "first"})
	require.NotEqual(t, uuid.Nil, first)

	second := tracer.StartSpan(kataru.SpanRequest{RunID: "run-1", TraceID: root.TraceID, Name: "second"})
	assert.Equal(t, uuid.Nil, second, "duplicate start opens no span")

	tracer.EndSpan("run-1", nil)
	completed, err := tracer.FinalizeStory(root.TraceID, nil)
	require.NoError(t, err)

	// Root + first span + one synthetic anomaly span.
	require.Len(t, completed.Spans, 3)
	var anomaly *kataru.Span
	for i := range completed.Spans {
		if completed.Spans[i].ErrorKind == "duplicate_run" {
			anomaly = &completed.Spans[i]
		}
	}
	require.NotNil(t, anomaly, "expected a duplicate_run anomaly span")
	assert.Equal(t, "error", anomaly.Status)

	// The first span survived untouched.
	for _, s := range completed.Spans {
		if s.ID == first {
			assert.Equal(t, "first", s.Name)
			assert.Equal(t, "ok", s.Status)
		}
	}
}

func TestUnknownRunClose_IsSwallowed(t *testing.T) {
	tracer, _ := newTracer(t)

	root, err := tracer.StartStory("story-1", "", uuid.Nil)
	require.NoError(t, err)

	// Never panics, never errors, never mutates.
	tracer.EndSpan("ghost", nil)
	tracer.RecordError("ghost", "x", "y")

	completed, err := tracer.FinalizeStory(root.TraceID, nil)
	require.NoError(t, err)
	assert.Len(t, completed.Spans, 1, "only the root span exists")
}

func TestCorrelationRoundtrip(t *testing.T) {
	tracer, _ := newTracer(t)

	root, err := tracer.StartStory("story-9", "", uuid.Nil)
	require.NoError(t, err)

	headers := map[string]string{"Content-Type": "application/json"}
	out := tracer.InjectCorrelation(headers, root.TraceID, root.RootSpanID)

	assert.NotContains(t, headers, "X-Narrative-Trace-Id", "input map is never mutated")
	assert.Equal(t, "application/json", out["Content-Type"])
	assert.Equal(t, root.TraceID.String(), out["X-Narrative-Trace-Id"])
	assert.Equal(t, "story-9", out["X-Story-Id"])
	assert.Equal(t, "sess-test", out["X-Session-Id"])
	assert.Equal(t, root.RootSpanID.String(), out["X-Parent-Span-Id"])

	// Extraction on the receiving side yields the same trace id.
	got, ok := tracer.ExtractCorrelation(out)
	require.True(t, ok)
	assert.Equal(t, root.TraceID, got)

	c, ok := tracer.ExtractCorrelationContext(out)
	require.True(t, ok)
	assert.Equal(t, root.TraceID, c.TraceID)
	assert.Equal(t, "story-9", c.StoryID)
	assert.Equal(t, root.RootSpanID, c.ParentSpanID)
}

func TestExtractCorrelation_MissingOrMalformed(t *testing.T) {
	tracer, _ := newTracer(t)

	_, ok := tracer.ExtractCorrelation(map[string]string{})
	assert.False(t, ok)

	_, ok = tracer.ExtractCorrelation(map[string]string{"X-Narrative-Trace-Id": "not-a-uuid"})
	assert.False(t, ok)

	_, ok = tracer.ExtractCorrelation(nil)
	assert.False(t, ok)
}

func TestCustomCorrelationHeader(t *testing.T) {
	tracer, _ := newTracer(t, kataru.WithCorrelationHeader("X-Pipeline-Trace"))

	root, err := tracer.StartStory("story-1", "", uuid.Nil)
	require.NoError(t, err)

	out := tracer.InjectCorrelation(nil, root.TraceID, uuid.Nil)
	assert.Equal(t, root.TraceID.String(), out["X-Pipeline-Trace"])

	got, ok := tracer.ExtractCorrelation(out)
	require.True(t, ok)
	assert.Equal(t, root.TraceID, got)
}

func TestStartStory_ExternalTraceIDReused(t *testing.T) {
	tracer, _ := newTracer(t)

	external := uuid.New()
	root, err := tracer.StartStory("story-1", "", external)
	require.NoError(t, err)
	assert.Equal(t, external, root.TraceID, "externally supplied correlation id is honored")

	// Same id again joins the existing trace instead of failing.
	again, err := tracer.StartStory("story-1", "", external)
	require.NoError(t, err)
	assert.Equal(t, root.TraceID, again.TraceID)
	assert.Equal(t, root.RootSpanID, again.RootSpanID)
}

func TestSpanTimeout_SweepClosesOrphans(t *testing.T) {
	tracer, _ := newTracer(t, kataru.WithSpanTimeout(50*time.Millisecond))

	root, err := tracer.StartStory("story-1", "", uuid.Nil)
	require.NoError(t, err)

	tracer.StartSpan(kataru.SpanRequest{RunID: "stuck", TraceID: root.TraceID, Name: "stuck beat"})

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, tracer.Sweep())

	snap, ok := tracer.Trace(root.TraceID)
	require.True(t, ok)
	var found bool
	for _, s := range snap.Spans {
		if s.Name == "stuck beat" {
			found = true
			assert.Equal(t, "error", s.Status)
			assert.Equal(t, "timeout", s.ErrorKind)
		}
	}
	assert.True(t, found)
}
