package format_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kataru/internal/format"
	"github.com/ashita-ai/kataru/internal/model"
	"github.com/ashita-ai/kataru/internal/taxonomy"
)

func ptr[T any](v T) *T { return &v }

// storyTrace builds a small finalized trace: a root with two beats (the
// second started later but appearing first in insertion order) and a failed
// enrichment under beat one.
func storyTrace() *model.Trace {
	traceID := uuid.New()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	root := &model.Span{
		ID: uuid.New(), TraceID: traceID, Name: "Story Generation: story-1",
		Category: model.CategoryGeneric, KindKey: taxonomy.StoryStart,
		StartedAt: base, EndedAt: ptr(base.Add(10 * time.Second)), Status: model.StatusOK,
	}
	beat2 := &model.Span{
		ID: uuid.New(), TraceID: traceID, ParentSpanID: ptr(root.ID), Name: "Beat 2",
		Category: model.CategoryBeat, KindKey: taxonomy.BeatCreated,
		StartedAt: base.Add(6 * time.Second), EndedAt: ptr(base.Add(9 * time.Second)), Status: model.StatusOK,
		Metadata: map[string]any{model.ScoreCoherence: 0.9},
	}
	beat1 := &model.Span{
		ID: uuid.New(), TraceID: traceID, ParentSpanID: ptr(root.ID), Name: "Beat 1",
		Category: model.CategoryBeat, KindKey: taxonomy.BeatCreated,
		StartedAt: base.Add(1 * time.Second), EndedAt: ptr(base.Add(5 * time.Second)), Status: model.StatusOK,
		Metadata: map[string]any{model.ScoreCoherence: 0.7},
	}
	enrich := &model.Span{
		ID: uuid.New(), TraceID: traceID, ParentSpanID: ptr(beat1.ID), Name: "Enrichment",
		Category: model.CategoryBeat, KindKey: taxonomy.BeatEnriched,
		StartedAt: base.Add(2 * time.Second), EndedAt: ptr(base.Add(3 * time.Second)), Status: model.StatusError,
		ErrorKind: "llm_error", ErrorMessage: "model refused",
	}

	t := &model.Trace{
		ID: traceID, StoryID: "story-1", SessionID: "sess-1", RootSpanID: root.ID,
		Spans: []*model.Span{root, beat2, beat1, enrich},
	}
	return t
}

func TestTree_ParentBeforeChildSiblingsByStartTime(t *testing.T) {
	out := format.Tree(storyTrace())

	rootIdx := strings.Index(out, "Story Generation: story-1")
	beat1Idx := strings.Index(out, "Beat 1")
	beat2Idx := strings.Index(out, "Beat 2")
	enrichIdx := strings.Index(out, "Enrichment")

	require.GreaterOrEqual(t, rootIdx, 0)
	require.GreaterOrEqual(t, beat1Idx, 0)
	require.GreaterOrEqual(t, beat2Idx, 0)
	require.GreaterOrEqual(t, enrichIdx, 0)

	assert.Less(t, rootIdx, beat1Idx, "parent renders before children")
	assert.Less(t, beat1Idx, beat2Idx, "siblings ordered by start time, not insertion order")
	assert.Less(t, enrichIdx, beat2Idx, "child renders under its parent")

	assert.Contains(t, out, "📝")
	assert.Contains(t, out, "❌ llm_error")
}

func TestTimeline_StrictlyAscending(t *testing.T) {
	out := format.Timeline(storyTrace())
	lines := strings.Split(out, "\n")

	var times []string
	for _, line := range lines {
		if strings.Contains(line, "├─") || strings.Contains(line, "└─") {
			times = append(times, line[:12])
		}
	}
	require.Len(t, times, 4)
	for i := 1; i < len(times); i++ {
		assert.LessOrEqual(t, times[i-1], times[i], "timeline must ascend")
	}
	assert.Contains(t, out, "[beat]")
}

func TestMarkdown_ContainsMetricsTableAndBeatBreakdown(t *testing.T) {
	tr := storyTrace()
	tr.Metrics = format.ExtractMetrics(tr)
	tr.Finalize(time.Date(2026, 8, 24, 10, 0, 11, 0, time.UTC), nil, tr.Metrics)

	out := format.Markdown(tr)
	assert.Contains(t, out, "# Story Generation Trace: story-1")
	assert.Contains(t, out, "| Metric | Value |")
	assert.Contains(t, out, "| Coherence | 0.80 |")
	assert.Contains(t, out, "## Beat Breakdown")
	assert.Contains(t, out, "### Beat 1")
	assert.Contains(t, out, "### Beat 2")
	assert.Contains(t, out, "## Span Tree")
}

func TestExtractMetrics(t *testing.T) {
	m := format.ExtractMetrics(storyTrace())

	assert.Equal(t, 4, m.SpanCount)
	assert.Equal(t, 3, m.CategoryCounts[model.CategoryBeat])
	assert.Equal(t, 1, m.CategoryCounts[model.CategoryGeneric])
	assert.Equal(t, 2, m.KindCounts[taxonomy.BeatCreated])
	assert.InDelta(t, 0.25, m.ErrorRate, 1e-9)
	assert.InDelta(t, 0.8, m.Scores[model.ScoreCoherence], 1e-9, "coherence averaged across spans")
	assert.InDelta(t, 10000, m.TotalDurationMs, 1e-9, "total duration comes from the root span")
	// Beat category: 3s + 4s + 1s over three closed spans.
	assert.InDelta(t, (3000+4000+1000)/3.0, m.CategoryAvgDurationMs[model.CategoryBeat], 1e-9)
	assert.Greater(t, m.OverallQuality, 0.0)
}

func TestSuggestions_Thresholds(t *testing.T) {
	m := &model.Metrics{
		ErrorRate: 0.5,
		Scores: map[string]float64{
			model.ScoreCoherence:    0.3,
			model.ScoreEmotionalArc: 0.2,
			model.ScoreThemeClarity: 0.9,
			model.ScoreUniverse:     0.9,
		},
		KindCounts: map[string]int{
			taxonomy.BeatCreated:  10,
			taxonomy.BeatEnriched: 1,
		},
		TotalDurationMs: 100_000,
	}
	out := format.Suggestions(m)

	joined := strings.Join(out, "\n")
	assert.Contains(t, joined, "error rate")
	assert.Contains(t, joined, "coherence")
	assert.Contains(t, joined, "Emotional arc")
	assert.NotContains(t, joined, "Themes are unclear")
	assert.Contains(t, joined, "Few beats were enriched")
	assert.Contains(t, joined, "Beat generation is slow")

	// Deterministic order.
	again := format.Suggestions(m)
	assert.Equal(t, out, again)
}

func TestSuggestions_HealthyFallback(t *testing.T) {
	m := &model.Metrics{
		ErrorRate: 0.0,
		Scores: map[string]float64{
			model.ScoreCoherence:    0.9,
			model.ScoreEmotionalArc: 0.9,
			model.ScoreThemeClarity: 0.9,
			model.ScoreUniverse:     0.9,
		},
		KindCounts: map[string]int{
			taxonomy.BeatCreated:  4,
			taxonomy.BeatEnriched: 3,
		},
		TotalDurationMs: 4000,
	}
	out := format.Suggestions(m)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "healthy")
}
