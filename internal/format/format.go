// Package format renders finalized traces for humans: tree and timeline
// views, markdown export, metric extraction, and improvement suggestions.
//
// All functions are pure over a trace snapshot; none mutate their input.
package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/kataru/internal/model"
	"github.com/ashita-ai/kataru/internal/taxonomy"
)

// Tree renders the span tree depth-first, parents before children, siblings
// ordered by start time.
func Tree(t *model.Trace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📖 Story Generation: %s\n", t.StoryID)
	if t.SessionID != "" {
		fmt.Fprintf(&b, "   Session: %s\n", t.SessionID)
	}
	if root := t.RootSpan(); root != nil && root.EndedAt != nil {
		fmt.Fprintf(&b, "   Duration: %dms\n", root.Duration().Milliseconds())
	}
	b.WriteString("\n")

	if root := t.RootSpan(); root != nil {
		writeSpanLine(&b, t, root, "", "")
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeSpanLine(b *strings.Builder, t *model.Trace, s *model.Span, prefix, childPrefix string) {
	fmt.Fprintf(b, "%s%s %s%s%s\n", prefix, spanGlyph(s), s.Name, durationSuffix(s), statusSuffix(s))

	children := t.Children(s.ID)
	for i, c := range children {
		last := i == len(children)-1
		connector, next := "├─ ", "│  "
		if last {
			connector, next = "└─ ", "   "
		}
		writeSpanLine(b, t, c, childPrefix+connector, childPrefix+next)
	}
}

func spanGlyph(s *model.Span) string {
	if s.KindKey != "" {
		return taxonomy.Glyph(s.KindKey)
	}
	return "⚙️"
}

func durationSuffix(s *model.Span) string {
	if s.EndedAt == nil {
		return ""
	}
	return fmt.Sprintf(" (%dms)", s.Duration().Milliseconds())
}

func statusSuffix(s *model.Span) string {
	switch s.Status {
	case model.StatusError:
		if s.ErrorKind != "" {
			return fmt.Sprintf(" ❌ %s", s.ErrorKind)
		}
		return " ❌"
	case model.StatusOpen:
		return " …"
	default:
		return ""
	}
}

// Timeline renders every span flat, strictly ascending by start time.
func Timeline(t *model.Trace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 Timeline: %s\n\n", t.StoryID)

	spans := make([]*model.Span, len(t.Spans))
	copy(spans, t.Spans)
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].StartedAt.Before(spans[j].StartedAt)
	})

	for i, s := range spans {
		connector := "├─"
		if i == len(spans)-1 {
			connector = "└─"
		}
		fmt.Fprintf(&b, "%s %s %s %s%s [%s]%s\n",
			s.StartedAt.Format("15:04:05.000"),
			connector,
			spanGlyph(s),
			s.Name,
			durationSuffix(s),
			s.Category,
			statusSuffix(s),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Markdown renders a documentation-ready report: metadata, metrics table,
// per-beat breakdown, and the span tree.
func Markdown(t *model.Trace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Story Generation Trace: %s\n\n", t.StoryID)

	b.WriteString("## Metadata\n\n")
	fmt.Fprintf(&b, "- **Trace ID**: %s\n", t.ID)
	if t.SessionID != "" {
		fmt.Fprintf(&b, "- **Session ID**: %s\n", t.SessionID)
	}
	fmt.Fprintf(&b, "- **Spans**: %d\n", len(t.Spans))
	fmt.Fprintf(&b, "- **Status**: %s\n", t.AggregateStatus())
	if root := t.RootSpan(); root != nil && root.EndedAt != nil {
		fmt.Fprintf(&b, "- **Duration**: %dms\n", root.Duration().Milliseconds())
	}
	b.WriteString("\n")

	if m := t.Metrics; m != nil {
		b.WriteString("## Quality Metrics\n\n")
		b.WriteString("| Metric | Value |\n")
		b.WriteString("|--------|-------|\n")
		for _, key := range []string{
			model.ScoreCoherence,
			model.ScoreEmotionalArc,
			model.ScoreThemeClarity,
			model.ScoreUniverse,
			model.ScoreDialogue,
		} {
			if v, ok := m.Scores[key]; ok {
				fmt.Fprintf(&b, "| %s | %.2f |\n", scoreLabel(key), v)
			}
		}
		fmt.Fprintf(&b, "| Error Rate | %.2f |\n", m.ErrorRate)
		fmt.Fprintf(&b, "| Overall Quality | %.2f |\n", m.OverallQuality)
		b.WriteString("\n")
	}

	if beats := spansOfKind(t, taxonomy.BeatCreated); len(beats) > 0 {
		b.WriteString("## Beat Breakdown\n\n")
		for _, s := range beats {
			fmt.Fprintf(&b, "### %s\n\n", s.Name)
			if tone, ok := s.Metadata["emotional_tone"].(string); ok {
				fmt.Fprintf(&b, "- **Emotional Tone**: %s\n", tone)
			}
			if s.EndedAt != nil {
				fmt.Fprintf(&b, "- **Duration**: %dms\n", s.Duration().Milliseconds())
			}
			fmt.Fprintf(&b, "- **Status**: %s\n\n", s.Status)
		}
	}

	b.WriteString("## Span Tree\n\n```\n")
	b.WriteString(Tree(t))
	b.WriteString("\n```\n")
	return b.String()
}

func scoreLabel(key string) string {
	switch key {
	case model.ScoreCoherence:
		return "Coherence"
	case model.ScoreEmotionalArc:
		return "Emotional Arc"
	case model.ScoreThemeClarity:
		return "Theme Clarity"
	case model.ScoreUniverse:
		return "Cross-Universe Coherence"
	case model.ScoreDialogue:
		return "Dialogue Consistency"
	default:
		return key
	}
}

func spansOfKind(t *model.Trace, kindKey string) []*model.Span {
	var out []*model.Span
	for _, s := range t.Spans {
		if s.KindKey == kindKey {
			out = append(out, s)
		}
	}
	return out
}

// ExtractMetrics computes aggregate metrics from the trace's spans:
// per-category counts and average durations, error rate, and every
// recognized score key found in span metadata averaged across spans.
func ExtractMetrics(t *model.Trace) *model.Metrics {
	m := &model.Metrics{
		SpanCount:             len(t.Spans),
		CategoryCounts:        make(map[model.Category]int),
		KindCounts:            make(map[string]int),
		CategoryAvgDurationMs: make(map[model.Category]float64),
		Scores:                make(map[string]float64),
	}

	catTotals := make(map[model.Category]float64)
	catClosed := make(map[model.Category]int)
	scoreTotals := make(map[string]float64)
	scoreCounts := make(map[string]int)

	errCount := 0
	var totalMs float64
	closed := 0
	for _, s := range t.Spans {
		m.CategoryCounts[s.Category]++
		if s.KindKey != "" {
			m.KindCounts[s.KindKey]++
		}
		if s.Status == model.StatusError {
			errCount++
		}
		if s.EndedAt != nil {
			ms := float64(s.Duration().Milliseconds())
			catTotals[s.Category] += ms
			catClosed[s.Category]++
			totalMs += ms
			closed++
		}
		for _, key := range []string{
			model.ScoreCoherence,
			model.ScoreEmotionalArc,
			model.ScoreThemeClarity,
			model.ScoreUniverse,
			model.ScoreDialogue,
		} {
			if v, ok := numericValue(s.Metadata[key]); ok {
				scoreTotals[key] += v
				scoreCounts[key]++
			}
		}
	}

	for cat, total := range catTotals {
		m.CategoryAvgDurationMs[cat] = total / float64(catClosed[cat])
	}
	if len(t.Spans) > 0 {
		m.ErrorRate = float64(errCount) / float64(len(t.Spans))
	}
	if root := t.RootSpan(); root != nil && root.EndedAt != nil {
		m.TotalDurationMs = float64(root.Duration().Milliseconds())
	} else {
		m.TotalDurationMs = totalMs
	}
	if closed > 0 {
		m.AvgSpanDurationMs = totalMs / float64(closed)
	}
	for key, total := range scoreTotals {
		m.Scores[key] = total / float64(scoreCounts[key])
	}
	m.OverallQuality = model.ComputeOverallQuality(m.Scores)
	return m
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Suggestions derives improvement advice from the metrics. The order is
// deterministic; a healthy trace gets a single confirmation line.
func Suggestions(m *model.Metrics) []string {
	var out []string

	if m.ErrorRate > 0.1 {
		out = append(out, "❌ High error rate. Inspect failed spans before trusting the story output.")
	}
	if score, ok := m.Scores[model.ScoreCoherence]; ok && score < 0.6 {
		out = append(out, "🔍 Low coherence detected. Consider adding transition beats to improve flow between scenes.")
	}
	if score, ok := m.Scores[model.ScoreEmotionalArc]; ok && score < 0.5 {
		out = append(out, "💓 Emotional arc is weak. Try adding beats with stronger emotional contrast or character reactions.")
	}
	if score, ok := m.Scores[model.ScoreThemeClarity]; ok && score < 0.6 {
		out = append(out, "🎨 Themes are unclear. Consider reinforcing thematic elements through dialogue or symbolic actions.")
	}
	if score, ok := m.Scores[model.ScoreUniverse]; ok && score < 0.5 {
		out = append(out, "🌌 Three-universe alignment is low. Review if all perspectives are represented.")
	}
	beats := m.KindCounts[taxonomy.BeatCreated]
	enriched := m.KindCounts[taxonomy.BeatEnriched]
	if beats > 0 && float64(enriched) < float64(beats)*0.3 {
		out = append(out, "✨ Few beats were enriched. Consider running more beats through specialized flows.")
	}
	if beats > 0 && m.TotalDurationMs/float64(beats) > 5000 {
		out = append(out, "⚡ Beat generation is slow. Consider optimizing prompts or using faster model variants.")
	}

	if len(out) == 0 {
		out = append(out, "✅ Narrative metrics look healthy! The story maintains good coherence, emotional arc, and thematic clarity.")
	}
	return out
}
