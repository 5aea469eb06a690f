package model

// Score keys recognized in span metadata and averaged into Metrics.Scores.
const (
	ScoreCoherence    = "coherence_score"
	ScoreEmotionalArc = "emotional_arc_strength"
	ScoreThemeClarity = "theme_clarity"
	ScoreUniverse     = "cross_universe_coherence"
	ScoreDialogue     = "dialogue_consistency"
)

// Metrics aggregates a finalized trace: per-category counts and timings,
// error rate, and the narrative quality scores found in span metadata.
type Metrics struct {
	SpanCount             int                  `json:"span_count"`
	CategoryCounts        map[Category]int     `json:"category_counts"`
	KindCounts            map[string]int       `json:"kind_counts,omitempty"`
	CategoryAvgDurationMs map[Category]float64 `json:"category_avg_duration_ms"`
	TotalDurationMs       float64              `json:"total_duration_ms"`
	AvgSpanDurationMs     float64              `json:"avg_span_duration_ms"`
	ErrorRate             float64              `json:"error_rate"`
	Scores                map[string]float64   `json:"scores,omitempty"`
	OverallQuality        float64              `json:"overall_quality"`
}

// ComputeOverallQuality blends the recognized scores into a single quality
// value. Missing scores contribute their weight at a neutral 0.5.
func ComputeOverallQuality(scores map[string]float64) float64 {
	weighted := func(key string, weight float64) float64 {
		if v, ok := scores[key]; ok {
			return v * weight
		}
		return 0.5 * weight
	}
	q := weighted(ScoreCoherence, 0.25) +
		weighted(ScoreEmotionalArc, 0.25) +
		weighted(ScoreThemeClarity, 0.20) +
		weighted(ScoreUniverse, 0.15) +
		weighted(ScoreDialogue, 0.15)
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// Clone returns a copy with its own maps.
func (m *Metrics) Clone() *Metrics {
	c := *m
	if m.CategoryCounts != nil {
		c.CategoryCounts = make(map[Category]int, len(m.CategoryCounts))
		for k, v := range m.CategoryCounts {
			c.CategoryCounts[k] = v
		}
	}
	if m.KindCounts != nil {
		c.KindCounts = make(map[string]int, len(m.KindCounts))
		for k, v := range m.KindCounts {
			c.KindCounts[k] = v
		}
	}
	if m.CategoryAvgDurationMs != nil {
		c.CategoryAvgDurationMs = make(map[Category]float64, len(m.CategoryAvgDurationMs))
		for k, v := range m.CategoryAvgDurationMs {
			c.CategoryAvgDurationMs[k] = v
		}
	}
	if m.Scores != nil {
		c.Scores = make(map[string]float64, len(m.Scores))
		for k, v := range m.Scores {
			c.Scores[k] = v
		}
	}
	return &c
}
