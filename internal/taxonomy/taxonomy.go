// Package taxonomy is the static registry of narrative event kinds.
//
// Every kind has a symbolic key ("narrative.beat.created"), a category, a
// display glyph, and a one-line description. The registry is populated at
// init and never mutated, so lookups need no locking.
package taxonomy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/kataru/internal/model"
)

// ErrUnknownEventKind is returned by Lookup for keys not in the registry.
var ErrUnknownEventKind = errors.New("taxonomy: unknown event kind")

// Kind describes one traceable narrative operation.
type Kind struct {
	Key         string
	Category    model.Category
	Glyph       string
	Description string
}

// DisplayName derives a human-readable name from the key's last segment,
// prefixed with the kind's glyph.
func (k Kind) DisplayName() string {
	seg := k.Key
	if i := strings.LastIndex(seg, "."); i >= 0 {
		seg = seg[i+1:]
	}
	words := strings.Split(seg, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return fmt.Sprintf("%s %s", k.Glyph, strings.Join(words, " "))
}

// Event kind keys.
const (
	BeatCreated         = "narrative.beat.created"
	BeatAnalyzed        = "narrative.beat.analyzed"
	BeatEnriched        = "narrative.beat.enriched"
	BeatQualityAssessed = "narrative.beat.quality_assessed"

	CharacterArcAnalyzed  = "narrative.character.arc_analyzed"
	CharacterArcUpdated   = "narrative.character.arc_updated"
	CharacterRelationship = "narrative.character.relationship"

	ThemeDetected        = "narrative.theme.detected"
	ThemeTension         = "narrative.theme.tension"
	ThemeStrengthChanged = "narrative.theme.strength_changed"
	ThemeResolved        = "narrative.theme.resolved"

	UniverseAnalysis  = "narrative.universe.analysis"
	UniverseLead      = "narrative.universe.lead"
	UniverseCoherence = "narrative.universe.coherence"

	IntentClassified = "narrative.routing.intent"
	RoutingDecision  = "narrative.routing.decision"
	FlowExecuted     = "narrative.routing.flow_executed"
	FlowResult       = "narrative.routing.flow_result"

	CheckpointSaved    = "narrative.checkpoint.saved"
	CheckpointRestored = "narrative.checkpoint.restored"
	EpisodeBoundary    = "narrative.checkpoint.episode_boundary"

	StoryStart   = "narrative.story.start"
	StoryEnd     = "narrative.story.end"
	StoryMetrics = "narrative.story.metrics"

	GapIdentified = "narrative.gap.identified"
	GapRemediated = "narrative.gap.remediated"
)

var registry = map[string]Kind{
	BeatCreated:         {BeatCreated, model.CategoryBeat, "📝", "story beat created"},
	BeatAnalyzed:        {BeatAnalyzed, model.CategoryBeat, "🔍", "story beat analyzed"},
	BeatEnriched:        {BeatEnriched, model.CategoryBeat, "✨", "story beat enriched"},
	BeatQualityAssessed: {BeatQualityAssessed, model.CategoryBeat, "📊", "beat quality assessed"},

	CharacterArcAnalyzed:  {CharacterArcAnalyzed, model.CategoryCharacter, "🎭", "character arc analyzed"},
	CharacterArcUpdated:   {CharacterArcUpdated, model.CategoryCharacter, "📈", "character arc updated"},
	CharacterRelationship: {CharacterRelationship, model.CategoryCharacter, "🤝", "character relationship changed"},

	ThemeDetected:        {ThemeDetected, model.CategoryTheme, "🎨", "theme detected"},
	ThemeTension:         {ThemeTension, model.CategoryTheme, "⚡", "thematic tension identified"},
	ThemeStrengthChanged: {ThemeStrengthChanged, model.CategoryTheme, "📶", "theme strength changed"},
	ThemeResolved:        {ThemeResolved, model.CategoryTheme, "🎯", "theme resolved"},

	UniverseAnalysis:  {UniverseAnalysis, model.CategoryUniverse, "🌌", "three-universe analysis"},
	UniverseLead:      {UniverseLead, model.CategoryUniverse, "🎯", "lead universe determined"},
	UniverseCoherence: {UniverseCoherence, model.CategoryUniverse, "🔄", "universe coherence calculated"},

	IntentClassified: {IntentClassified, model.CategoryRouting, "🧭", "intent classified"},
	RoutingDecision:  {RoutingDecision, model.CategoryRouting, "🚀", "routing decision made"},
	FlowExecuted:     {FlowExecuted, model.CategoryRouting, "⚙️", "flow executed"},
	FlowResult:       {FlowResult, model.CategoryRouting, "✅", "flow result recorded"},

	CheckpointSaved:    {CheckpointSaved, model.CategoryCheckpoint, "💾", "narrative checkpoint saved"},
	CheckpointRestored: {CheckpointRestored, model.CategoryCheckpoint, "🔙", "narrative state restored"},
	EpisodeBoundary:    {EpisodeBoundary, model.CategoryCheckpoint, "📺", "episode boundary crossed"},

	StoryStart:   {StoryStart, model.CategoryGeneric, "📖", "story generation started"},
	StoryEnd:     {StoryEnd, model.CategoryGeneric, "📕", "story generation ended"},
	StoryMetrics: {StoryMetrics, model.CategoryGeneric, "📈", "story quality metrics recorded"},

	GapIdentified: {GapIdentified, model.CategoryGeneric, "🕳️", "narrative gap identified"},
	GapRemediated: {GapRemediated, model.CategoryGeneric, "🩹", "narrative gap remediated"},
}

// Lookup returns the Kind for key, or ErrUnknownEventKind.
func Lookup(key string) (Kind, error) {
	k, ok := registry[key]
	if !ok {
		return Kind{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, key)
	}
	return k, nil
}

// Glyph returns the display glyph for key, falling back to a gear for
// unregistered kinds.
func Glyph(key string) string {
	if k, ok := registry[key]; ok {
		return k.Glyph
	}
	return "⚙️"
}

// CategoryOf returns the category for key, CategoryGeneric when unknown.
func CategoryOf(key string) model.Category {
	if k, ok := registry[key]; ok {
		return k.Category
	}
	return model.CategoryGeneric
}

// Kinds returns every registered kind, sorted by key.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for _, k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
