// Package coach turns insights and corner analyses into prioritized
// coaching messages, queues them with dedupe/combine/rate-limit
// semantics, and fans delivered messages out to subscribers.
package coach

import (
	"fmt"
	"strings"
	"time"
)

// Message categories. The set is closed; the decider maps every
// situation onto one of these.
const (
	CategoryBraking        = "braking"
	CategoryThrottle       = "throttle"
	CategoryCornering      = "cornering"
	CategoryConsistency    = "consistency"
	CategoryRacingLine     = "racing_line"
	CategoryHandling       = "handling"
	CategoryGearShifting   = "gear_shifting"
	CategoryWeightTransfer = "weight_transfer"
	CategoryGForces        = "g_forces"
	CategoryPositive       = "positive"
	CategoryTip            = "tip"
	CategorySession        = "session"
	CategoryBaseline       = "baseline"
	CategoryGeneral        = "general"
	CategorySafety         = "safety"
	CategoryPitStrategy    = "pit_strategy"
	CategoryTireManagement = "tire_management"

	// Analysis-grade categories that route through the LLM enricher.
	CategoryCornerAnalysis = "corner_analysis"
	CategoryRaceStrategy   = "race_strategy"
	CategoryTechnique      = "technique_improvement"
)

// Priorities, most urgent first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Sources identify where a message's content came from.
const (
	SourceLocal     = "local"
	SourceRemote    = "remote"
	SourceCombined  = "combined"
	SourceReference = "reference"
)

// Message is one coaching message flowing from the decider through the
// queue to delivery.
type Message struct {
	ID                   string    `json:"id"`
	Content              string    `json:"message"`
	Category             string    `json:"category"`
	Priority             string    `json:"priority"`
	Source               string    `json:"source"`
	Confidence           float64   `json:"confidence"` // 0..1
	Context              string    `json:"context,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
	Secondary            []string  `json:"secondary_messages,omitempty"`
	ImprovementPotential float64   `json:"improvement_potential,omitempty"`
	Audio                []byte    `json:"-"`
	Delivered            bool      `json:"-"`
	Attempts             int       `json:"-"`
}

// NewMessage stamps a message with its wire id, "<ms>_<category>".
func NewMessage(content, category, priority, source string, confidence float64, at time.Time) *Message {
	return &Message{
		ID:         fmt.Sprintf("%d_%s", at.UnixMilli(), category),
		Content:    content,
		Category:   category,
		Priority:   priority,
		Source:     source,
		Confidence: confidence,
		Timestamp:  at,
	}
}

// PriorityRank orders priorities for the queue: lower sorts first.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// PriorityWire maps a priority to its numeric wire form, 1 = critical.
func PriorityWire(p string) int {
	return PriorityRank(p) + 1
}

// words tokenizes content for the similarity and combine checks:
// lowercased, punctuation stripped.
func words(content string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

// Similarity is the word-overlap ratio |A∩B| / |A∪B| of two contents.
func Similarity(a, b string) float64 {
	wa, wb := words(a), words(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}
