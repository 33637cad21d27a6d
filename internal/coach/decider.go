package coach

import (
	"fmt"
	"strings"

	"github.com/apexline/apexline/internal/analysis"
	"github.com/apexline/apexline/internal/detect"
	"github.com/apexline/apexline/internal/monitoring"
)

var logf = monitoring.Prefixed("[coach]")

// categoryFor maps a detector situation onto its message category.
var categoryFor = map[string]string{
	detect.SituationOversteer:           CategoryHandling,
	detect.SituationPowerOversteer:      CategoryHandling,
	detect.SituationTrailBrakeOversteer: CategoryHandling,
	detect.SituationUndersteer:          CategoryHandling,
	detect.SituationHighSpeedUndersteer: CategoryHandling,
	detect.SituationPowerUndersteer:     CategoryHandling,

	detect.SituationInsufficientBraking: CategoryBraking,
	detect.SituationLateBraking:         CategoryBraking,
	detect.SituationInputOverlap:        CategoryBraking,
	detect.SituationTrailBraking:        CategoryPositive,

	detect.SituationShiftEarly:          CategoryGearShifting,
	detect.SituationShiftLate:           CategoryGearShifting,
	detect.SituationPoorRevMatching:     CategoryGearShifting,
	detect.SituationMissedEngineBraking: CategoryGearShifting,

	detect.SituationHighG:         CategorySafety,
	detect.SituationRoughG:        CategoryWeightTransfer,
	detect.SituationUnderusedGrip: CategoryGForces,

	detect.SituationInconsistentLaps:     CategoryConsistency,
	detect.SituationExcellentConsistency: CategoryPositive,

	detect.SituationOffUnderBraking:    CategoryBraking,
	detect.SituationOffUnderPower:      CategoryThrottle,
	detect.SituationOffMidcorner:       CategoryRacingLine,
	detect.SituationTrackLimitsPattern: CategoryRacingLine,
}

// llmCategories always route through the enricher when it is available.
var llmCategories = map[string]struct{}{
	CategoryCornerAnalysis: {},
	CategoryRaceStrategy:   {},
	CategoryTechnique:      {},
}

// template renders the local message text for a situation. Where the
// insight is corner-bound the corner name is spliced in.
type template func(in detect.Insight, where string) string

var templates = map[string]template{
	detect.SituationOversteer: func(in detect.Insight, where string) string {
		return fmt.Sprintf("The rear is stepping out%s, unwind the steering and be patient with the power", where)
	},
	detect.SituationPowerOversteer: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Power oversteer%s, feed the throttle more gradually on exit", where)
	},
	detect.SituationTrailBrakeOversteer: func(in detect.Insight, where string) string {
		return fmt.Sprintf("The rear goes light under trail braking%s, release the brake sooner", where)
	},
	detect.SituationUndersteer: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Understeer%s, slow the entry and let the front bite before adding lock", where)
	},
	detect.SituationHighSpeedUndersteer: func(in detect.Insight, where string) string {
		return fmt.Sprintf("High speed understeer%s, lift earlier to load the front axle", where)
	},
	detect.SituationPowerUndersteer: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Power understeer%s, delay the throttle until the car rotates", where)
	},
	detect.SituationInsufficientBraking: func(in detect.Insight, where string) string {
		return "You are leaving braking performance on the table, squeeze the pedal harder initially"
	},
	detect.SituationLateBraking: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Very late braking%s, build brake pressure before the car gets unsettled", where)
	},
	detect.SituationInputOverlap: func(in detect.Insight, where string) string {
		return "Brake and throttle are overlapping, separate your pedal inputs"
	},
	detect.SituationTrailBraking: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Nice trail braking%s, keep that rotation", where)
	},
	detect.SituationShiftEarly: func(in detect.Insight, where string) string {
		return "Shifting early, hold each gear closer to the top of the power band"
	},
	detect.SituationShiftLate: func(in detect.Insight, where string) string {
		return "Shifting past the power band, grab the next gear a little sooner"
	},
	detect.SituationPoorRevMatching: func(in detect.Insight, where string) string {
		return "Downshifts are unsettling the car, match the revs with a throttle blip"
	},
	detect.SituationMissedEngineBraking: func(in detect.Insight, where string) string {
		return "Keep off the throttle during braking downshifts to use engine braking"
	},
	detect.SituationHighG: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Very high combined load%s, leave margin before the grip runs out", where)
	},
	detect.SituationRoughG: func(in detect.Insight, where string) string {
		return "Weight transfer is abrupt, smooth the transitions between pedals and steering"
	},
	detect.SituationUnderusedGrip: func(in detect.Insight, where string) string {
		return "There is more grip available, carry more speed and commit to the tires"
	},
	detect.SituationInconsistentLaps: func(in detect.Insight, where string) string {
		return "Lap times are varying a lot, focus on hitting the same marks every lap"
	},
	detect.SituationExcellentConsistency: func(in detect.Insight, where string) string {
		return "Excellent consistency, now start moving your brake markers later"
	},
	detect.SituationOffUnderBraking: func(in detect.Insight, where string) string {
		return fmt.Sprintf("You ran out of road under braking%s, brake earlier and straighter", where)
	},
	detect.SituationOffUnderPower: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Power took you off track%s, straighten the car before full throttle", where)
	},
	detect.SituationOffMidcorner: func(in detect.Insight, where string) string {
		return fmt.Sprintf("Ran wide mid corner%s, take a later apex to open the exit", where)
	},
	detect.SituationTrackLimitsPattern: func(in detect.Insight, where string) string {
		return "You are repeatedly exceeding track limits, tighten your line before it costs a lap time"
	},
}

// Decider converts insights and corner analyses into messages and
// decides which of them are worth an LLM round trip.
type Decider struct{}

func NewDecider() *Decider { return &Decider{} }

// FromInsight drafts a local message from a detector insight. Unknown
// situations fall into the general category with the raw situation text.
func (d *Decider) FromInsight(in detect.Insight) *Message {
	category, ok := categoryFor[in.Situation]
	if !ok {
		category = CategoryGeneral
	}
	where := ""
	if in.CornerName != "" {
		where = " at " + in.CornerName
	}
	content := strings.ReplaceAll(in.Situation, "_", " ")
	if tpl, ok := templates[in.Situation]; ok {
		content = tpl(in, where)
	}

	priority := PriorityFromImportance(in.Importance)
	if category == CategoryPositive {
		priority = PriorityLow
	}
	msg := NewMessage(content, category, priority, SourceLocal, in.Confidence, in.At)
	msg.ImprovementPotential = in.ImprovementPotential
	if in.CornerName != "" {
		msg.Context = in.CornerName
	}
	return msg
}

// FromMicro drafts a message from a corner analysis. The first feedback
// item is the headline; the rest ride along as secondary messages.
func (d *Decider) FromMicro(m *analysis.MicroAnalysis) *Message {
	if m == nil || len(m.Feedback) == 0 {
		return nil
	}
	confidence := 0.7
	if len(m.Patterns) > 0 {
		var sum float64
		for _, p := range m.Patterns {
			sum += p.Confidence
		}
		confidence = sum / float64(len(m.Patterns))
	}
	msg := NewMessage(m.Feedback[0], CategoryCornerAnalysis, m.Priority, SourceReference, confidence, m.At)
	msg.Secondary = m.Feedback[1:]
	msg.Context = m.CornerName
	msg.ImprovementPotential = m.TotalTimeLoss
	return msg
}

// ShouldAskLLM applies the enrichment rule: analysis-grade categories
// always ask; otherwise only low-confidence high-importance messages do.
func (d *Decider) ShouldAskLLM(msg *Message, importance float64) bool {
	if msg == nil {
		return false
	}
	if _, ok := llmCategories[msg.Category]; ok {
		return true
	}
	return msg.Confidence < 0.6 && importance > 0.7
}

// PriorityFromImportance maps an insight importance onto a priority.
func PriorityFromImportance(importance float64) string {
	switch {
	case importance > 0.9:
		return PriorityCritical
	case importance > 0.7:
		return PriorityHigh
	case importance > 0.4:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
