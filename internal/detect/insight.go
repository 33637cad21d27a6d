// Package detect holds the pattern detectors that watch the telemetry ring
// for driving events: handling balance, braking, shifting, weight transfer,
// grip usage, lap-time consistency, and track-limits excursions.
//
// Detectors are independent; they share only the buffer snapshot handed to
// them. They never return errors; a detector that cannot conclude anything
// returns no insights.
package detect

import (
	"time"

	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

// Situation keys emitted by the detectors. The coaching decider maps these
// onto message categories and templates.
const (
	SituationOversteer           = "oversteer"
	SituationPowerOversteer      = "power_oversteer"
	SituationTrailBrakeOversteer = "trail_brake_oversteer"
	SituationUndersteer          = "understeer"
	SituationHighSpeedUndersteer = "high_speed_understeer"
	SituationPowerUndersteer     = "power_understeer"

	SituationInsufficientBraking = "insufficient_braking"
	SituationLateBraking         = "late_braking"
	SituationInputOverlap        = "input_overlap"
	SituationTrailBraking        = "trail_braking"

	SituationShiftEarly          = "shift_early"
	SituationShiftLate           = "shift_late"
	SituationPoorRevMatching     = "poor_rev_matching"
	SituationMissedEngineBraking = "missed_engine_braking"

	SituationHighG          = "high_g_warning"
	SituationRoughG         = "rough_g_transitions"
	SituationUnderusedGrip  = "underused_grip"

	SituationInconsistentLaps      = "inconsistent_lap_times"
	SituationExcellentConsistency  = "excellent_consistency"

	SituationOffUnderBraking    = "off_under_braking"
	SituationOffUnderPower      = "off_under_power"
	SituationOffMidcorner       = "off_midcorner"
	SituationTrackLimitsPattern = "track_limits_pattern"
)

// Insight is a single detector finding.
type Insight struct {
	Situation  string
	Confidence float64 // 0..1
	Importance float64 // 0..1, drives message priority
	CornerID   string  // empty when not corner-bound
	CornerName string
	At         time.Time

	// Detail carries situation-specific numeric descriptors (severity,
	// ratios, speeds) keyed by short names.
	Detail map[string]float64

	// DeltaSeconds and ImprovementPotential carry reference context when a
	// comparison lap was available; both zero otherwise.
	DeltaSeconds         float64
	ImprovementPotential float64
}

// Detector is a sample-driven pattern detector. Analyze receives the
// latest buffer snapshot (ordered oldest first, 2–5 s of history) and the
// segment enclosing the newest sample.
type Detector interface {
	Name() string
	Analyze(snap []telemetry.Sample, seg track.Segment) []Insight
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// windowTail returns the suffix of snap within d of the newest sample.
func windowTail(snap []telemetry.Sample, d time.Duration) []telemetry.Sample {
	if len(snap) == 0 {
		return nil
	}
	cutoff := snap[len(snap)-1].Timestamp.Add(-d)
	for i := range snap {
		if !snap[i].Timestamp.Before(cutoff) {
			return snap[i:]
		}
	}
	return nil
}
