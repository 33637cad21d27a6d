// Package analysis produces per-corner micro analyses: once a corner
// traversal completes, the buffered samples are compared against the
// stored corner reference and the deltas are priced into time loss.
package analysis

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apexline/apexline/internal/monitoring"
	"github.com/apexline/apexline/internal/refs"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
	"github.com/apexline/apexline/internal/units"
)

var logf = monitoring.Prefixed("[analysis]")

// Priority labels for a MicroAnalysis.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Pattern names the micro analyzer can attach. The first two force a
// critical priority.
const (
	PatternOffThrottleOversteer = "off_throttle_oversteer"
	PatternHighSpeedUndersteer  = "high_speed_understeer"
	PatternLateBraking          = "late_braking"
	PatternEarlyThrottle        = "early_throttle"
	PatternSlowApex             = "slow_apex"
)

// Pattern is a detected corner pattern with its confidence.
type Pattern struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// MicroAnalysis is the per-traversal comparison of one corner against
// its reference. Timing deltas are seconds (positive = late), speed
// deltas are km/h, input deltas are percent and degrees.
type MicroAnalysis struct {
	CornerID   string    `json:"corner_id"`
	CornerName string    `json:"corner_name"`
	At         time.Time `json:"at"`

	BrakeTimingDelta    float64 `json:"brake_timing_delta"`
	ThrottleTimingDelta float64 `json:"throttle_timing_delta"`
	EntrySpeedDelta     float64 `json:"entry_speed_delta"`
	ApexSpeedDelta      float64 `json:"apex_speed_delta"`
	ExitSpeedDelta      float64 `json:"exit_speed_delta"`
	BrakeInputDelta     float64 `json:"brake_input_delta"`    // percent
	ThrottleInputDelta  float64 `json:"throttle_input_delta"` // percent
	SteeringDelta       float64 `json:"steering_delta"`       // degrees

	LineDeviation float64 `json:"line_deviation"`
	Smoothness    float64 `json:"smoothness"`

	TotalTimeLoss float64            `json:"total_time_loss"`
	Breakdown     map[string]float64 `json:"breakdown"`
	Patterns      []Pattern          `json:"patterns"`
	Feedback      []string           `json:"feedback"`
	Priority      string             `json:"priority"`
}

// Config tunes the analyzer. Zero values fall back to the defaults the
// rest of the pipeline assumes.
type Config struct {
	EntrySteer float64 // rad, corner entry threshold (default 0.1)
	ExitSteer  float64 // rad, corner exit threshold (default 0.05)
	MinSamples int     // minimum buffered samples before finalize (default 5)
	TimeScale  float64 // seconds per full lap fraction (default 2.0)
	MaxBuffer  int     // traversal buffer cap (default 1800, ~30 s at 60 Hz)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.EntrySteer <= 0 {
		out.EntrySteer = 0.1
	}
	if out.ExitSteer <= 0 {
		out.ExitSteer = 0.05
	}
	if out.MinSamples <= 0 {
		out.MinSamples = 5
	}
	if out.TimeScale <= 0 {
		out.TimeScale = 2.0
	}
	if out.MaxBuffer <= 0 {
		out.MaxBuffer = 1800
	}
	return out
}

// Analyzer runs the per-corner state machine over the live sample
// stream. Not safe for concurrent use; it is owned by the analysis task.
type Analyzer struct {
	cfg     Config
	refMgr  *refs.Manager
	locator *track.Locator

	// qualify reports whether the current stint is good enough to seed a
	// missing corner reference from. Nil means always.
	qualify func() bool

	active bool
	seg    track.Segment
	buf    []telemetry.Sample
}

// NewAnalyzer builds the analyzer. qualify may be nil.
func NewAnalyzer(cfg Config, refMgr *refs.Manager, locator *track.Locator, qualify func() bool) *Analyzer {
	return &Analyzer{
		cfg:     cfg.withDefaults(),
		refMgr:  refMgr,
		locator: locator,
		qualify: qualify,
	}
}

// Observe feeds one sample. It returns a MicroAnalysis exactly once per
// corner traversal, on the first sample whose steering falls below the
// exit threshold, and nil otherwise.
func (a *Analyzer) Observe(s telemetry.Sample) *MicroAnalysis {
	steer := math.Abs(s.SteeringRad)

	if !a.active {
		if steer > a.cfg.EntrySteer {
			a.active = true
			a.seg = a.locator.Current(s.LapDistPct)
			a.buf = a.buf[:0]
			a.buf = append(a.buf, s)
		}
		return nil
	}

	a.buf = append(a.buf, s)
	if len(a.buf) > a.cfg.MaxBuffer {
		// Runaway traversal (pit lane, spin, bad steering data): discard.
		logf("traversal buffer overflow in %s, resetting", a.seg.Name)
		a.active = false
		a.buf = a.buf[:0]
		return nil
	}

	if steer >= a.cfg.ExitSteer || len(a.buf) <= a.cfg.MinSamples {
		return nil
	}

	a.active = false
	return a.finalize()
}

// Reset drops any in-flight traversal, for lap invalidation or session
// changes.
func (a *Analyzer) Reset() {
	a.active = false
	a.buf = a.buf[:0]
}

func (a *Analyzer) finalize() *MicroAnalysis {
	buf := a.buf
	ref := a.refMgr.Corner(a.seg.ID)
	if ref == nil {
		if a.qualify == nil || a.qualify() {
			if built := refs.BuildCornerReference(a.seg.ID, a.refMgr.Track(), a.refMgr.Car(), buf); built != nil {
				a.refMgr.OfferCorner(built)
				logf("seeded reference for %s from current traversal", a.seg.Name)
			}
		}
		return nil
	}

	last := buf[len(buf)-1]
	m := &MicroAnalysis{
		CornerID:   a.seg.ID,
		CornerName: a.seg.Name,
		At:         last.Timestamp,
		Breakdown:  make(map[string]float64),
	}

	// Timing deltas from input-application fractions, scaled to seconds.
	if frac, ok := firstAbove(buf, func(s *telemetry.Sample) float64 { return s.Brake }, 0.10); ok && ref.BrakePointPct > 0 {
		m.BrakeTimingDelta = (frac - ref.BrakePointPct) * a.cfg.TimeScale
	}
	if frac, ok := firstAbove(buf, func(s *telemetry.Sample) float64 { return s.Throttle }, 0.10); ok && ref.ThrottlePointPct > 0 {
		m.ThrottleTimingDelta = (frac - ref.ThrottlePointPct) * a.cfg.TimeScale
	}

	entry, apex, exit, apexIdx := cornerSpeeds(buf)
	m.EntrySpeedDelta = units.MpsToKph(entry - ref.EntrySpeed)
	m.ApexSpeedDelta = units.MpsToKph(apex - ref.ApexSpeed)
	m.ExitSpeedDelta = units.MpsToKph(exit - ref.ExitSpeed)

	peakBrake, peakThrottle, peakSteer := cornerPeaks(buf)
	m.BrakeInputDelta = (peakBrake - ref.PeakBrake) * 100
	m.ThrottleInputDelta = (peakThrottle - ref.PeakThrottle) * 100
	m.SteeringDelta = (peakSteer - ref.PeakSteering) * 180 / math.Pi

	m.LineDeviation, m.Smoothness = lineComparison(buf, ref.Line)

	m.Patterns = a.detectPatterns(buf, apexIdx, m)
	m.TotalTimeLoss = 0.1*math.Abs(m.BrakeTimingDelta) +
		0.1*math.Abs(m.ThrottleTimingDelta) +
		0.01*math.Abs(m.EntrySpeedDelta) +
		0.02*math.Abs(m.ApexSpeedDelta) +
		0.01*math.Abs(m.ExitSpeedDelta)
	m.Breakdown["brake_timing"] = 0.1 * math.Abs(m.BrakeTimingDelta)
	m.Breakdown["throttle_timing"] = 0.1 * math.Abs(m.ThrottleTimingDelta)
	m.Breakdown["entry_speed"] = 0.01 * math.Abs(m.EntrySpeedDelta)
	m.Breakdown["apex_speed"] = 0.02 * math.Abs(m.ApexSpeedDelta)
	m.Breakdown["exit_speed"] = 0.01 * math.Abs(m.ExitSpeedDelta)

	m.Feedback = a.feedback(m)
	m.Priority = priorityFor(m)

	logf("corner %s: loss=%.3fs priority=%s feedback=%d", m.CornerName, m.TotalTimeLoss, m.Priority, len(m.Feedback))
	return m
}

// Feedback thresholds. Deltas below these are not worth a sentence.
const (
	feedbackTimingMin = 0.03 // seconds
	feedbackSpeedMin  = 2.0  // km/h
)

func (a *Analyzer) feedback(m *MicroAnalysis) []string {
	var out []string
	switch {
	case m.BrakeTimingDelta > feedbackTimingMin:
		out = append(out, fmt.Sprintf("You braked %.2fs too late into %s", m.BrakeTimingDelta, m.CornerName))
	case m.BrakeTimingDelta < -feedbackTimingMin:
		out = append(out, fmt.Sprintf("You braked %.2fs too early into %s", -m.BrakeTimingDelta, m.CornerName))
	}
	switch {
	case m.ThrottleTimingDelta > feedbackTimingMin:
		out = append(out, fmt.Sprintf("Throttle came %.2fs later than your reference out of %s", m.ThrottleTimingDelta, m.CornerName))
	case m.ThrottleTimingDelta < -feedbackTimingMin:
		out = append(out, fmt.Sprintf("Throttle came %.2fs earlier than your reference out of %s", -m.ThrottleTimingDelta, m.CornerName))
	}
	if m.ApexSpeedDelta < -feedbackSpeedMin {
		out = append(out, fmt.Sprintf("Apex speed down %.0f km/h through %s", -m.ApexSpeedDelta, m.CornerName))
	}
	if m.ExitSpeedDelta < -feedbackSpeedMin {
		out = append(out, fmt.Sprintf("Exit speed down %.0f km/h out of %s", -m.ExitSpeedDelta, m.CornerName))
	}
	if m.EntrySpeedDelta > 2*feedbackSpeedMin {
		out = append(out, fmt.Sprintf("Carrying %.0f km/h too much into %s", m.EntrySpeedDelta, m.CornerName))
	}
	if m.Smoothness < 0.5 {
		out = append(out, fmt.Sprintf("Steering through %s was ragged, smooth the corrections", m.CornerName))
	}
	return out
}

func priorityFor(m *MicroAnalysis) string {
	for _, p := range m.Patterns {
		if p.Name == PatternOffThrottleOversteer || p.Name == PatternHighSpeedUndersteer {
			return PriorityCritical
		}
	}
	switch {
	case m.TotalTimeLoss > 0.5:
		return PriorityHigh
	case m.TotalTimeLoss > 0.1:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Yaw-model constants shared with the handling heuristics.
const (
	yawCalibration  = 0.5
	highSpeedMps    = 26.8 // 60 mph
	patternMinFrac  = 0.2  // fraction of corner samples that must agree
)

func (a *Analyzer) detectPatterns(buf []telemetry.Sample, apexIdx int, m *MicroAnalysis) []Pattern {
	var out []Pattern

	oversteerHits, understeerHits, considered := 0, 0, 0
	for i := range buf {
		s := &buf[i]
		if s.SpeedMps < 10 || math.Abs(s.SteeringRad) < 0.1 {
			continue
		}
		expected := s.SteeringRad * (s.SpeedMps / 100) * yawCalibration
		if expected == 0 {
			continue
		}
		considered++
		ratio := s.YawRateRadS / expected
		if ratio > 1.3 && s.Throttle < 0.05 && math.Abs(s.SlipAngleRad()) > 0.1 {
			oversteerHits++
		}
		if ratio < 0.7 && ratio > 0 && s.SpeedMps > highSpeedMps && math.Abs(s.SteeringRad) > 0.2 {
			understeerHits++
		}
	}
	if considered > 0 {
		if frac := float64(oversteerHits) / float64(considered); frac > patternMinFrac {
			out = append(out, Pattern{Name: PatternOffThrottleOversteer, Confidence: clamp01(0.5 + frac)})
		}
		if frac := float64(understeerHits) / float64(considered); frac > patternMinFrac {
			out = append(out, Pattern{Name: PatternHighSpeedUndersteer, Confidence: clamp01(0.5 + frac)})
		}
	}

	if m.BrakeTimingDelta > 0.1 {
		out = append(out, Pattern{Name: PatternLateBraking, Confidence: clamp01(0.6 + m.BrakeTimingDelta)})
	}
	if m.ThrottleTimingDelta < -0.1 && apexIdx > 0 {
		out = append(out, Pattern{Name: PatternEarlyThrottle, Confidence: 0.6})
	}
	if m.ApexSpeedDelta < -5 {
		out = append(out, Pattern{Name: PatternSlowApex, Confidence: clamp01(0.5 - m.ApexSpeedDelta/50)})
	}
	return out
}

func firstAbove(buf []telemetry.Sample, field func(*telemetry.Sample) float64, threshold float64) (float64, bool) {
	for i := range buf {
		if field(&buf[i]) > threshold {
			return buf[i].LapDistPct, true
		}
	}
	return 0, false
}

func cornerSpeeds(buf []telemetry.Sample) (entry, apex, exit float64, apexIdx int) {
	entry = buf[0].SpeedMps
	exit = buf[len(buf)-1].SpeedMps
	apex = math.Inf(1)
	for i := range buf {
		if buf[i].SpeedMps < apex {
			apex = buf[i].SpeedMps
			apexIdx = i
		}
	}
	return entry, apex, exit, apexIdx
}

func cornerPeaks(buf []telemetry.Sample) (brake, throttle, steer float64) {
	for i := range buf {
		s := &buf[i]
		brake = math.Max(brake, s.Brake)
		throttle = math.Max(throttle, s.Throttle)
		steer = math.Max(steer, math.Abs(s.SteeringRad))
	}
	return brake, throttle, steer
}

// lineComparison pairs traversal samples with reference line points by
// index and returns the mean absolute steering deviation plus a
// smoothness score over the deviation series.
func lineComparison(buf []telemetry.Sample, line []refs.LinePoint) (deviation, smoothness float64) {
	n := len(buf)
	if len(line) < n {
		n = len(line)
	}
	if n == 0 {
		return 0, 1
	}
	deltas := make([]float64, n)
	for i := 0; i < n; i++ {
		deltas[i] = math.Abs(buf[i].SteeringRad - line[i].Steering)
	}
	deviation = stat.Mean(deltas, nil)

	if n < 2 {
		return deviation, 1
	}
	jitter := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		jitter = append(jitter, math.Abs(deltas[i]-deltas[i-1]))
	}
	smoothness = clamp01(1 - stat.Mean(jitter, nil)/0.5)
	return deviation, smoothness
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
