// Package refs maintains the reference data a session is coached against:
// reference laps keyed by type (personal best, session best, optimal,
// consistency, race pace), per-sector bests, and per-corner references
// derived from the best traversal seen so far.
package refs

import (
	"math"
	"time"

	"github.com/apexline/apexline/internal/laps"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

// LapType identifies what a reference lap represents.
type LapType string

const (
	TypePersonalBest LapType = "personal_best"
	TypeSessionBest  LapType = "session_best"
	TypeEngineer     LapType = "engineer"
	TypeOptimal      LapType = "optimal"
	TypeRacePace     LapType = "race_pace"
	TypeConsistency  LapType = "consistency"
)

// ReferenceSegment carries the per-segment numbers derived from a
// reference lap's telemetry slice.
type ReferenceSegment struct {
	SegmentID   string  `json:"segment_id"`
	Time        float64 `json:"time"` // seconds spent in the segment
	EntrySpeed  float64 `json:"entry_speed"`
	ExitSpeed   float64 `json:"exit_speed"`
	MinSpeed    float64 `json:"min_speed"`
	MaxSpeed    float64 `json:"max_speed"`
	AvgThrottle float64 `json:"avg_throttle"`
	AvgBrake    float64 `json:"avg_brake"`
	// LineScore grades steering smoothness through the segment, 0..1.
	LineScore float64 `json:"line_score"`
	// Optimal input targets for the segment.
	BrakePointPct    float64 `json:"brake_point_pct"`    // 0 when no braking in segment
	ThrottlePointPct float64 `json:"throttle_point_pct"` // 0 when throttle never reapplied
}

// ReferenceLap is a stored benchmark lap for a (track, car) pair.
type ReferenceLap struct {
	Track     string             `json:"track"`
	Car       string             `json:"car"`
	LapTime   float64            `json:"lap_time"`
	Type      LapType            `json:"type"`
	Segments  []ReferenceSegment `json:"segments"`
	CreatedAt time.Time          `json:"created_at"`
}

// LinePoint is one (lap fraction, steering) pair on the reference racing
// line through a corner.
type LinePoint struct {
	Pct      float64 `json:"pct"`
	Steering float64 `json:"steering"`
}

// CornerReference captures how the best traversal so far drove a corner.
// Speeds are m/s internally; UI and analysis layers convert for display.
type CornerReference struct {
	CornerID string `json:"corner_id"`
	Track    string `json:"track"`
	Car      string `json:"car"`

	BrakePointPct    float64 `json:"brake_point_pct"`
	ThrottlePointPct float64 `json:"throttle_point_pct"`
	EntrySpeed       float64 `json:"entry_speed"`
	ApexSpeed        float64 `json:"apex_speed"`
	ExitSpeed        float64 `json:"exit_speed"`
	PeakSteering     float64 `json:"peak_steering"`
	PeakBrake        float64 `json:"peak_brake"`
	PeakThrottle     float64 `json:"peak_throttle"`
	Gear             int     `json:"gear"`
	CornerTime       float64 `json:"corner_time"`

	Line      []LinePoint `json:"line"`
	Tags      []string    `json:"tags,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// BuildCornerReference derives a corner reference from a buffered corner
// traversal. Returns nil when the buffer is too small to be meaningful.
func BuildCornerReference(cornerID, trackName, car string, buf []telemetry.Sample) *CornerReference {
	if len(buf) < 5 {
		return nil
	}
	first, last := buf[0], buf[len(buf)-1]

	ref := &CornerReference{
		CornerID:   cornerID,
		Track:      trackName,
		Car:        car,
		EntrySpeed: first.SpeedMps,
		ExitSpeed:  last.SpeedMps,
		CornerTime: last.Timestamp.Sub(first.Timestamp).Seconds(),
		CreatedAt:  last.Timestamp,
	}

	apexSpeed := math.Inf(1)
	var apexGear int
	for i := range buf {
		s := &buf[i]
		if s.SpeedMps < apexSpeed {
			apexSpeed = s.SpeedMps
			apexGear = s.Gear
		}
		if abs := math.Abs(s.SteeringRad); abs > ref.PeakSteering {
			ref.PeakSteering = abs
		}
		if s.Brake > ref.PeakBrake {
			ref.PeakBrake = s.Brake
		}
		if s.Throttle > ref.PeakThrottle {
			ref.PeakThrottle = s.Throttle
		}
		if ref.BrakePointPct == 0 && s.Brake > 0.10 {
			ref.BrakePointPct = s.LapDistPct
		}
		ref.Line = append(ref.Line, LinePoint{Pct: s.LapDistPct, Steering: s.SteeringRad})
	}
	ref.ApexSpeed = apexSpeed
	ref.Gear = apexGear

	// Throttle application point: first sustained throttle after the apex.
	apexIdx := 0
	for i := range buf {
		if buf[i].SpeedMps == apexSpeed {
			apexIdx = i
			break
		}
	}
	for i := apexIdx; i < len(buf); i++ {
		if buf[i].Throttle > 0.10 {
			ref.ThrottlePointPct = buf[i].LapDistPct
			break
		}
	}
	return ref
}

// BuildReferenceLap derives per-segment reference data from a completed
// lap's telemetry and the segment table used for it.
func BuildReferenceLap(rec laps.LapRecord, lapType LapType, lapSamples []telemetry.Sample, locator *track.Locator, createdAt time.Time) *ReferenceLap {
	ref := &ReferenceLap{
		Track:     rec.Track,
		Car:       rec.Car,
		LapTime:   rec.LapTime,
		Type:      lapType,
		CreatedAt: createdAt,
	}
	if len(lapSamples) == 0 || locator == nil {
		return ref
	}

	type segAccum struct {
		id          string
		start, end  time.Time
		entry, exit float64
		min, max    float64
		throttleSum float64
		brakeSum    float64
		steerDeltas float64
		samples     int
		prevSteer   float64
	}
	var accums []*segAccum
	var cur *segAccum

	for i := range lapSamples {
		s := &lapSamples[i]
		seg := locator.Current(s.LapDistPct)
		if cur == nil || cur.id != seg.ID {
			cur = &segAccum{
				id: seg.ID, start: s.Timestamp,
				entry: s.SpeedMps,
				min:   math.Inf(1), max: math.Inf(-1),
				prevSteer: s.SteeringRad,
			}
			accums = append(accums, cur)
		}
		cur.end = s.Timestamp
		cur.exit = s.SpeedMps
		cur.min = math.Min(cur.min, s.SpeedMps)
		cur.max = math.Max(cur.max, s.SpeedMps)
		cur.throttleSum += s.Throttle
		cur.brakeSum += s.Brake
		cur.steerDeltas += math.Abs(s.SteeringRad - cur.prevSteer)
		cur.prevSteer = s.SteeringRad
		cur.samples++
	}

	for _, a := range accums {
		rs := ReferenceSegment{
			SegmentID:  a.id,
			Time:       a.end.Sub(a.start).Seconds(),
			EntrySpeed: a.entry,
			ExitSpeed:  a.exit,
			MinSpeed:   a.min,
			MaxSpeed:   a.max,
		}
		if a.samples > 0 {
			rs.AvgThrottle = a.throttleSum / float64(a.samples)
			rs.AvgBrake = a.brakeSum / float64(a.samples)
			// Less steering churn per sample scores a cleaner line.
			rs.LineScore = clamp01(1 - (a.steerDeltas/float64(a.samples))/0.05)
		}
		ref.Segments = append(ref.Segments, rs)
	}
	return ref
}

// SegmentDelta is the comparison of one segment against a reference lap.
type SegmentDelta struct {
	SegmentID string  `json:"segment_id"`
	Delta     float64 `json:"delta"` // seconds, positive = slower than reference
}

// Delta compares a completed lap's sector times against the reference
// lap's per-segment times, returning per-segment deltas where segment ids
// match and the aggregate lap-time delta.
func (r *ReferenceLap) Delta(rec laps.LapRecord, lapSamples []telemetry.Sample, locator *track.Locator) (segments []SegmentDelta, total float64) {
	total = rec.LapTime - r.LapTime
	if locator == nil || len(r.Segments) == 0 {
		return nil, total
	}
	current := BuildReferenceLap(rec, r.Type, lapSamples, locator, rec.CompletedAt)
	refTimes := make(map[string]float64, len(r.Segments))
	for _, s := range r.Segments {
		refTimes[s.SegmentID] = s.Time
	}
	for _, s := range current.Segments {
		if refTime, ok := refTimes[s.SegmentID]; ok {
			segments = append(segments, SegmentDelta{SegmentID: s.SegmentID, Delta: s.Time - refTime})
		}
	}
	return segments, total
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
