package detect

import (
	"math"
	"time"

	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
	"github.com/apexline/apexline/internal/units"
)

const (
	handlingMinSpeed  = 15.0 // m/s
	handlingMinSteer  = 0.1  // rad
	handlingWindow    = 300 * time.Millisecond
	gravity           = 9.81
	maxCornerEvents   = 10
)

type handlingEvent struct {
	situation string
	at        time.Time
}

// HandlingDetector classifies understeer and oversteer by comparing the
// measured yaw rate against the yaw rate expected from steering and speed.
type HandlingDetector struct {
	calibrationK    float64
	oversteerRatio  float64
	understeerRatio float64
	cooldown        time.Duration

	// Rolling per-corner event lists, bounded to maxCornerEvents, plus the
	// per-(corner, direction) cooldown clocks.
	cornerEvents map[string][]handlingEvent
	lastEmit     map[string]time.Time
}

// NewHandlingDetector creates a handling detector. K is the yaw model
// calibration constant (default 0.5); ratios are the oversteer/understeer
// trip points (defaults 1.3 and 0.7).
func NewHandlingDetector(calibrationK, oversteerRatio, understeerRatio float64, cooldown time.Duration) *HandlingDetector {
	return &HandlingDetector{
		calibrationK:    calibrationK,
		oversteerRatio:  oversteerRatio,
		understeerRatio: understeerRatio,
		cooldown:        cooldown,
		cornerEvents:    make(map[string][]handlingEvent),
		lastEmit:        make(map[string]time.Time),
	}
}

func (d *HandlingDetector) Name() string { return "handling" }

// Analyze inspects the last ~0.3 s of samples. Ratios are averaged across
// the window so a single noisy sample cannot trip the detector.
func (d *HandlingDetector) Analyze(snap []telemetry.Sample, seg track.Segment) []Insight {
	if len(snap) == 0 {
		return nil
	}
	cur := snap[len(snap)-1]
	if cur.SpeedMps <= handlingMinSpeed || math.Abs(cur.SteeringRad) <= handlingMinSteer {
		return nil
	}

	win := windowTail(snap, handlingWindow)
	var yawRatioSum, accelRatioSum float64
	var n int
	for i := range win {
		s := &win[i]
		expected := s.SteeringRad * (s.SpeedMps / 100) * d.calibrationK
		if math.Abs(expected) < 1e-4 {
			continue
		}
		yawRatioSum += s.YawRateRadS / expected
		if denom := (s.YawRateRadS * s.SpeedMps) / gravity; math.Abs(denom) > 1e-4 {
			accelRatioSum += s.LatAccelG / denom
		}
		n++
	}
	if n == 0 {
		return nil
	}
	yawRatio := yawRatioSum / float64(n)
	accelRatio := accelRatioSum / float64(n)
	tracef("handling: corner=%s yaw_ratio=%.2f accel_ratio=%.2f speed=%.1f", seg.ID, yawRatio, accelRatio, cur.SpeedMps)

	switch {
	case yawRatio > d.oversteerRatio && math.Abs(cur.SlipAngleRad()) > 0.1:
		situation := SituationOversteer
		if cur.Throttle > 0.3 {
			situation = SituationPowerOversteer
		} else if cur.Brake > 0.3 {
			situation = SituationTrailBrakeOversteer
		}
		severity := math.Min(1, (yawRatio-1.0)/0.5)
		return d.emit(situation, "oversteer", severity, yawRatio, cur, seg)

	case yawRatio < d.understeerRatio && math.Abs(cur.SteeringRad) > 0.2:
		situation := SituationUndersteer
		if units.MpsToMph(cur.SpeedMps) > 60 {
			situation = SituationHighSpeedUndersteer
		} else if cur.Throttle > 0.5 {
			situation = SituationPowerUndersteer
		}
		severity := math.Min(1, (d.understeerRatio-yawRatio)/0.3)
		return d.emit(situation, "understeer", severity, yawRatio, cur, seg)
	}
	return nil
}

// emit applies the per-(corner, direction) cooldown and records the event
// in the rolling corner history.
func (d *HandlingDetector) emit(situation, direction string, severity, yawRatio float64, cur telemetry.Sample, seg track.Segment) []Insight {
	key := seg.ID + "/" + direction
	if last, ok := d.lastEmit[key]; ok && cur.Timestamp.Sub(last) < d.cooldown {
		return nil
	}
	d.lastEmit[key] = cur.Timestamp

	events := append(d.cornerEvents[seg.ID], handlingEvent{situation: situation, at: cur.Timestamp})
	if len(events) > maxCornerEvents {
		events = events[len(events)-maxCornerEvents:]
	}
	d.cornerEvents[seg.ID] = events

	diagf("handling: %s at %s severity=%.2f yaw_ratio=%.2f", situation, seg.Name, severity, yawRatio)
	return []Insight{{
		Situation:  situation,
		Confidence: clamp01(0.5 + severity/2),
		Importance: clamp01(0.5 + severity/2),
		CornerID:   seg.ID,
		CornerName: seg.Name,
		At:         cur.Timestamp,
		Detail: map[string]float64{
			"severity":  severity,
			"yaw_ratio": yawRatio,
			"speed_mps": cur.SpeedMps,
			"steering":  cur.SteeringRad,
		},
	}}
}

// CornerHistory returns the recent handling events recorded for a corner.
func (d *HandlingDetector) CornerHistory(cornerID string) int {
	return len(d.cornerEvents[cornerID])
}
