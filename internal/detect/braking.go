package detect

import (
	"time"

	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
	"github.com/apexline/apexline/internal/units"
)

const (
	brakeOnThreshold  = 0.10
	brakeOverlap      = 0.15
	brakingEventKeep  = 5
	brakingCooldown   = 8 * time.Second
	trailBrakeEmitNth = 10 // positive trail-braking is mostly suppressed
)

type brakingEvent struct {
	start     time.Time
	peak      float64
	abrupt    bool // jumped straight past 30% at high speed
	speedMps  float64
}

// BrakingDetector watches brake applications: peak pressure trends, late
// hard hits, and throttle/brake overlap.
type BrakingDetector struct {
	minAvgPeak float64

	prev       *telemetry.Sample
	active     *brakingEvent
	recent     []brakingEvent
	lastEmit   map[string]time.Time
	trailCount int
}

// NewBrakingDetector creates a braking detector. minAvgPeak is the average
// peak brake pressure below which insufficient_braking fires (default 0.5).
func NewBrakingDetector(minAvgPeak float64) *BrakingDetector {
	return &BrakingDetector{
		minAvgPeak: minAvgPeak,
		lastEmit:   make(map[string]time.Time),
	}
}

func (d *BrakingDetector) Name() string { return "braking" }

func (d *BrakingDetector) Analyze(snap []telemetry.Sample, seg track.Segment) []Insight {
	if len(snap) == 0 {
		return nil
	}
	cur := snap[len(snap)-1]
	defer func() {
		s := cur
		d.prev = &s
	}()

	var out []Insight

	// Brake application edge: crossing 10% upward opens an event; dropping
	// back below closes it.
	if d.active == nil && cur.Brake > brakeOnThreshold && (d.prev == nil || d.prev.Brake <= brakeOnThreshold) {
		abrupt := cur.Brake > 0.30 && units.MpsToMph(cur.SpeedMps) > 90
		d.active = &brakingEvent{start: cur.Timestamp, peak: cur.Brake, abrupt: abrupt, speedMps: cur.SpeedMps}
		if abrupt {
			out = append(out, d.gated(SituationLateBraking, cur, seg, map[string]float64{
				"speed_mps": cur.SpeedMps,
				"brake":     cur.Brake,
			}, 0.7, 0.75)...)
		}
	} else if d.active != nil {
		if cur.Brake > d.active.peak {
			d.active.peak = cur.Brake
		}
		if cur.Brake < brakeOnThreshold {
			d.recent = append(d.recent, *d.active)
			if len(d.recent) > brakingEventKeep {
				d.recent = d.recent[len(d.recent)-brakingEventKeep:]
			}
			d.active = nil
			out = append(out, d.checkPeaks(cur, seg)...)
		}
	}

	// Throttle/brake overlap. Below 50 mph this is a pedal mistake; above
	// 80 mph it is trail braking and treated as a positive, surfaced only
	// occasionally so it does not drown real coaching.
	if cur.Brake > brakeOverlap && cur.Throttle > brakeOverlap {
		mph := units.MpsToMph(cur.SpeedMps)
		switch {
		case mph < 50:
			out = append(out, d.gated(SituationInputOverlap, cur, seg, map[string]float64{
				"throttle": cur.Throttle,
				"brake":    cur.Brake,
			}, 0.8, 0.6)...)
		case mph > 80:
			d.trailCount++
			if d.trailCount%trailBrakeEmitNth == 0 {
				out = append(out, d.gated(SituationTrailBraking, cur, seg, map[string]float64{
					"throttle": cur.Throttle,
					"brake":    cur.Brake,
				}, 0.7, 0.3)...)
			}
		}
	}

	return out
}

// checkPeaks fires insufficient_braking when the average peak pressure
// across the recent braking events stays low.
func (d *BrakingDetector) checkPeaks(cur telemetry.Sample, seg track.Segment) []Insight {
	if len(d.recent) < 3 {
		return nil
	}
	var sum float64
	for _, e := range d.recent {
		sum += e.peak
	}
	avg := sum / float64(len(d.recent))
	tracef("braking: %d recent events avg peak %.2f", len(d.recent), avg)
	if avg >= d.minAvgPeak {
		return nil
	}
	return d.gated(SituationInsufficientBraking, cur, seg, map[string]float64{
		"avg_peak": avg,
		"events":   float64(len(d.recent)),
	}, 0.75, 0.65)
}

func (d *BrakingDetector) gated(situation string, cur telemetry.Sample, seg track.Segment, detail map[string]float64, confidence, importance float64) []Insight {
	if last, ok := d.lastEmit[situation]; ok && cur.Timestamp.Sub(last) < brakingCooldown {
		return nil
	}
	d.lastEmit[situation] = cur.Timestamp
	diagf("braking: %s at %s", situation, seg.Name)
	return []Insight{{
		Situation:  situation,
		Confidence: confidence,
		Importance: importance,
		CornerID:   seg.ID,
		CornerName: seg.Name,
		At:         cur.Timestamp,
		Detail:     detail,
	}}
}
