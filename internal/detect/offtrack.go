package detect

import (
	"time"

	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

const (
	offTrackMinSpeed   = 4.0 // m/s; slow rejoins are not excursions
	offTrackCooldown   = 5 * time.Second
	limitsWindow       = 30   // samples considered for the pattern check
	limitsRatio        = 0.20 // fraction off-track that indicates a pattern
	offTrackTimeLoss   = 0.2  // seconds, nominal cost of an excursion
)

// OffTrackDetector classifies excursions by the inputs at the moment the
// car leaves the track, and watches for repeated track-limits abuse.
type OffTrackDetector struct {
	prevSurface telemetry.TrackSurface
	havePrev    bool
	lastEmit    map[string]time.Time
}

func NewOffTrackDetector() *OffTrackDetector {
	return &OffTrackDetector{lastEmit: make(map[string]time.Time)}
}

func (d *OffTrackDetector) Name() string { return "offtrack" }

func (d *OffTrackDetector) Analyze(snap []telemetry.Sample, seg track.Segment) []Insight {
	if len(snap) == 0 {
		return nil
	}
	cur := snap[len(snap)-1]
	prevSurface := d.prevSurface
	havePrev := d.havePrev
	d.prevSurface = cur.Surface
	d.havePrev = true

	var out []Insight

	if havePrev && prevSurface == telemetry.SurfaceOnTrack &&
		cur.Surface == telemetry.SurfaceOffTrack && cur.SpeedMps > offTrackMinSpeed {
		situation := SituationOffMidcorner
		switch {
		case cur.Brake > 0.30:
			situation = SituationOffUnderBraking
		case cur.Throttle > 0.50:
			situation = SituationOffUnderPower
		}
		out = append(out, d.gated(situation, cur, seg, map[string]float64{
			"speed_mps": cur.SpeedMps,
			"brake":     cur.Brake,
			"throttle":  cur.Throttle,
		}, 0.85, 0.75)...)
	}

	// Repeated running wide shows up as a high off-track fraction across
	// the recent samples.
	tail := snap
	if len(tail) > limitsWindow {
		tail = tail[len(tail)-limitsWindow:]
	}
	if len(tail) == limitsWindow {
		off := 0
		for i := range tail {
			if tail[i].Surface == telemetry.SurfaceOffTrack {
				off++
			}
		}
		if float64(off)/float64(len(tail)) > limitsRatio {
			out = append(out, d.gated(SituationTrackLimitsPattern, cur, seg, map[string]float64{
				"off_fraction": float64(off) / float64(len(tail)),
			}, 0.8, 0.7)...)
		}
	}

	return out
}

func (d *OffTrackDetector) gated(situation string, cur telemetry.Sample, seg track.Segment, detail map[string]float64, confidence, importance float64) []Insight {
	if last, ok := d.lastEmit[situation]; ok && cur.Timestamp.Sub(last) < offTrackCooldown {
		return nil
	}
	d.lastEmit[situation] = cur.Timestamp
	diagf("offtrack: %s at %s speed=%.1f", situation, seg.Name, cur.SpeedMps)
	return []Insight{{
		Situation:            situation,
		Confidence:           confidence,
		Importance:           importance,
		CornerID:             seg.ID,
		CornerName:           seg.Name,
		At:                   cur.Timestamp,
		Detail:               detail,
		ImprovementPotential: offTrackTimeLoss,
	}}
}
