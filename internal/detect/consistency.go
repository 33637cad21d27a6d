package detect

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/apexline/apexline/internal/laps"
)

const (
	consistencyLapWindow = 5
	excellentMinLaps     = 3
)

// ConsistencyDetector is lap-driven rather than sample-driven: each valid
// lap record updates the rolling lap-time statistics.
type ConsistencyDetector struct {
	threshold float64 // std/mean ratio that trips the inconsistency insight
	times     []float64
	calmLaps  int // consecutive laps below threshold/2
}

// NewConsistencyDetector creates the detector with the (possibly adaptive)
// std/mean threshold, default 0.05.
func NewConsistencyDetector(threshold float64) *ConsistencyDetector {
	return &ConsistencyDetector{threshold: threshold}
}

// SetThreshold updates the adaptive threshold between laps.
func (d *ConsistencyDetector) SetThreshold(t float64) {
	if t > 0 {
		d.threshold = t
	}
}

// OnLap feeds a completed lap. Invalid laps are ignored entirely.
func (d *ConsistencyDetector) OnLap(rec laps.LapRecord) []Insight {
	if !rec.Valid || rec.LapTime <= 0 {
		return nil
	}
	d.times = append(d.times, rec.LapTime)
	if len(d.times) > consistencyLapWindow {
		d.times = d.times[len(d.times)-consistencyLapWindow:]
	}
	if len(d.times) < 2 {
		return nil
	}

	mean, std := stat.MeanStdDev(d.times, nil)
	if mean <= 0 {
		return nil
	}
	ratio := std / mean
	tracef("consistency: %d laps mean=%.3f std=%.3f ratio=%.4f", len(d.times), mean, std, ratio)

	if ratio > d.threshold {
		d.calmLaps = 0
		severity := math.Min(1, 2*ratio)
		return []Insight{{
			Situation:  SituationInconsistentLaps,
			Confidence: 0.8,
			Importance: clamp01(0.4 + severity/2),
			At:         rec.CompletedAt,
			Detail: map[string]float64{
				"ratio":    ratio,
				"severity": severity,
				"mean":     mean,
			},
		}}
	}

	if ratio < d.threshold/2 {
		d.calmLaps++
		if d.calmLaps >= excellentMinLaps {
			d.calmLaps = 0
			return []Insight{{
				Situation:  SituationExcellentConsistency,
				Confidence: 0.9,
				Importance: 0.3,
				At:         rec.CompletedAt,
				Detail:     map[string]float64{"ratio": ratio},
			}}
		}
	} else {
		d.calmLaps = 0
	}
	return nil
}
