package detect

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

const (
	gHistoryWindow   = 5 * time.Second
	highGThreshold   = 2.5
	roughSmoothness  = 0.6
	roughSustain     = time.Second
	gripUnderused    = 0.5
	gripSustain      = 5 * time.Second
	gripMinSpeed     = 15.0 // m/s; parked cars use no grip
	weightCooldown   = 10 * time.Second
	gripLatLimit     = 2.5
	gripLongLimit    = 2.0
)

// WeightDetector tracks weight transfer and grip-circle usage from the
// lateral/longitudinal acceleration history.
type WeightDetector struct {
	lastEmit   map[string]time.Time
	roughSince time.Time
	underSince time.Time
}

func NewWeightDetector() *WeightDetector {
	return &WeightDetector{lastEmit: make(map[string]time.Time)}
}

func (d *WeightDetector) Name() string { return "weight" }

// FrontAxleLoad approximates the front-axle load fraction from the
// longitudinal acceleration: braking shifts load forward.
func FrontAxleLoad(longG float64) float64 {
	load := 0.45 - 0.1*longG
	return math.Min(0.65, math.Max(0.35, load))
}

// GripCircleUtilization is the combined-acceleration magnitude normalized
// by the per-axis limits, clamped to 1.
func GripCircleUtilization(latG, longG float64) float64 {
	u := math.Sqrt(math.Pow(latG/gripLatLimit, 2) + math.Pow(longG/gripLongLimit, 2))
	return math.Min(1, u)
}

func (d *WeightDetector) Analyze(snap []telemetry.Sample, seg track.Segment) []Insight {
	win := windowTail(snap, gHistoryWindow)
	if len(win) < 2 {
		return nil
	}
	cur := win[len(win)-1]

	combined := make([]float64, len(win))
	grip := make([]float64, len(win))
	for i := range win {
		combined[i] = win[i].CombinedG()
		grip[i] = GripCircleUtilization(win[i].LatAccelG, win[i].LongAccelG)
	}
	smoothness := clamp01(1 - 2*stat.Variance(combined, nil))
	avgGrip := stat.Mean(grip, nil)
	curCombined := combined[len(combined)-1]
	tracef("weight: combined=%.2fg smooth=%.2f grip=%.2f front_load=%.2f",
		curCombined, smoothness, avgGrip, FrontAxleLoad(cur.LongAccelG))

	var out []Insight

	if curCombined > highGThreshold {
		out = append(out, d.gated(SituationHighG, cur, seg, map[string]float64{
			"combined_g": curCombined,
		}, 0.9, 0.85)...)
	}

	if smoothness < roughSmoothness {
		if d.roughSince.IsZero() {
			d.roughSince = cur.Timestamp
		} else if cur.Timestamp.Sub(d.roughSince) >= roughSustain {
			out = append(out, d.gated(SituationRoughG, cur, seg, map[string]float64{
				"smoothness": smoothness,
			}, 0.7, 0.55)...)
		}
	} else {
		d.roughSince = time.Time{}
	}

	if avgGrip < gripUnderused && cur.SpeedMps > gripMinSpeed {
		if d.underSince.IsZero() {
			d.underSince = cur.Timestamp
		} else if cur.Timestamp.Sub(d.underSince) >= gripSustain {
			out = append(out, d.gated(SituationUnderusedGrip, cur, seg, map[string]float64{
				"avg_grip": avgGrip,
			}, 0.6, 0.4)...)
		}
	} else {
		d.underSince = time.Time{}
	}

	return out
}

func (d *WeightDetector) gated(situation string, cur telemetry.Sample, seg track.Segment, detail map[string]float64, confidence, importance float64) []Insight {
	if last, ok := d.lastEmit[situation]; ok && cur.Timestamp.Sub(last) < weightCooldown {
		return nil
	}
	d.lastEmit[situation] = cur.Timestamp
	diagf("weight: %s at %s", situation, seg.Name)
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
