package detect

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

const (
	shiftCooldown     = 6 * time.Second
	revMatchMinimum   = 60.0
	revMatchKeep      = 5
	bandAdaptMinShift = 5
	bandBlendOld      = 0.7
	bandBlendNew      = 0.3
)

// RPMBand is the target engine-speed window for upshifting out of a gear.
type RPMBand struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Center returns the midpoint of the band.
func (b RPMBand) Center() float64 { return (b.Low + b.High) / 2 }

// DefaultShiftBands returns the out-of-the-box per-gear upshift bands.
func DefaultShiftBands() map[int]RPMBand {
	bands := map[int]RPMBand{1: {6000, 7500}}
	for g := 2; g <= 6; g++ {
		bands[g] = RPMBand{6500, 7800}
	}
	return bands
}

// ShiftDetector watches gear changes: upshift timing against the per-gear
// RPM band, downshift rev-matching quality, and engine-braking usage. The
// bands adapt toward observed shift points on laps near the personal best.
type ShiftDetector struct {
	bands     map[int]RPMBand
	tolerance float64 // rpm deviation from band center before early/late fires

	prev          *telemetry.Sample
	lastShiftTime time.Time
	lastEmit      map[string]time.Time

	// Adaptation state: upshift RPMs per gear observed while lap times sat
	// within 2% of the personal best.
	onPace       bool
	paceUpshifts map[int][]float64

	recentRevMatch []float64
}

// NewShiftDetector creates a shift detector using the given bands (nil for
// defaults) and rpm tolerance (default 500).
func NewShiftDetector(bands map[int]RPMBand, tolerance float64) *ShiftDetector {
	if bands == nil {
		bands = DefaultShiftBands()
	}
	return &ShiftDetector{
		bands:        bands,
		tolerance:    tolerance,
		lastEmit:     make(map[string]time.Time),
		paceUpshifts: make(map[int][]float64),
	}
}

func (d *ShiftDetector) Name() string { return "shift" }

// SetOnPace tells the detector whether the driver's recent laps are within
// 2% of the personal best. Only on-pace upshifts feed band adaptation.
func (d *ShiftDetector) SetOnPace(onPace bool) { d.onPace = onPace }

// Bands returns a copy of the current per-gear bands, for persistence.
func (d *ShiftDetector) Bands() map[int]RPMBand {
	out := make(map[int]RPMBand, len(d.bands))
	for g, b := range d.bands {
		out[g] = b
	}
	return out
}

// RestoreBands replaces the per-gear bands, typically from a persisted
// session baseline.
func (d *ShiftDetector) RestoreBands(bands map[int]RPMBand) {
	if len(bands) == 0 {
		return
	}
	d.bands = make(map[int]RPMBand, len(bands))
	for g, b := range bands {
		d.bands[g] = b
	}
}

func (d *ShiftDetector) Analyze(snap []telemetry.Sample, seg track.Segment) []Insight {
	if len(snap) == 0 {
		return nil
	}
	cur := snap[len(snap)-1]
	prev := d.prev
	defer func() {
		s := cur
		d.prev = &s
	}()
	if prev == nil || cur.Gear == prev.Gear || cur.Gear == 0 || prev.Gear == 0 {
		return nil
	}

	shiftDuration := time.Duration(0)
	if !d.lastShiftTime.IsZero() {
		shiftDuration = cur.Timestamp.Sub(d.lastShiftTime)
	}
	d.lastShiftTime = cur.Timestamp

	var out []Insight
	if cur.Gear > prev.Gear {
		out = d.upshift(prev, cur, seg)
	} else {
		out = d.downshift(prev, cur, seg)
	}
	tracef("shift: %d->%d rpm=%.0f dur=%s", prev.Gear, cur.Gear, prev.RPM, shiftDuration)
	return out
}

func (d *ShiftDetector) upshift(prev *telemetry.Sample, cur telemetry.Sample, seg track.Segment) []Insight {
	fromGear := prev.Gear
	rpmAtShift := prev.RPM

	if d.onPace {
		d.paceUpshifts[fromGear] = append(d.paceUpshifts[fromGear], rpmAtShift)
		d.adaptBand(fromGear)
	}

	band, ok := d.bands[fromGear]
	if !ok {
		return nil
	}
	deviation := rpmAtShift - band.Center()
	if math.Abs(deviation) <= d.tolerance {
		return nil
	}

	situation := SituationShiftLate
	if deviation < 0 {
		situation = SituationShiftEarly
	}
	severity := clamp01(math.Abs(deviation) / (d.tolerance * 4))
	return d.gated(situation, cur, seg, map[string]float64{
		"rpm_at_shift": rpmAtShift,
		"band_center":  band.Center(),
		"deviation":    deviation,
		"gear":         float64(fromGear),
		"severity":     severity,
	}, 0.7, 0.4+severity/2)
}

func (d *ShiftDetector) downshift(prev *telemetry.Sample, cur telemetry.Sample, seg track.Segment) []Insight {
	rpmRise := cur.RPM - prev.RPM
	quality := math.Max(0, 100-math.Abs(rpmRise-1000)/10)
	d.recentRevMatch = append(d.recentRevMatch, quality)
	if len(d.recentRevMatch) > revMatchKeep {
		d.recentRevMatch = d.recentRevMatch[len(d.recentRevMatch)-revMatchKeep:]
	}

	var out []Insight

	// Throttle held open through a braking downshift defeats engine
	// braking.
	if cur.Brake > brakeOnThreshold && cur.Throttle > 0.10 {
		out = append(out, d.gated(SituationMissedEngineBraking, cur, seg, map[string]float64{
			"throttle": cur.Throttle,
			"brake":    cur.Brake,
		}, 0.65, 0.45)...)
	}

	low := 0
	for _, q := range d.recentRevMatch {
		if q < revMatchMinimum {
			low++
		}
	}
	if quality < revMatchMinimum && low >= 2 {
		out = append(out, d.gated(SituationPoorRevMatching, cur, seg, map[string]float64{
			"quality":  quality,
			"rpm_rise": rpmRise,
		}, 0.7, 0.5)...)
	}
	return out
}

// adaptBand blends the stored band 70/30 toward (mean−stdev, mean+stdev)
// of the observed on-pace shift points once enough have accumulated.
func (d *ShiftDetector) adaptBand(gear int) {
	rpms := d.paceUpshifts[gear]
	if len(rpms) < bandAdaptMinShift {
		return
	}
	mean, stdev := stat.MeanStdDev(rpms, nil)
	old := d.bands[gear]
	d.bands[gear] = RPMBand{
		Low:  bandBlendOld*old.Low + bandBlendNew*(mean-stdev),
		High: bandBlendOld*old.High + bandBlendNew*(mean+stdev),
	}
	diagf("shift: adapted gear %d band to [%.0f, %.0f] from %d on-pace shifts",
		gear, d.bands[gear].Low, d.bands[gear].High, len(rpms))
	d.paceUpshifts[gear] = rpms[:0]
}

func (d *ShiftDetector) gated(situation string, cur telemetry.Sample, seg track.Segment, detail map[string]float64, confidence, importance float64) []Insight {
	if last, ok := d.lastEmit[situation]; ok && cur.Timestamp.Sub(last) < shiftCooldown {
		return nil
	}
	d.lastEmit[situation] = cur.Timestamp
	diagf("shift: %s at %s", situation, seg.Name)
	return []Insight{{
		Situation:  situation,
		Confidence: confidence,
		Importance: clamp01(importance),
		CornerID:   seg.ID,
		CornerName: seg.Name,
		At:         cur.Timestamp,
		Detail:     detail,
	}}
}
