package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexline/apexline/internal/laps"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

var testCorner = track.Segment{ID: "t5", Name: "Turn 5", Kind: track.KindCorner, StartPct: 0.4, EndPct: 0.5, Description: "medium right"}

// stream builds n samples at 60 Hz from a template, letting shape mutate
// each one.
func stream(n int, shape func(i int, s *telemetry.Sample)) []telemetry.Sample {
	t0 := time.Now()
	out := make([]telemetry.Sample, n)
	for i := 0; i < n; i++ {
		s := telemetry.Sample{
			Timestamp: t0.Add(time.Duration(i) * time.Second / 60),
			SpeedMps:  30,
			Surface:   telemetry.SurfaceOnTrack,
			Gear:      4,
			RPM:       6000,
			VelXMps:   30,
		}
		if shape != nil {
			shape(i, &s)
		}
		out[i] = s
	}
	return out
}

func collect(d Detector, snap []telemetry.Sample, seg track.Segment) []Insight {
	var out []Insight
	// Feed incrementally so detectors with per-sample edge state see the
	// same stream the analysis task would.
	for i := 1; i <= len(snap); i++ {
		out = append(out, d.Analyze(snap[:i], seg)...)
	}
	return out
}

func situations(insights []Insight) []string {
	var out []string
	for _, in := range insights {
		out = append(out, in.Situation)
	}
	return out
}

func TestHandlingUndersteer(t *testing.T) {
	d := NewHandlingDetector(0.5, 1.3, 0.7, 5*time.Second)
	// Constant-radius turn: steering 0.25 rad at 20 m/s expects
	// 0.25*(20/100)*0.5 = 0.025 rad/s; measured 0.015 gives ratio 0.6.
	snap := stream(120, func(i int, s *telemetry.Sample) {
		s.SpeedMps = 20
		s.VelXMps = 20
		s.SteeringRad = 0.25
		s.YawRateRadS = 0.015
		s.LatAccelG = 0.05
	})
	insights := collect(d, snap, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationUndersteer, insights[0].Situation)
	assert.Equal(t, "t5", insights[0].CornerID)
	assert.GreaterOrEqual(t, insights[0].Importance, 0.5)

	// The per-(corner, direction) cooldown suppresses the repeat.
	assert.Len(t, insights, 1, "cooldown must suppress the repeated stimulus")
	assert.Equal(t, 1, d.CornerHistory("t5"))
}

func TestHandlingUndersteerSubcases(t *testing.T) {
	d := NewHandlingDetector(0.5, 1.3, 0.7, time.Millisecond)
	high := stream(30, func(i int, s *telemetry.Sample) {
		s.SpeedMps = 45 // > 60 mph
		s.VelXMps = 45
		s.SteeringRad = 0.25
		s.YawRateRadS = 0.02
	})
	insights := collect(d, high, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationHighSpeedUndersteer, insights[0].Situation)

	d2 := NewHandlingDetector(0.5, 1.3, 0.7, time.Millisecond)
	power := stream(30, func(i int, s *telemetry.Sample) {
		s.SpeedMps = 20 // below the 60 mph high-speed sub-case
		s.VelXMps = 20
		s.SteeringRad = 0.25
		s.YawRateRadS = 0.015
		s.Throttle = 0.8
	})
	insights = collect(d2, power, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationPowerUndersteer, insights[0].Situation)
}

func TestHandlingOversteer(t *testing.T) {
	d := NewHandlingDetector(0.5, 1.3, 0.7, time.Millisecond)
	snap := stream(30, func(i int, s *telemetry.Sample) {
		s.SteeringRad = 0.2
		s.YawRateRadS = 0.06 // expected 0.03, ratio 2.0
		s.VelYMps = 4        // visible slip angle
		s.Throttle = 0.5     // power oversteer sub-case
	})
	insights := collect(d, snap, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationPowerOversteer, insights[0].Situation)
	assert.InDelta(t, 1.0, insights[0].Detail["severity"], 1e-9, "ratio 2.0 saturates severity")
}

func TestHandlingGating(t *testing.T) {
	d := NewHandlingDetector(0.5, 1.3, 0.7, time.Millisecond)
	slow := stream(30, func(i int, s *telemetry.Sample) {
		s.SpeedMps = 10 // below gate
		s.SteeringRad = 0.3
		s.YawRateRadS = 0.01
	})
	assert.Empty(t, collect(d, slow, testCorner))

	straight := stream(30, func(i int, s *telemetry.Sample) {
		s.SteeringRad = 0.05 // below gate
		s.YawRateRadS = 0.01
	})
	assert.Empty(t, collect(d, straight, testCorner))
}

func TestBrakingInsufficientPeaks(t *testing.T) {
	d := NewBrakingDetector(0.5)
	// Four gentle braking events (peak 0.3), each 10 samples on, 50 off so
	// the per-situation cooldown has lapsed by the time peaks are checked.
	snap := stream(4*60, func(i int, s *telemetry.Sample) {
		if i%60 < 10 {
			s.Brake = 0.3
		}
	})
	insights := collect(d, snap, testCorner)
	assert.Contains(t, situations(insights), SituationInsufficientBraking)
}

func TestBrakingLateHit(t *testing.T) {
	d := NewBrakingDetector(0.5)
	snap := stream(30, func(i int, s *telemetry.Sample) {
		s.SpeedMps = 45 // > 90 mph
		if i >= 10 {
			s.Brake = 0.8 // straight to heavy braking
		}
	})
	insights := collect(d, snap, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationLateBraking, insights[0].Situation)
}

func TestBrakingInputOverlap(t *testing.T) {
	d := NewBrakingDetector(0.5)
	snap := stream(30, func(i int, s *telemetry.Sample) {
		s.SpeedMps = 15 // < 50 mph
		s.Brake = 0.3
		s.Throttle = 0.3
	})
	insights := collect(d, snap, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationInputOverlap, situations(insights)[len(insights)-1])
}

func TestShiftEarlyAndLate(t *testing.T) {
	d := NewShiftDetector(nil, 500)
	// Gear 2 band center is 7150; shifting at 6000 is early.
	early := stream(10, func(i int, s *telemetry.Sample) {
		s.Gear = 2
		s.RPM = 6000
		if i >= 5 {
			s.Gear = 3
			s.RPM = 4500
		}
	})
	insights := collect(d, early, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationShiftEarly, insights[0].Situation)

	d2 := NewShiftDetector(nil, 500)
	late := stream(10, func(i int, s *telemetry.Sample) {
		s.Gear = 2
		s.RPM = 8200
		if i >= 5 {
			s.Gear = 3
			s.RPM = 6200
		}
	})
	insights = collect(d2, late, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationShiftLate, insights[0].Situation)

	d3 := NewShiftDetector(nil, 500)
	inBand := stream(10, func(i int, s *telemetry.Sample) {
		s.Gear = 2
		s.RPM = 7200
		if i >= 5 {
			s.Gear = 3
			s.RPM = 5400
		}
	})
	assert.Empty(t, collect(d3, inBand, testCorner))
}

func TestShiftPoorRevMatching(t *testing.T) {
	d := NewShiftDetector(nil, 500)
	// Two downshifts with no rev rise at all (quality 0), spaced past the
	// shift cooldown.
	var snap []telemetry.Sample
	t0 := time.Now()
	mk := func(offset time.Duration, gear int, rpm float64) telemetry.Sample {
		return telemetry.Sample{Timestamp: t0.Add(offset), Gear: gear, RPM: rpm, SpeedMps: 30, VelXMps: 30, Surface: telemetry.SurfaceOnTrack}
	}
	snap = append(snap,
		mk(0, 4, 5000),
		mk(100*time.Millisecond, 3, 5000), // downshift, rise 0
		mk(7*time.Second, 3, 5000),
		mk(7100*time.Millisecond, 2, 5000), // second bad downshift
	)
	insights := collect(d, snap, testCorner)
	assert.Contains(t, situations(insights), SituationPoorRevMatching)
}

func TestShiftBandAdaptation(t *testing.T) {
	d := NewShiftDetector(nil, 500)
	d.SetOnPace(true)
	// Five on-pace upshifts out of gear 3 at ~7000 rpm.
	var snap []telemetry.Sample
	t0 := time.Now()
	for i := 0; i < 5; i++ {
		base := time.Duration(i) * 10 * time.Second
		snap = append(snap,
			telemetry.Sample{Timestamp: t0.Add(base), Gear: 3, RPM: 7000 + float64(i*10), SpeedMps: 40, VelXMps: 40, Surface: telemetry.SurfaceOnTrack},
			telemetry.Sample{Timestamp: t0.Add(base + 100*time.Millisecond), Gear: 4, RPM: 5600, SpeedMps: 40, VelXMps: 40, Surface: telemetry.SurfaceOnTrack},
			telemetry.Sample{Timestamp: t0.Add(base + 200*time.Millisecond), Gear: 3, RPM: 7000, SpeedMps: 40, VelXMps: 40, Surface: telemetry.SurfaceOnTrack},
		)
	}
	collect(d, snap, testCorner)
	band := d.Bands()[3]
	def := DefaultShiftBands()[3]
	assert.NotEqual(t, def, band, "band must move after 5 on-pace upshifts")
	assert.Greater(t, band.Low, def.Low, "observed 7000 rpm shifts pull the band up")
}

func TestWeightHighG(t *testing.T) {
	d := NewWeightDetector()
	snap := stream(30, func(i int, s *telemetry.Sample) {
		s.LatAccelG = 2.4
		s.LongAccelG = 1.2
	})
	insights := collect(d, snap, testCorner)
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationHighG, insights[0].Situation)
}

func TestWeightUnderusedGrip(t *testing.T) {
	d := NewWeightDetector()
	snap := stream(6*60, func(i int, s *telemetry.Sample) {
		s.LatAccelG = 0.2
		s.LongAccelG = 0.1
	})
	insights := collect(d, snap, testCorner)
	assert.Contains(t, situations(insights), SituationUnderusedGrip)
}

func TestFrontAxleLoadClamped(t *testing.T) {
	assert.InDelta(t, 0.55, FrontAxleLoad(-1), 1e-9) // braking: load forward
	assert.InDelta(t, 0.35, FrontAxleLoad(2), 1e-9)
	assert.InDelta(t, 0.65, FrontAxleLoad(-4), 1e-9)
}

func TestGripCircleUtilization(t *testing.T) {
	assert.InDelta(t, 1.0, GripCircleUtilization(2.5, 0), 1e-9)
	assert.InDelta(t, 1.0, GripCircleUtilization(5, 5), 1e-9, "clamped")
	assert.InDelta(t, 0.5, GripCircleUtilization(0, 1.0), 1e-9)
}

func lapRec(n int, secs float64) laps.LapRecord {
	return laps.LapRecord{Lap: n, LapTime: secs, Valid: true, SectorTimes: []float64{secs / 3, secs / 3, secs / 3}, CompletedAt: time.Now()}
}

func TestConsistencyInconsistent(t *testing.T) {
	d := NewConsistencyDetector(0.05)
	var insights []Insight
	for i, lt := range []float64{90, 100, 85, 102, 88} {
		insights = append(insights, d.OnLap(lapRec(i+1, lt))...)
	}
	require.NotEmpty(t, insights)
	assert.Equal(t, SituationInconsistentLaps, insights[len(insights)-1].Situation)
}

func TestConsistencyExcellent(t *testing.T) {
	d := NewConsistencyDetector(0.05)
	var insights []Insight
	for i, lt := range []float64{90.0, 90.1, 89.9, 90.05, 90.0, 89.95} {
		insights = append(insights, d.OnLap(lapRec(i+1, lt))...)
	}
	assert.Contains(t, situations(insights), SituationExcellentConsistency)
}

func TestConsistencyIgnoresInvalidLaps(t *testing.T) {
	d := NewConsistencyDetector(0.05)
	bad := lapRec(1, 300)
	bad.Valid = false
	assert.Empty(t, d.OnLap(bad))
	assert.Empty(t, d.times)
}

func TestOffTrackClassification(t *testing.T) {
	cases := []struct {
		name      string
		brake     float64
		throttle  float64
		situation string
	}{
		{"braking", 0.4, 0, SituationOffUnderBraking},
		{"power", 0, 0.8, SituationOffUnderPower},
		{"midcorner", 0.1, 0.2, SituationOffMidcorner},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewOffTrackDetector()
			snap := stream(20, func(i int, s *telemetry.Sample) {
				s.SpeedMps = 33.3 // 120 km/h
				if i >= 10 {
					s.Surface = telemetry.SurfaceOffTrack
					s.Brake = c.brake
					s.Throttle = c.throttle
				}
			})
			insights := collect(d, snap, testCorner)
			require.NotEmpty(t, insights)
			assert.Equal(t, c.situation, insights[0].Situation)
			assert.InDelta(t, 0.2, insights[0].ImprovementPotential, 1e-9)
			assert.GreaterOrEqual(t, insights[0].Importance, 0.7)
		})
	}
}

func TestOffTrackSlowExcursionIgnored(t *testing.T) {
	d := NewOffTrackDetector()
	snap := stream(20, func(i int, s *telemetry.Sample) {
		s.SpeedMps = 2
		if i >= 10 {
			s.Surface = telemetry.SurfaceOffTrack
		}
	})
	for _, in := range collect(d, snap, testCorner) {
		assert.NotContains(t, []string{SituationOffUnderBraking, SituationOffUnderPower, SituationOffMidcorner}, in.Situation)
	}
}

func TestTrackLimitsPattern(t *testing.T) {
	d := NewOffTrackDetector()
	snap := stream(60, func(i int, s *telemetry.Sample) {
		if i%4 == 0 { // 25% of samples off track
			s.Surface = telemetry.SurfaceOffTrack
		}
	})
	insights := collect(d, snap, testCorner)
	assert.Contains(t, situations(insights), SituationTrackLimitsPattern)
}
