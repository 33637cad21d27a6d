package analysis

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexline/apexline/internal/refs"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
	"github.com/apexline/apexline/internal/units"
)

func cornerTrack(t *testing.T) *track.Locator {
	t.Helper()
	segs := []track.Segment{
		{ID: "s1", Name: "Main Straight", Kind: track.KindStraight, StartPct: 0, EndPct: 0.2, Description: "start straight"},
		{ID: "t5", Name: "Turn 5", Kind: track.KindCorner, StartPct: 0.2, EndPct: 0.4, Description: "hairpin"},
		{ID: "s2", Name: "Back Straight", Kind: track.KindStraight, StartPct: 0.4, EndPct: 1, Description: "run to finish"},
	}
	require.NoError(t, track.ValidateSegments(segs))
	return track.NewLocator("testtrack", segs)
}

// traversal builds a corner pass: entry sample above the steering
// threshold, a braked middle, and an exit sample below it.
func traversal(base time.Time, brakeFrac float64, apexKph, exitKph float64) []telemetry.Sample {
	entrySpeed := units.KphToMps(160)
	apexSpeed := units.KphToMps(apexKph)
	exitSpeed := units.KphToMps(exitKph)

	var out []telemetry.Sample
	n := 20
	for i := 0; i < n; i++ {
		frac := 0.25 + float64(i)*0.005
		s := telemetry.Sample{
			Timestamp:  base.Add(time.Duration(i) * 50 * time.Millisecond),
			LapDistPct: frac,
			SteeringRad: 0.3,
			SpeedMps:   entrySpeed,
		}
		if i == 0 {
			s.SpeedMps = entrySpeed
		}
		if frac >= brakeFrac {
			s.Brake = 0.7
		}
		if i >= n/2 {
			s.Brake = 0
			s.SpeedMps = apexSpeed
		}
		if i >= n-3 {
			s.SpeedMps = exitSpeed
		}
		out = append(out, s)
	}
	// Exit sample drops steering below the exit threshold.
	out = append(out, telemetry.Sample{
		Timestamp:   base.Add(time.Duration(n) * 50 * time.Millisecond),
		LapDistPct:  0.25 + float64(n)*0.005,
		SteeringRad: 0.01,
		SpeedMps:    exitSpeed,
	})
	return out
}

func turn5Reference() *refs.CornerReference {
	return &refs.CornerReference{
		CornerID:      "t5",
		BrakePointPct: 0.250,
		EntrySpeed:    units.KphToMps(160),
		ApexSpeed:     units.KphToMps(120),
		ExitSpeed:     units.KphToMps(150),
		PeakSteering:  0.3,
		PeakBrake:     0.7,
		CornerTime:    1.0,
	}
}

func feedTraversal(a *Analyzer, samples []telemetry.Sample) *MicroAnalysis {
	var got *MicroAnalysis
	for _, s := range samples {
		if m := a.Observe(s); m != nil {
			got = m
		}
	}
	return got
}

func TestMicroAnalysisDeltas(t *testing.T) {
	loc := cornerTrack(t)
	mgr := refs.NewManager("testtrack", "mx5", loc, nil)
	require.True(t, mgr.OfferCorner(turn5Reference()))

	a := NewAnalyzer(Config{}, mgr, loc, nil)
	base := time.Unix(1700000000, 0)

	// Braking starts at fraction 0.275, 0.025 late against the 0.250
	// reference; apex 115 against 120, exit 148 against 150.
	m := feedTraversal(a, traversal(base, 0.275, 115, 148))
	require.NotNil(t, m)

	assert.Equal(t, "t5", m.CornerID)
	assert.InDelta(t, 0.05, m.BrakeTimingDelta, 0.011)
	assert.InDelta(t, -5, m.ApexSpeedDelta, 0.1)
	assert.InDelta(t, -2, m.ExitSpeedDelta, 0.1)
	assert.InDelta(t, 0.125, m.TotalTimeLoss, 0.015)
	assert.Equal(t, PriorityMedium, m.Priority)

	var sawBrake, sawApex bool
	for _, f := range m.Feedback {
		if strings.Contains(f, "braked") && strings.Contains(f, "too late") {
			sawBrake = true
		}
		if strings.Contains(f, "Apex speed down") {
			sawApex = true
		}
	}
	assert.True(t, sawBrake, "expected late-braking feedback, got %v", m.Feedback)
	assert.True(t, sawApex, "expected apex-speed feedback, got %v", m.Feedback)
}

func TestMicroAnalysisEmittedOncePerTraversal(t *testing.T) {
	loc := cornerTrack(t)
	mgr := refs.NewManager("testtrack", "mx5", loc, nil)
	mgr.OfferCorner(turn5Reference())
	a := NewAnalyzer(Config{}, mgr, loc, nil)
	base := time.Unix(1700000000, 0)

	samples := traversal(base, 0.275, 115, 148)
	count := 0
	for _, s := range samples {
		if a.Observe(s) != nil {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// Straight-line samples afterwards produce nothing.
	for i := 0; i < 30; i++ {
		s := telemetry.Sample{
			Timestamp:  base.Add(time.Duration(30+i) * 50 * time.Millisecond),
			LapDistPct: 0.5, SpeedMps: 50,
		}
		assert.Nil(t, a.Observe(s))
	}
}

func TestMissingReferenceSeedsAndSkips(t *testing.T) {
	loc := cornerTrack(t)
	mgr := refs.NewManager("testtrack", "mx5", loc, nil)
	a := NewAnalyzer(Config{}, mgr, loc, nil)
	base := time.Unix(1700000000, 0)

	m := feedTraversal(a, traversal(base, 0.26, 120, 150))
	assert.Nil(t, m, "no analysis without a reference")
	seeded := mgr.Corner("t5")
	require.NotNil(t, seeded, "traversal seeded the missing reference")
	assert.Equal(t, "testtrack", seeded.Track)
	assert.Equal(t, "mx5", seeded.Car)

	// The next traversal analyzes against the seeded reference.
	m = feedTraversal(a, traversal(base.Add(time.Minute), 0.275, 115, 148))
	assert.NotNil(t, m)
}

func TestMissingReferenceNotSeededOffPace(t *testing.T) {
	loc := cornerTrack(t)
	mgr := refs.NewManager("testtrack", "mx5", loc, nil)
	a := NewAnalyzer(Config{}, mgr, loc, func() bool { return false })
	base := time.Unix(1700000000, 0)

	assert.Nil(t, feedTraversal(a, traversal(base, 0.26, 120, 150)))
	assert.Nil(t, mgr.Corner("t5"))
}

func TestShortTraversalNotFinalized(t *testing.T) {
	loc := cornerTrack(t)
	mgr := refs.NewManager("testtrack", "mx5", loc, nil)
	mgr.OfferCorner(turn5Reference())
	a := NewAnalyzer(Config{}, mgr, loc, nil)
	base := time.Unix(1700000000, 0)

	// Three steering samples then straight: below the minimum buffer.
	for i := 0; i < 3; i++ {
		assert.Nil(t, a.Observe(telemetry.Sample{
			Timestamp: base.Add(time.Duration(i) * 50 * time.Millisecond),
			LapDistPct: 0.25, SteeringRad: 0.3, SpeedMps: 40,
		}))
	}
	assert.Nil(t, a.Observe(telemetry.Sample{
		Timestamp: base.Add(200 * time.Millisecond),
		LapDistPct: 0.26, SteeringRad: 0.01, SpeedMps: 40,
	}))
}

func TestHighTimeLossIsHighPriority(t *testing.T) {
	loc := cornerTrack(t)
	mgr := refs.NewManager("testtrack", "mx5", loc, nil)
	mgr.OfferCorner(turn5Reference())
	a := NewAnalyzer(Config{}, mgr, loc, nil)
	base := time.Unix(1700000000, 0)

	// Apex 30 km/h down alone prices at 0.6 s.
	m := feedTraversal(a, traversal(base, 0.250, 90, 150))
	require.NotNil(t, m)
	assert.Greater(t, m.TotalTimeLoss, 0.5)
	assert.Equal(t, PriorityHigh, m.Priority)
}

func TestResetDropsTraversal(t *testing.T) {
	loc := cornerTrack(t)
	mgr := refs.NewManager("testtrack", "mx5", loc, nil)
	mgr.OfferCorner(turn5Reference())
	a := NewAnalyzer(Config{}, mgr, loc, nil)
	base := time.Unix(1700000000, 0)

	samples := traversal(base, 0.275, 115, 148)
	for _, s := range samples[:10] {
		a.Observe(s)
	}
	a.Reset()
	// Completing the traversal after reset produces nothing until a new
	// entry transition occurs; the next sample is below the entry
	// threshold only at the very end.
	assert.Nil(t, a.Observe(samples[len(samples)-1]))
}
