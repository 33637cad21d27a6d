package mistakes

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexline/apexline/internal/analysis"
)

func microWith(loss float64, mutate func(*analysis.MicroAnalysis)) *analysis.MicroAnalysis {
	m := &analysis.MicroAnalysis{
		CornerID:      "t3",
		CornerName:    "Turn 3",
		At:            time.Unix(1700000000, 0),
		TotalTimeLoss: loss,
	}
	if mutate != nil {
		mutate(m)
	}
	return m
}

func TestBelowFloorIgnored(t *testing.T) {
	tr := NewTracker()
	assert.Nil(t, tr.Observe(microWith(0.05, nil)))
	assert.Nil(t, tr.Observe(nil))
	assert.Empty(t, tr.Patterns())
}

func TestClassificationOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*analysis.MicroAnalysis)
		want   string
	}{
		{"late braking wins over speed", func(m *analysis.MicroAnalysis) {
			m.BrakeTimingDelta = 0.10
			m.ApexSpeedDelta = -10
		}, TypeLateBraking},
		{"early braking", func(m *analysis.MicroAnalysis) { m.BrakeTimingDelta = -0.10 }, TypeEarlyBraking},
		{"late throttle", func(m *analysis.MicroAnalysis) { m.ThrottleTimingDelta = 0.10 }, TypeLateThrottle},
		{"slow apex", func(m *analysis.MicroAnalysis) { m.ApexSpeedDelta = -10 }, TypeSlowApex},
		{"slow exit", func(m *analysis.MicroAnalysis) { m.ExitSpeedDelta = -5 }, TypeSlowExit},
		{"excess entry", func(m *analysis.MicroAnalysis) { m.EntrySpeedDelta = 8 }, TypeExcessEntry},
		{"technique after speed", func(m *analysis.MicroAnalysis) {
			m.Patterns = []analysis.Pattern{{Name: analysis.PatternOffThrottleOversteer, Confidence: 0.9}}
		}, TypeOversteer},
		{"line after technique", func(m *analysis.MicroAnalysis) { m.Smoothness = 0.3 }, TypeRaggedLine},
		{"default", func(m *analysis.MicroAnalysis) { m.Smoothness = 1 }, TypeGeneralLoss},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker()
			ev := tr.Observe(microWith(0.2, tc.mutate))
			require.NotNil(t, ev)
			assert.Equal(t, tc.want, ev.Type)
		})
	}
}

func TestPriorityTable(t *testing.T) {
	tr := NewTracker()
	mk := func(loss float64) *analysis.MicroAnalysis {
		return microWith(loss, func(m *analysis.MicroAnalysis) { m.BrakeTimingDelta = 0.10 })
	}

	tr.Observe(mk(0.35))
	assert.Equal(t, PriorityLow, tr.Patterns()[0].Priority, "one event is low regardless of loss")

	tr.Observe(mk(0.35))
	assert.Equal(t, PriorityMedium, tr.Patterns()[0].Priority)

	tr.Observe(mk(0.35))
	assert.Equal(t, PriorityHigh, tr.Patterns()[0].Priority)

	tr.Observe(mk(0.35))
	tr.Observe(mk(0.35))
	assert.Equal(t, PriorityCritical, tr.Patterns()[0].Priority, "5 events averaging 0.35s")
}

func TestPriorityNeedsBothColumns(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 6; i++ {
		tr.Observe(microWith(0.08, func(m *analysis.MicroAnalysis) { m.BrakeTimingDelta = 0.10 }))
	}
	// Frequent but cheap stays low.
	assert.Equal(t, PriorityLow, tr.Patterns()[0].Priority)
}

func TestSeverityTrend(t *testing.T) {
	tr := NewTracker()
	mk := func(loss float64) *analysis.MicroAnalysis {
		return microWith(loss, func(m *analysis.MicroAnalysis) { m.BrakeTimingDelta = 0.10 })
	}

	tr.Observe(mk(0.10))
	tr.Observe(mk(0.10))
	tr.Observe(mk(0.10))
	assert.Equal(t, TrendStable, tr.Patterns()[0].Trend, "under 4 events trend is stable")

	tr.Observe(mk(0.40))
	assert.Equal(t, TrendWorsening, tr.Patterns()[0].Trend)

	tr2 := NewTracker()
	for _, loss := range []float64{0.40, 0.40, 0.10, 0.10} {
		tr2.Observe(mk(loss))
	}
	assert.Equal(t, TrendImproving, tr2.Patterns()[0].Trend)
}

func TestSessionScore(t *testing.T) {
	assert.InDelta(t, 1.0, sessionScore(0, 0), 1e-9)
	assert.InDelta(t, 0.7, sessionScore(2, 1.0), 1e-9)  // 0.2 + 0.1
	assert.InDelta(t, 0.2, sessionScore(50, 100), 1e-9) // both penalties capped
}

func TestSummarizeRankingsAndRecommendations(t *testing.T) {
	tr := NewTracker()
	// Turn 3: frequent late braking, moderate loss each.
	for i := 0; i < 4; i++ {
		tr.Observe(microWith(0.15, func(m *analysis.MicroAnalysis) { m.BrakeTimingDelta = 0.10 }))
	}
	// Turn 7: rare but very costly slow apex.
	tr.Observe(microWith(0.9, func(m *analysis.MicroAnalysis) {
		m.CornerID = "t7"
		m.CornerName = "Turn 7"
		m.ApexSpeedDelta = -20
	}))

	s := tr.Summarize(2)
	assert.Equal(t, 5, s.TotalMistakes)
	assert.InDelta(t, 1.5, s.TotalTimeLost, 1e-9)

	require.NotEmpty(t, s.MostCommon)
	assert.Equal(t, TypeLateBraking, s.MostCommon[0].Type)
	require.NotEmpty(t, s.MostCostly)
	assert.Equal(t, TypeSlowApex, s.MostCostly[0].Type)

	require.NotEmpty(t, s.Recommendations)
	assert.True(t, strings.Contains(s.Recommendations[0], "Turn 7"),
		"top recommendation targets the most costly pattern: %v", s.Recommendations)
}

func TestRecentCountWindowsTenMinutes(t *testing.T) {
	tr := NewTracker()
	start := time.Unix(1700000000, 0)
	at := func(offset time.Duration) *analysis.MicroAnalysis {
		return microWith(0.2, func(m *analysis.MicroAnalysis) {
			m.BrakeTimingDelta = 0.10
			m.At = start.Add(offset)
		})
	}

	tr.Observe(at(0))
	tr.Observe(at(1 * time.Minute))
	tr.Observe(at(2 * time.Minute))
	p := tr.Patterns()[0]
	assert.Equal(t, 3, p.RecentCount)
	assert.Equal(t, 3, p.Frequency)

	// Twelve minutes later only the newest event is inside the window;
	// the lifetime frequency keeps counting.
	tr.Observe(at(14 * time.Minute))
	p = tr.Patterns()[0]
	assert.Equal(t, 1, p.RecentCount)
	assert.Equal(t, 4, p.Frequency)

	tr.Observe(at(15 * time.Minute))
	p = tr.Patterns()[0]
	assert.Equal(t, 2, p.RecentCount)
}

func TestResetClears(t *testing.T) {
	tr := NewTracker()
	tr.Observe(microWith(0.2, func(m *analysis.MicroAnalysis) { m.BrakeTimingDelta = 0.10 }))
	tr.Reset()
	assert.Empty(t, tr.Patterns())
	assert.Equal(t, 0, tr.Summarize(5).TotalMistakes)
}
