// Package mistakes aggregates per-corner analyses into recurring
// mistake patterns and session-level summaries.
package mistakes

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apexline/apexline/internal/analysis"
	"github.com/apexline/apexline/internal/monitoring"
)

var logf = monitoring.Prefixed("[mistakes]")

// defaultMinTimeLoss is the floor below which an analysis is not a
// mistake.
const defaultMinTimeLoss = 0.05

// recentWindow bounds the rolling occurrence count on each pattern.
const recentWindow = 10 * time.Minute

// Mistake types, checked in classification order: timing, speed,
// technique, line, then the default bucket.
const (
	TypeLateBraking    = "late_braking"
	TypeEarlyBraking   = "early_braking"
	TypeLateThrottle   = "late_throttle"
	TypeEarlyThrottle  = "early_throttle"
	TypeSlowApex       = "slow_apex"
	TypeSlowExit       = "slow_exit"
	TypeExcessEntry    = "excess_entry_speed"
	TypeOversteer      = "oversteer_tendency"
	TypeUndersteer     = "understeer_tendency"
	TypeRaggedLine     = "ragged_line"
	TypeGeneralLoss    = "general_time_loss"
)

// Priority labels, ordered from most to least urgent.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Severity trend labels.
const (
	TrendWorsening = "worsening"
	TrendImproving = "improving"
	TrendStable    = "stable"
)

// Event is one classified mistake occurrence.
type Event struct {
	Type       string    `json:"type"`
	CornerID   string    `json:"corner_id"`
	CornerName string    `json:"corner_name"`
	TimeLoss   float64   `json:"time_loss"`
	At         time.Time `json:"at"`
}

// Pattern aggregates the events of one (type, corner) pair.
type Pattern struct {
	Type        string  `json:"type"`
	CornerID    string  `json:"corner_id"`
	CornerName  string  `json:"corner_name"`
	Frequency   int     `json:"frequency"`
	// RecentCount is the occurrences within the trailing ten minutes,
	// updated as of the latest event.
	RecentCount int     `json:"recent_count"`
	TotalLoss   float64 `json:"total_loss"`
	AvgLoss     float64 `json:"avg_loss"`
	Priority    string  `json:"priority"`
	Trend       string  `json:"trend"`
	LastSeen    time.Time `json:"last_seen"`

	losses []float64
	seen   []time.Time
}

// Summary is the session-level view surfaced at session end.
type Summary struct {
	TotalMistakes  int        `json:"total_mistakes"`
	TotalTimeLost  float64    `json:"total_time_lost"`
	SessionScore   float64    `json:"session_score"`
	MostCommon     []*Pattern `json:"most_common"`
	MostCostly     []*Pattern `json:"most_costly"`
	Recommendations []string  `json:"recommendations"`
}

// Tracker converts analyses into events and maintains the pattern
// aggregates. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	minLoss  float64
	events   []Event
	patterns map[string]*Pattern // keyed type|corner
}

func NewTracker() *Tracker {
	return &Tracker{minLoss: defaultMinTimeLoss, patterns: make(map[string]*Pattern)}
}

// SetMinTimeLoss overrides the time-loss floor. Non-positive values
// keep the default.
func (t *Tracker) SetMinTimeLoss(v float64) {
	if v <= 0 {
		return
	}
	t.mu.Lock()
	t.minLoss = v
	t.mu.Unlock()
}

// Observe classifies a micro analysis. Analyses under the time-loss
// floor return nil and leave the tracker untouched.
func (t *Tracker) Observe(m *analysis.MicroAnalysis) *Event {
	t.mu.Lock()
	floor := t.minLoss
	t.mu.Unlock()
	if m == nil || m.TotalTimeLoss <= floor {
		return nil
	}
	ev := Event{
		Type:       classify(m),
		CornerID:   m.CornerID,
		CornerName: m.CornerName,
		TimeLoss:   m.TotalTimeLoss,
		At:         m.At,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)

	key := ev.Type + "|" + ev.CornerID
	p := t.patterns[key]
	if p == nil {
		p = &Pattern{Type: ev.Type, CornerID: ev.CornerID, CornerName: ev.CornerName}
		t.patterns[key] = p
	}
	p.Frequency++
	p.TotalLoss += ev.TimeLoss
	p.AvgLoss = p.TotalLoss / float64(p.Frequency)
	p.LastSeen = ev.At
	p.losses = append(p.losses, ev.TimeLoss)
	p.seen = append(p.seen, ev.At)
	cutoff := ev.At.Add(-recentWindow)
	kept := p.seen[:0]
	for _, at := range p.seen {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	p.seen = kept
	p.RecentCount = len(p.seen)
	p.Priority = priorityFor(p.Frequency, p.AvgLoss)
	p.Trend = trendFor(p.losses)

	logf("%s at %s: loss=%.3fs freq=%d priority=%s", ev.Type, ev.CornerName, ev.TimeLoss, p.Frequency, p.Priority)
	return &ev
}

// classify applies the rule set in order: timing errors first, then
// speed errors, technique patterns, line patterns, default.
func classify(m *analysis.MicroAnalysis) string {
	const timingMin = 0.05 // seconds
	switch {
	case m.BrakeTimingDelta > timingMin:
		return TypeLateBraking
	case m.BrakeTimingDelta < -timingMin:
		return TypeEarlyBraking
	case m.ThrottleTimingDelta > timingMin:
		return TypeLateThrottle
	case m.ThrottleTimingDelta < -timingMin:
		return TypeEarlyThrottle
	}

	const speedMin = 3.0 // km/h
	switch {
	case m.ApexSpeedDelta < -speedMin:
		return TypeSlowApex
	case m.ExitSpeedDelta < -speedMin:
		return TypeSlowExit
	case m.EntrySpeedDelta > speedMin:
		return TypeExcessEntry
	}

	for _, p := range m.Patterns {
		switch p.Name {
		case analysis.PatternOffThrottleOversteer:
			return TypeOversteer
		case analysis.PatternHighSpeedUndersteer:
			return TypeUndersteer
		}
	}

	if m.Smoothness < 0.5 || m.LineDeviation > 0.1 {
		return TypeRaggedLine
	}
	return TypeGeneralLoss
}

// priorityFor applies the (frequency, avg loss) table. Both columns must
// be met; rows are checked from most urgent down.
func priorityFor(frequency int, avgLoss float64) string {
	switch {
	case frequency >= 5 && avgLoss >= 0.30:
		return PriorityCritical
	case frequency >= 3 && avgLoss >= 0.20:
		return PriorityHigh
	case frequency >= 2 && avgLoss >= 0.10:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// trendFor compares the mean loss of the most recent half of the events
// against the earlier half. Needs at least 4 events.
func trendFor(losses []float64) string {
	if len(losses) < 4 {
		return TrendStable
	}
	mid := len(losses) / 2
	earlier := stat.Mean(losses[:mid], nil)
	recent := stat.Mean(losses[mid:], nil)
	const margin = 0.02
	switch {
	case recent > earlier+margin:
		return TrendWorsening
	case recent < earlier-margin:
		return TrendImproving
	default:
		return TrendStable
	}
}

// Patterns returns the aggregated patterns, most frequent first.
func (t *Tracker) Patterns() []*Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked(func(a, b *Pattern) bool { return a.Frequency > b.Frequency })
}

func (t *Tracker) sortedLocked(less func(a, b *Pattern) bool) []*Pattern {
	out := make([]*Pattern, 0, len(t.patterns))
	for _, p := range t.patterns {
		cp := *p
		cp.losses = nil
		cp.seen = nil
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Summarize builds the session-end view. topN bounds both rankings.
func (t *Tracker) Summarize(topN int) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{TotalMistakes: len(t.events)}
	for _, ev := range t.events {
		s.TotalTimeLost += ev.TimeLoss
	}
	s.SessionScore = sessionScore(s.TotalMistakes, s.TotalTimeLost)

	common := t.sortedLocked(func(a, b *Pattern) bool { return a.Frequency > b.Frequency })
	costly := t.sortedLocked(func(a, b *Pattern) bool { return a.TotalLoss > b.TotalLoss })
	if topN > 0 && len(common) > topN {
		common = common[:topN]
	}
	if topN > 0 && len(costly) > topN {
		costly = costly[:topN]
	}
	s.MostCommon = common
	s.MostCostly = costly

	for _, p := range costly {
		s.Recommendations = append(s.Recommendations, recommendation(p))
	}
	return s
}

// sessionScore starts at 1 and subtracts capped penalties for mistake
// count and accumulated time loss.
func sessionScore(totalMistakes int, totalTimeLost float64) float64 {
	score := 1.0
	countPenalty := 0.1 * float64(totalMistakes)
	if countPenalty > 0.5 {
		countPenalty = 0.5
	}
	lossPenalty := totalTimeLost / 10
	if lossPenalty > 0.3 {
		lossPenalty = 0.3
	}
	return score - countPenalty - lossPenalty
}

var recommendationTemplates = map[string]string{
	TypeLateBraking:   "Move your braking point earlier into %s; you are losing %.1fs there per session",
	TypeEarlyBraking:  "Carry your braking deeper into %s, you are giving up %.1fs",
	TypeLateThrottle:  "Get back on the throttle sooner out of %s",
	TypeEarlyThrottle: "Wait for the apex of %s before feeding the throttle",
	TypeSlowApex:      "Work on carrying more minimum speed through %s",
	TypeSlowExit:      "Prioritize exit speed out of %s, it costs you down the following straight",
	TypeExcessEntry:   "Slow the entry into %s; in slow, out fast",
	TypeOversteer:     "Smooth your throttle lifts through %s to settle the rear",
	TypeUndersteer:    "Trail the brakes longer into %s to keep the front loaded",
	TypeRaggedLine:    "Tidy your steering inputs through %s",
}

func recommendation(p *Pattern) string {
	tpl, ok := recommendationTemplates[p.Type]
	if !ok {
		return fmt.Sprintf("Review your approach to %s; %.1fs lost across %d laps", p.CornerName, p.TotalLoss, p.Frequency)
	}
	if p.Type == TypeLateBraking || p.Type == TypeEarlyBraking {
		return fmt.Sprintf(tpl, p.CornerName, p.TotalLoss)
	}
	return fmt.Sprintf(tpl, p.CornerName)
}

// Reset clears all state for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
	t.patterns = make(map[string]*Pattern)
}
