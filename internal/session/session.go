// Package session owns the per-session aggregate: lifecycle (deferred
// creation, baseline countdown, close on track/car change), adaptive
// thresholds, and the learned state that persists across runs.
package session

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apexline/apexline/internal/analysis"
	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/detect"
	"github.com/apexline/apexline/internal/laps"
	"github.com/apexline/apexline/internal/mistakes"
	"github.com/apexline/apexline/internal/monitoring"
	"github.com/apexline/apexline/internal/units"
)

var logf = monitoring.Prefixed("[session]")

// Driving-style labels.
const (
	StyleUnknown    = "unknown"
	StyleConsistent = "consistent"
	StyleDeveloping = "developing"
	StyleImproving  = "improving"
)

// minMovingSpeed gates session creation: the car must actually be
// driving, not sitting in the garage.
const minMovingSpeedMps = 2.2352 // 5 mph

// State is the serializable per-session aggregate.
type State struct {
	ID        string     `json:"session_id"`
	Track     string     `json:"track_name"`
	Car       string     `json:"car_name"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	Laps                []laps.LapRecord `json:"laps"`
	BestLapTime         float64          `json:"best_lap_time,omitempty"`
	BaselineEstablished bool             `json:"baseline_established"`
	DrivingStyle        string           `json:"driving_style"`

	ConsistencyThreshold float64 `json:"consistency_threshold"`
	CoachingIntensity    float64 `json:"coaching_intensity"`

	ShiftBands      map[int]detect.RPMBand   `json:"optimal_shift_bands,omitempty"`
	CornerAnalyses  []analysis.MicroAnalysis `json:"corner_analyses,omitempty"`
	ValidLaps       int                      `json:"valid_laps"`

	// MistakeSummary is attached when the session closes: top recurring
	// and most costly patterns plus the session score.
	MistakeSummary *mistakes.Summary `json:"mistake_summary,omitempty"`
}

// Config tunes the session manager.
type Config struct {
	BaselineLaps         int     // valid laps before full coaching (default 3)
	ConsistencyThreshold float64 // starting threshold (default 0.05)
	MaxCornerAnalyses    int     // bound on stored analyses (default 200)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaselineLaps <= 0 {
		out.BaselineLaps = 3
	}
	if out.ConsistencyThreshold <= 0 {
		out.ConsistencyThreshold = 0.05
	}
	if out.MaxCornerAnalyses <= 0 {
		out.MaxCornerAnalyses = 200
	}
	return out
}

// Manager drives the session lifecycle. Safe for concurrent use.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	current *State
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults()}
}

// MaybeStart creates the session once track and car are known and the
// car is moving. hasBaseline marks whether persisted baseline data
// exists for this (track, car); when it does the countdown is skipped.
// Returns the baseline kickoff message on creation, nil otherwise.
func (m *Manager) MaybeStart(trackName, car string, speedMps float64, now time.Time, hasBaseline bool) *coach.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil || trackName == "" || car == "" || speedMps <= minMovingSpeedMps {
		return nil
	}
	m.current = &State{
		ID:                   fmt.Sprintf("%s_%s_%d", sanitize(trackName), sanitize(car), now.Unix()),
		Track:                trackName,
		Car:                  car,
		StartTime:            now,
		BaselineEstablished:  hasBaseline,
		DrivingStyle:         StyleUnknown,
		ConsistencyThreshold: m.cfg.ConsistencyThreshold,
		CoachingIntensity:    0.5,
		ShiftBands:           detect.DefaultShiftBands(),
	}
	logf("session %s started (baseline=%v)", m.current.ID, hasBaseline)

	if hasBaseline {
		return coach.NewMessage(
			"Baseline loaded from your previous runs, full coaching active from lap one",
			coach.CategoryBaseline, coach.PriorityLow, coach.SourceLocal, 1.0, now)
	}
	return coach.NewMessage(
		fmt.Sprintf("Learning your pace: %d clean laps to establish your baseline", m.cfg.BaselineLaps),
		coach.CategoryBaseline, coach.PriorityLow, coach.SourceLocal, 1.0, now)
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Snapshot returns a copy of the current state, or nil.
func (m *Manager) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// TrackCar returns the active pair, empty strings when idle.
func (m *Manager) TrackCar() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", ""
	}
	return m.current.Track, m.current.Car
}

// ChangedPair reports whether the sample's (track, car) differs from the
// running session's, which forces a session rollover.
func (m *Manager) ChangedPair(trackName, car string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || trackName == "" || car == "" {
		return false
	}
	return m.current.Track != trackName || m.current.Car != car
}

// OnLap records a completed lap and returns any baseline-countdown
// message it produces. The baseline needs valid laps only.
func (m *Manager) OnLap(rec laps.LapRecord) *coach.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	s := m.current
	s.Laps = append(s.Laps, rec)
	if rec.Valid && rec.LapTime > 0 {
		s.ValidLaps++
		if s.BestLapTime == 0 || rec.LapTime < s.BestLapTime {
			s.BestLapTime = rec.LapTime
		}
	}
	m.restyleLocked()

	if s.BaselineEstablished || !rec.Valid {
		return nil
	}

	remaining := m.cfg.BaselineLaps - s.ValidLaps
	if remaining > 0 {
		word := "laps"
		if remaining == 1 {
			word = "lap"
		}
		return coach.NewMessage(
			fmt.Sprintf("%d more clean %s until your baseline is set", remaining, word),
			coach.CategoryBaseline, coach.PriorityLow, coach.SourceLocal, 1.0, rec.CompletedAt)
	}

	s.BaselineEstablished = true
	m.fitThresholdsLocked()
	logf("baseline established after %d valid laps", s.ValidLaps)
	return coach.NewMessage(
		fmt.Sprintf("Your baseline is established after %d laps, full coaching enabled", s.ValidLaps),
		coach.CategoryBaseline, coach.PriorityMedium, coach.SourceLocal, 1.0, rec.CompletedAt)
}

// AllowCategory gates message categories before the baseline exists:
// only orientation and safety traffic goes out while learning.
func (m *Manager) AllowCategory(category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	if m.current.BaselineEstablished {
		return true
	}
	switch category {
	case coach.CategoryBaseline, coach.CategorySession, coach.CategorySafety:
		return true
	default:
		return false
	}
}

// BaselineEstablished reports whether full coaching is enabled.
func (m *Manager) BaselineEstablished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.BaselineEstablished
}

// ConsistencyThreshold returns the current adaptive threshold.
func (m *Manager) ConsistencyThreshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return m.cfg.ConsistencyThreshold
	}
	return m.current.ConsistencyThreshold
}

// RecordAnalysis stores a corner analysis on the session, bounded.
func (m *Manager) RecordAnalysis(a *analysis.MicroAnalysis) {
	if a == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	s := m.current
	s.CornerAnalyses = append(s.CornerAnalyses, *a)
	if len(s.CornerAnalyses) > m.cfg.MaxCornerAnalyses {
		s.CornerAnalyses = s.CornerAnalyses[len(s.CornerAnalyses)-m.cfg.MaxCornerAnalyses:]
	}
}

// SetShiftBands stores the adapted per-gear bands for persistence.
func (m *Manager) SetShiftBands(bands map[int]detect.RPMBand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && bands != nil {
		m.current.ShiftBands = bands
	}
}

// Close ends the session and returns the final state for persistence,
// or nil when no session was running.
func (m *Manager) Close(now time.Time) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	s := m.current
	end := now
	s.EndTime = &end
	m.current = nil
	logf("session %s closed: %d laps, best %.3fs", s.ID, len(s.Laps), s.BestLapTime)
	return s
}

// fitThresholdsLocked fits the adaptive thresholds from the baseline
// laps once the baseline is established.
func (m *Manager) fitThresholdsLocked() {
	s := m.current
	times := validLapTimes(s.Laps)
	if len(times) < 2 {
		return
	}
	mean, std := stat.MeanStdDev(times, nil)
	if mean <= 0 {
		return
	}
	// The driver's own observed variation, clamped to a sane band, with
	// headroom so ordinary scatter does not immediately trip the
	// consistency detector.
	fitted := units.Clamp01(std/mean*1.5)
	if fitted < 0.02 {
		fitted = 0.02
	}
	if fitted > 0.10 {
		fitted = 0.10
	}
	s.ConsistencyThreshold = fitted
}

// restyleLocked refreshes the driving-style label from the lap history.
func (m *Manager) restyleLocked() {
	s := m.current
	times := validLapTimes(s.Laps)
	if len(times) < 3 {
		s.DrivingStyle = StyleUnknown
		return
	}
	mean, std := stat.MeanStdDev(times, nil)
	if mean <= 0 {
		return
	}
	ratio := std / mean

	mid := len(times) / 2
	earlier := stat.Mean(times[:mid], nil)
	recent := stat.Mean(times[mid:], nil)

	switch {
	case recent < earlier-0.2:
		s.DrivingStyle = StyleImproving
		s.CoachingIntensity = 0.6
	case ratio < s.ConsistencyThreshold:
		s.DrivingStyle = StyleConsistent
		s.CoachingIntensity = 0.7
	default:
		s.DrivingStyle = StyleDeveloping
		s.CoachingIntensity = 0.5
	}
}

func validLapTimes(records []laps.LapRecord) []float64 {
	var out []float64
	for _, r := range records {
		if r.Valid && r.LapTime > 0 {
			out = append(out, r.LapTime)
		}
	}
	return out
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == ' ', r == '-', r == '_':
			out = append(out, '_')
		}
	}
	return string(out)
}
