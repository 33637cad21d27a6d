package refs

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apexline/apexline/internal/laps"
	"github.com/apexline/apexline/internal/monitoring"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

var logf = monitoring.Prefixed("[refs]")

// Persister stores reference data durably. The personal-best lap is
// written through as soon as it improves; corner references follow it.
type Persister interface {
	SaveReferenceLap(ref *ReferenceLap) error
	SaveCornerReferences(trackName, car string, corners []*CornerReference) error
}

// Qualification windows relative to the personal best.
const (
	optimalWindowPct     = 0.005 // within 0.5% of PB
	racePaceWindowPct    = 0.02  // within 2% of PB
	consistencyWindowPct = 0.01  // <1% variation across the window
	consistencyLaps      = 5
)

// Manager holds every reference for one (track, car) pair and updates
// them as laps complete. Safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	trackName string
	car       string
	locator   *track.Locator
	persist   Persister

	refs        map[LapType]*ReferenceLap
	corners     map[string]*CornerReference
	sectorBests []float64
	recentTimes []float64 // valid lap times, bounded window
}

// NewManager creates a manager for a (track, car) pair. persist may be
// nil for sessions that run without durable storage.
func NewManager(trackName, car string, locator *track.Locator, persist Persister) *Manager {
	return &Manager{
		trackName: trackName,
		car:       car,
		locator:   locator,
		persist:   persist,
		refs:      make(map[LapType]*ReferenceLap),
		corners:   make(map[string]*CornerReference),
	}
}

// Track returns the track name this manager serves.
func (m *Manager) Track() string { return m.trackName }

// Car returns the car name this manager serves.
func (m *Manager) Car() string { return m.car }

// Restore seeds the manager from previously persisted data. Only the
// personal best and corner references survive across sessions; the
// session-scoped types are rebuilt from live laps.
func (m *Manager) Restore(pb *ReferenceLap, corners []*CornerReference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pb != nil && pb.LapTime > 0 {
		m.refs[TypePersonalBest] = pb
		logf("restored personal best %.3fs for %s/%s", pb.LapTime, m.trackName, m.car)
	}
	for _, c := range corners {
		if c != nil {
			m.corners[c.CornerID] = c
		}
	}
}

// OnLap ingests a completed lap with its telemetry and updates every
// reference type that the lap qualifies for. Invalid laps only extend
// the pace history used for the race-pace reference.
func (m *Manager) OnLap(rec laps.LapRecord, lapSamples []telemetry.Sample) {
	if !rec.Valid || rec.LapTime <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recentTimes = append(m.recentTimes, rec.LapTime)
	if len(m.recentTimes) > consistencyLaps {
		m.recentTimes = m.recentTimes[len(m.recentTimes)-consistencyLaps:]
	}

	m.updateSectorBests(rec)

	built := func(t LapType) *ReferenceLap {
		return BuildReferenceLap(rec, t, lapSamples, m.locator, rec.CompletedAt)
	}

	// Session best: best of this session, always in memory.
	if sb := m.refs[TypeSessionBest]; sb == nil || rec.LapTime < sb.LapTime {
		m.refs[TypeSessionBest] = built(TypeSessionBest)
	}

	// Personal best updates only on a strictly faster lap, and is the
	// one type written through immediately.
	pb := m.refs[TypePersonalBest]
	if pb == nil || rec.LapTime < pb.LapTime {
		newPB := built(TypePersonalBest)
		m.refs[TypePersonalBest] = newPB
		logf("new personal best %.3fs (lap %d)", rec.LapTime, rec.Lap)
		if m.persist != nil {
			if err := m.persist.SaveReferenceLap(newPB); err != nil {
				logf("persist personal best: %v", err)
			}
		}
		pb = newPB
	}

	// The derived types qualify against the current PB.
	if pb != nil {
		if rec.LapTime <= pb.LapTime*(1+optimalWindowPct) {
			m.refs[TypeOptimal] = built(TypeOptimal)
		}
		if rec.LapTime <= pb.LapTime*(1+racePaceWindowPct) {
			m.refs[TypeRacePace] = built(TypeRacePace)
		}
	}
	if len(m.recentTimes) >= consistencyLaps {
		mean, std := stat.MeanStdDev(m.recentTimes, nil)
		if mean > 0 && std/mean < consistencyWindowPct {
			m.refs[TypeConsistency] = built(TypeConsistency)
		}
	}
}

func (m *Manager) updateSectorBests(rec laps.LapRecord) {
	if len(m.sectorBests) < len(rec.SectorTimes) {
		grown := make([]float64, len(rec.SectorTimes))
		copy(grown, m.sectorBests)
		m.sectorBests = grown
	}
	for i, t := range rec.SectorTimes {
		if t <= 0 {
			continue
		}
		if m.sectorBests[i] == 0 || t < m.sectorBests[i] {
			m.sectorBests[i] = t
		}
	}
}

// OfferCorner proposes a corner traversal as a new reference. It is
// adopted when no reference exists for the corner or when the traversal
// was faster through it.
func (m *Manager) OfferCorner(ref *CornerReference) bool {
	if ref == nil || ref.CornerTime <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.corners[ref.CornerID]
	if existing != nil && existing.CornerTime > 0 && existing.CornerTime <= ref.CornerTime {
		return false
	}
	m.corners[ref.CornerID] = ref
	logf("corner reference %s updated (%.3fs)", ref.CornerID, ref.CornerTime)
	if m.persist != nil {
		if err := m.persist.SaveCornerReferences(m.trackName, m.car, m.cornerListLocked()); err != nil {
			logf("persist corner references: %v", err)
		}
	}
	return true
}

// Corner returns the stored reference for a corner, or nil.
func (m *Manager) Corner(cornerID string) *CornerReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.corners[cornerID]
}

// Corners returns all corner references.
func (m *Manager) Corners() []*CornerReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cornerListLocked()
}

func (m *Manager) cornerListLocked() []*CornerReference {
	out := make([]*CornerReference, 0, len(m.corners))
	for _, c := range m.corners {
		out = append(out, c)
	}
	return out
}

// Reference returns the stored lap for a type, or nil.
func (m *Manager) Reference(t LapType) *ReferenceLap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[t]
}

// PersonalBest is shorthand for Reference(TypePersonalBest).
func (m *Manager) PersonalBest() *ReferenceLap { return m.Reference(TypePersonalBest) }

// SectorBests returns a copy of the best time seen per sector.
func (m *Manager) SectorBests() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]float64, len(m.sectorBests))
	copy(out, m.sectorBests)
	return out
}

// TheoreticalBest sums the sector bests. Zero until every sector has a
// recorded time.
func (m *Manager) TheoreticalBest() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, t := range m.sectorBests {
		if t <= 0 {
			return 0
		}
		sum += t
	}
	return sum
}

// WithinOfBest reports whether a lap time is within pct of the personal
// best. Used to gate adaptive behaviour to on-pace laps. With no PB yet
// every lap counts as on pace.
func (m *Manager) WithinOfBest(lapTime, pct float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb := m.refs[TypePersonalBest]
	if pb == nil || pb.LapTime <= 0 {
		return true
	}
	return lapTime <= pb.LapTime*(1+pct)
}

// PaceSummary describes the recent pace relative to the personal best.
type PaceSummary struct {
	PersonalBest    float64 `json:"personal_best"`
	SessionBest     float64 `json:"session_best"`
	TheoreticalBest float64 `json:"theoretical_best"`
	RecentMean      float64 `json:"recent_mean"`
	RecentStdDev    float64 `json:"recent_std_dev"`
	LastUpdated     time.Time
}

// Pace summarizes the manager state for session reporting.
func (m *Manager) Pace() PaceSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out PaceSummary
	if pb := m.refs[TypePersonalBest]; pb != nil {
		out.PersonalBest = pb.LapTime
		out.LastUpdated = pb.CreatedAt
	}
	if sb := m.refs[TypeSessionBest]; sb != nil {
		out.SessionBest = sb.LapTime
	}
	var sum float64
	complete := len(m.sectorBests) > 0
	for _, t := range m.sectorBests {
		if t <= 0 {
			complete = false
			break
		}
		sum += t
	}
	if complete {
		out.TheoreticalBest = sum
	}
	if len(m.recentTimes) >= 2 {
		mean, std := stat.MeanStdDev(m.recentTimes, nil)
		out.RecentMean = mean
		out.RecentStdDev = std
	} else if len(m.recentTimes) == 1 {
		out.RecentMean = m.recentTimes[0]
	}
	return out
}

// GapToBest is the delta of a lap time against the personal best, NaN
// when no personal best exists yet.
func (m *Manager) GapToBest(lapTime float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb := m.refs[TypePersonalBest]
	if pb == nil || pb.LapTime <= 0 {
		return math.NaN()
	}
	return lapTime - pb.LapTime
}
