// Package laps turns the raw sample stream into lap and sector completion
// events. The detector trusts the sim's lap counter when it advances, and
// falls back to lap-distance wrap detection (a drop of more than half a
// lap) when it does not.
package laps

import (
	"math"
	"time"

	"github.com/apexline/apexline/internal/telemetry"
)

// LapRecord describes one completed lap.
type LapRecord struct {
	Lap         int       `json:"lap"`
	LapTime     float64   `json:"lap_time"` // seconds
	SectorTimes []float64 `json:"sector_times"`
	Track       string    `json:"track"`
	Car         string    `json:"car"`
	Valid       bool      `json:"valid"`
	SampleCount int       `json:"sample_count"`
	Boundaries  []float64 `json:"sector_boundaries"`
	CompletedAt time.Time `json:"completed_at"`
}

// SectorRecord describes one completed sector with aggregate metrics.
type SectorRecord struct {
	Index      int     `json:"index"` // 0-based
	Time       float64 `json:"time"`  // seconds
	StartPct   float64 `json:"start_pct"`
	EndPct     float64 `json:"end_pct"`
	EntrySpeed float64 `json:"entry_speed"` // m/s
	ExitSpeed  float64 `json:"exit_speed"`
	MinSpeed   float64 `json:"min_speed"`
	MaxSpeed   float64 `json:"max_speed"`
	AvgThrottle float64 `json:"avg_throttle"`
	AvgBrake    float64 `json:"avg_brake"`
	PeakSteer   float64 `json:"peak_steer"` // |rad|
}

// Event is either a completed lap or a completed sector.
type Event struct {
	Lap    *LapRecord
	Sector *SectorRecord
}

type sectorAccum struct {
	startTime  time.Time
	entrySpeed float64
	exitSpeed  float64
	minSpeed   float64
	maxSpeed   float64
	throttleSum float64
	brakeSum    float64
	peakSteer   float64
	samples     int
}

func newSectorAccum(start time.Time, speed float64) sectorAccum {
	return sectorAccum{
		startTime:  start,
		entrySpeed: speed,
		minSpeed:   math.Inf(1),
		maxSpeed:   math.Inf(-1),
	}
}

func (a *sectorAccum) observe(s *telemetry.Sample) {
	a.exitSpeed = s.SpeedMps
	a.minSpeed = math.Min(a.minSpeed, s.SpeedMps)
	a.maxSpeed = math.Max(a.maxSpeed, s.SpeedMps)
	a.throttleSum += s.Throttle
	a.brakeSum += s.Brake
	if abs := math.Abs(s.SteeringRad); abs > a.peakSteer {
		a.peakSteer = abs
	}
	a.samples++
}

// Detector tracks lap and sector progress for one car. Not safe for
// concurrent use; the analysis task is its only caller.
type Detector struct {
	boundaries []float64 // sorted, boundaries[0]=0, boundaries[N]=1
	minLap     time.Duration
	track, car string

	started     bool
	currentLap  int
	lapStart    time.Time
	lastFrac    float64
	lapSamples  int
	pitSamples  int
	sectorIdx   int
	sector      sectorAccum
	sectorTimes []float64
}

// NewDetector creates a detector with the given sector boundaries
// ([0, b1, …, 1]) and a minimum plausible lap duration used to debounce
// the wrap heuristic.
func NewDetector(track, car string, boundaries []float64, minLap time.Duration) *Detector {
	if len(boundaries) < 2 {
		boundaries = []float64{0, 1}
	}
	return &Detector{
		boundaries: boundaries,
		minLap:     minLap,
		track:      track,
		car:        car,
	}
}

// SectorCount returns the number of configured sectors.
func (d *Detector) SectorCount() int { return len(d.boundaries) - 1 }

// Observe feeds one sample and returns zero or more completion events.
// Sector events for the lap precede its lap event.
func (d *Detector) Observe(s telemetry.Sample) []Event {
	if !d.started {
		d.start(s)
		return nil
	}

	var events []Event

	lapCrossed := s.Lap > d.currentLap
	wrapped := d.lastFrac-s.LapDistPct > 0.5 && s.Timestamp.Sub(d.lapStart) >= d.minLap
	if lapCrossed || wrapped {
		events = d.completeLap(s)
	} else {
		// Sector boundary crossing within the lap.
		for d.sectorIdx < d.SectorCount()-1 && s.LapDistPct >= d.boundaries[d.sectorIdx+1] {
			events = append(events, d.completeSector(s.Timestamp))
		}
	}

	d.sector.observe(&s)
	d.lapSamples++
	if s.OnPitRoad {
		d.pitSamples++
	}
	d.lastFrac = s.LapDistPct
	return events
}

func (d *Detector) start(s telemetry.Sample) {
	d.started = true
	d.currentLap = s.Lap
	d.lapStart = s.Timestamp
	d.lastFrac = s.LapDistPct
	d.sectorIdx = d.sectorIndexFor(s.LapDistPct)
	d.sector = newSectorAccum(s.Timestamp, s.SpeedMps)
	d.sectorTimes = make([]float64, 0, d.SectorCount())
}

func (d *Detector) sectorIndexFor(frac float64) int {
	for i := d.SectorCount() - 1; i > 0; i-- {
		if frac >= d.boundaries[i] {
			return i
		}
	}
	return 0
}

func (d *Detector) completeSector(now time.Time) Event {
	rec := SectorRecord{
		Index:      d.sectorIdx,
		Time:       now.Sub(d.sector.startTime).Seconds(),
		StartPct:   d.boundaries[d.sectorIdx],
		EndPct:     d.boundaries[d.sectorIdx+1],
		EntrySpeed: d.sector.entrySpeed,
		ExitSpeed:  d.sector.exitSpeed,
		MinSpeed:   d.sector.minSpeed,
		MaxSpeed:   d.sector.maxSpeed,
		PeakSteer:  d.sector.peakSteer,
	}
	if d.sector.samples > 0 {
		rec.AvgThrottle = d.sector.throttleSum / float64(d.sector.samples)
		rec.AvgBrake = d.sector.brakeSum / float64(d.sector.samples)
	}
	if math.IsInf(rec.MinSpeed, 1) {
		rec.MinSpeed, rec.MaxSpeed = 0, 0
	}
	d.sectorTimes = append(d.sectorTimes, rec.Time)
	d.sectorIdx++
	d.sector = newSectorAccum(now, rec.ExitSpeed)
	return Event{Sector: &rec}
}

func (d *Detector) completeLap(s telemetry.Sample) []Event {
	var events []Event

	// Finalize trailing sectors up to the lap boundary.
	for d.sectorIdx < d.SectorCount() {
		events = append(events, d.completeSector(s.Timestamp))
	}

	wallClock := s.Timestamp.Sub(d.lapStart).Seconds()
	lapTime := wallClock
	// Prefer the sim-reported time when it is plausible.
	if s.LastLapTime > 0 {
		lapTime = s.LastLapTime
	}

	mostlyPit := d.lapSamples > 0 && float64(d.pitSamples) > float64(d.lapSamples)/2
	valid := lapTime > 0 && (!mostlyPit || s.LastLapTime > 0)

	// Exactly SectorCount entries, zero-padded when a trailing sector was
	// never entered (e.g. tow back to pits).
	times := make([]float64, d.SectorCount())
	copy(times, d.sectorTimes)

	rec := LapRecord{
		Lap:         d.currentLap,
		LapTime:     lapTime,
		SectorTimes: times,
		Track:       d.track,
		Car:         d.car,
		Valid:       valid,
		SampleCount: d.lapSamples,
		Boundaries:  d.boundaries,
		CompletedAt: s.Timestamp,
	}
	events = append(events, Event{Lap: &rec})

	// Reset for the next lap.
	nextLap := d.currentLap + 1
	if s.Lap > nextLap {
		nextLap = s.Lap
	}
	d.currentLap = nextLap
	d.lapStart = s.Timestamp
	d.lapSamples = 0
	d.pitSamples = 0
	d.sectorIdx = 0
	d.sector = newSectorAccum(s.Timestamp, s.SpeedMps)
	d.sectorTimes = d.sectorTimes[:0]
	return events
}
