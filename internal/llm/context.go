// Package llm optionally rewrites coaching messages through the Gemini
// API. Every failure path returns the original message unchanged; the
// pipeline never depends on the enricher succeeding.
package llm

import (
	"math"

	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/units"
)

// inputHistory is how many trailing samples ride along in the payload.
const inputHistory = 20

// EventContext describes the triggering event.
type EventContext struct {
	Type     string `json:"type"`
	Severity string `json:"severity"` // low, medium, high
	Location struct {
		Track   string `json:"track"`
		Turn    string `json:"turn"`
		Segment string `json:"segment"`
	} `json:"location"`
	Time string `json:"time"`
}

// DriverInputs carries parallel arrays of the last samples.
type DriverInputs struct {
	SteeringAngle []float64 `json:"steering_angle"` // rad, 2 dp
	Brake         []float64 `json:"brake"`          // 0..1, 3 dp
	Throttle      []float64 `json:"throttle"`       // 0..1, 3 dp
	Gear          []int     `json:"gear"`
}

// CarState carries the matching speed/rpm/slip arrays.
type CarState struct {
	SpeedKph  []float64 `json:"speed_kph"`
	RPM       []float64 `json:"rpm"`
	SlipAngle []float64 `json:"slip_angle"`
}

// TireState may be empty when the sim does not report tire data.
type TireState struct {
	Temps     []float64 `json:"temps"`
	Pressures []float64 `json:"pressures"`
}

// ReferenceContext compares the driver against the stored reference.
type ReferenceContext struct {
	BestApexSpeed   float64 `json:"best_apex_speed"`
	DriverApexSpeed float64 `json:"driver_apex_speed"`
	SectorDeltaS    float64 `json:"sector_delta_s"`
}

// HistoryEntry is one prior event, at most five are included.
type HistoryEntry struct {
	Lap      int    `json:"lap"`
	Turn     string `json:"turn"`
	Event    string `json:"event"`
	Severity string `json:"severity"`
}

// SessionContext summarizes the running session.
type SessionContext struct {
	Type            string  `json:"type"`
	LapNumber       int     `json:"lap_number"`
	FuelRemainingL  float64 `json:"fuel_remaining_l"`
	BestLapTime     float64 `json:"best_lap_time"`
	CurrentLapTime  float64 `json:"current_lap_time"`
}

// ContextPayload is the structured context handed to the model.
type ContextPayload struct {
	Event        EventContext     `json:"event"`
	DriverInputs DriverInputs     `json:"driver_inputs"`
	CarState     CarState         `json:"car_state"`
	TireState    TireState        `json:"tire_state"`
	Reference    ReferenceContext `json:"reference"`
	History      []HistoryEntry   `json:"history"`
	Session      SessionContext   `json:"session"`
}

// BuildInputs fills the parallel arrays from the trailing samples,
// rounding to the payload's documented precision.
func BuildInputs(samples []telemetry.Sample) (DriverInputs, CarState, TireState) {
	if len(samples) > inputHistory {
		samples = samples[len(samples)-inputHistory:]
	}
	var in DriverInputs
	var car CarState
	var tires TireState
	for i := range samples {
		s := &samples[i]
		in.SteeringAngle = append(in.SteeringAngle, round(s.SteeringRad, 2))
		in.Brake = append(in.Brake, round(s.Brake, 3))
		in.Throttle = append(in.Throttle, round(s.Throttle, 3))
		in.Gear = append(in.Gear, s.Gear)
		car.SpeedKph = append(car.SpeedKph, round(units.MpsToKph(s.SpeedMps), 1))
		car.RPM = append(car.RPM, round(s.RPM, 0))
		car.SlipAngle = append(car.SlipAngle, round(s.SlipAngleRad(), 3))
	}
	if len(samples) > 0 {
		last := &samples[len(samples)-1]
		tires.Temps = append(tires.Temps, last.TireTempsC[:]...)
		tires.Pressures = append(tires.Pressures, last.TirePressuresKpa[:]...)
	}
	return in, car, tires
}

// TrimHistory bounds the prior-event list to the payload limit of 5.
func TrimHistory(entries []HistoryEntry) []HistoryEntry {
	const maxHistory = 5
	if len(entries) > maxHistory {
		return entries[len(entries)-maxHistory:]
	}
	return entries
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
