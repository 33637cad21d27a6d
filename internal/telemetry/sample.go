// Package telemetry defines the normalized telemetry sample that every
// downstream stage consumes, and the fixed-capacity ring buffer that holds
// the most recent samples.
//
// Samples arrive from an SDK adapter at roughly 60 Hz. The ingest boundary
// normalizes units (speed to m/s, pedals to [0,1], fuel to litres) and
// rejects anything stale or malformed; nothing past this package ever sees
// a NaN or an out-of-order timestamp.
package telemetry

import (
	"math"
	"time"
)

// TrackSurface describes where the car is relative to the racing surface.
type TrackSurface int

const (
	SurfaceNotInWorld TrackSurface = iota
	SurfaceOffTrack
	SurfaceInPitStall
	SurfaceApproachingPits
	SurfaceOnTrack
)

func (s TrackSurface) String() string {
	switch s {
	case SurfaceNotInWorld:
		return "not_in_world"
	case SurfaceOffTrack:
		return "off_track"
	case SurfaceInPitStall:
		return "in_pit_stall"
	case SurfaceApproachingPits:
		return "approaching_pits"
	case SurfaceOnTrack:
		return "on_track"
	}
	return "unknown"
}

// SessionPhase is the sim-reported session state.
type SessionPhase int

const (
	PhaseInvalid SessionPhase = iota
	PhaseGetInCar
	PhaseWarmup
	PhaseParade
	PhaseRacing
	PhaseCheckered
	PhaseCooldown
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseGetInCar:
		return "get_in_car"
	case PhaseWarmup:
		return "warmup"
	case PhaseParade:
		return "parade"
	case PhaseRacing:
		return "racing"
	case PhaseCheckered:
		return "checkered"
	case PhaseCooldown:
		return "cooldown"
	}
	return "invalid"
}

// Sample is one normalized telemetry frame. All units are SI: speeds in
// m/s, angles in radians, accelerations in g, fuel in litres. Pedals are
// in [0,1]. Gear 0 means neutral or reverse.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	Lap        int       `json:"lap"`
	LapDistPct float64   `json:"lap_dist_pct"` // fraction of the lap, wraps at 1.0

	SpeedMps float64 `json:"speed_mps"`
	RPM      float64 `json:"rpm"`
	Gear     int     `json:"gear"`

	Throttle    float64 `json:"throttle"`
	Brake       float64 `json:"brake"`
	SteeringRad float64 `json:"steering_rad"`
	YawRateRadS float64 `json:"yaw_rate_rad_s"`

	LatAccelG  float64 `json:"lat_accel_g"`
	LongAccelG float64 `json:"long_accel_g"`
	VertAccelG float64 `json:"vert_accel_g"`

	// Velocities along the vehicle axes: X forward, Y left, Z up.
	VelXMps float64 `json:"vel_x_mps"`
	VelYMps float64 `json:"vel_y_mps"`
	VelZMps float64 `json:"vel_z_mps"`

	TirePressuresKpa [4]float64 `json:"tire_pressures_kpa"` // LF RF LR RR
	TireTempsC       [4]float64 `json:"tire_temps_c"`       // zero when the sim does not report them

	FuelLevelL   float64 `json:"fuel_level_l"`
	FuelPerHourL float64 `json:"fuel_per_hour_l"`

	OnPitRoad    bool         `json:"on_pit_road"`
	Surface      TrackSurface `json:"surface"`
	Phase        SessionPhase `json:"phase"`
	SessionFlags uint32       `json:"session_flags"`

	// LastLapTime is the sim-reported previous lap time in seconds, zero
	// when unavailable. Preferred over wall-clock lap timing when > 0.
	LastLapTime float64 `json:"last_lap_time"`
}

// SlipAngleRad approximates the slip angle from the vehicle-axis velocity
// components. Returns 0 below walking pace where the ratio is meaningless.
func (s *Sample) SlipAngleRad() float64 {
	if s.VelXMps < 1.0 {
		return 0
	}
	return math.Atan2(s.VelYMps, s.VelXMps)
}

// CombinedG is the magnitude of lateral plus longitudinal acceleration.
func (s *Sample) CombinedG() float64 {
	return math.Hypot(s.LatAccelG, s.LongAccelG)
}

// Valid reports whether every required numeric field is finite and the
// lap-distance fraction is inside [0,1]. Samples failing this check are
// rejected at the ingest boundary.
func (s *Sample) Valid() bool {
	for _, v := range []float64{
		s.LapDistPct, s.SpeedMps, s.RPM,
		s.Throttle, s.Brake, s.SteeringRad, s.YawRateRadS,
		s.LatAccelG, s.LongAccelG, s.VertAccelG,
		s.VelXMps, s.VelYMps, s.VelZMps,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if s.LapDistPct < 0 || s.LapDistPct > 1 {
		return false
	}
	return true
}
