// Package sdk adapts sim telemetry feeds onto the internal sample
// stream. Two sources exist: a UDP listener for the live bridge that
// forwards sim SDK frames as JSON datagrams, and a JSONL replay source
// for development without a sim.
//
// Normalization happens here and nowhere else: speeds arrive in mph,
// pedals on whichever of the 0..1 / 0..100 scales the sim prefers, and
// fuel in gallons; everything leaves in SI.
package sdk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apexline/apexline/internal/monitoring"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/units"
)

var logf = monitoring.Prefixed("[sdk]")

// Source is a telemetry feed. Run blocks until the context ends or the
// feed is exhausted; the channels close when Run returns.
type Source interface {
	Run(ctx context.Context) error
	Samples() <-chan telemetry.Sample
	Info() <-chan telemetry.SessionInfo
}

// sampleBuffer is the channel depth between the reader and the
// analysis loop; at 60 Hz this is about two seconds of slack.
const sampleBuffer = 128

// wireFrame is one feed message. Telemetry frames dominate; session
// info frames arrive on connect and whenever the sim metadata changes.
type wireFrame struct {
	Type string          `json:"type"` // "telemetry" or "session_info"
	Data json.RawMessage `json:"data"`
}

// wireTelemetry mirrors the bridge's frame layout, sim units intact.
type wireTelemetry struct {
	Timestamp  time.Time `json:"timestamp"`
	Lap        int       `json:"lap"`
	LapDistPct float64   `json:"lap_dist_pct"`

	SpeedMph float64 `json:"speed_mph"`
	RPM      float64 `json:"rpm"`
	Gear     int     `json:"gear"`

	ThrottlePct float64 `json:"throttle_pct"`
	BrakePct    float64 `json:"brake_pct"`
	SteeringRad float64 `json:"steering_rad"`
	YawRateRadS float64 `json:"yaw_rate_rad_s"`

	LatAccelG  float64 `json:"lat_accel_g"`
	LongAccelG float64 `json:"long_accel_g"`
	VertAccelG float64 `json:"vert_accel_g"`

	VelXMps float64 `json:"vel_x_mps"`
	VelYMps float64 `json:"vel_y_mps"`
	VelZMps float64 `json:"vel_z_mps"`

	TirePressuresKpa [4]float64 `json:"tire_pressures_kpa"`
	TireTempsC       [4]float64 `json:"tire_temps_c"`

	FuelLevelGal   float64 `json:"fuel_level_gal"`
	FuelPerHourGal float64 `json:"fuel_per_hour_gal"`

	OnPitRoad    bool   `json:"on_pit_road"`
	Surface      int    `json:"surface"`
	Phase        int    `json:"phase"`
	SessionFlags uint32 `json:"session_flags"`

	LastLapTime float64 `json:"last_lap_time"`
}

// normalize converts a wire frame to the internal SI sample. A zero
// timestamp is stamped with the receive time so replayed captures
// without wall clocks still order correctly.
func normalize(w *wireTelemetry, received time.Time) telemetry.Sample {
	ts := w.Timestamp
	if ts.IsZero() {
		ts = received
	}
	return telemetry.Sample{
		Timestamp:  ts,
		Lap:        w.Lap,
		LapDistPct: w.LapDistPct,

		SpeedMps: units.MphToMps(w.SpeedMph),
		RPM:      w.RPM,
		Gear:     w.Gear,

		Throttle:    units.Normalize01(w.ThrottlePct),
		Brake:       units.Normalize01(w.BrakePct),
		SteeringRad: w.SteeringRad,
		YawRateRadS: w.YawRateRadS,

		LatAccelG:  w.LatAccelG,
		LongAccelG: w.LongAccelG,
		VertAccelG: w.VertAccelG,

		VelXMps: w.VelXMps,
		VelYMps: w.VelYMps,
		VelZMps: w.VelZMps,

		TirePressuresKpa: w.TirePressuresKpa,
		TireTempsC:       w.TireTempsC,

		FuelLevelL:   units.GallonsToLitres(w.FuelLevelGal),
		FuelPerHourL: units.GallonsToLitres(w.FuelPerHourGal),

		OnPitRoad:    w.OnPitRoad,
		Surface:      telemetry.TrackSurface(w.Surface),
		Phase:        telemetry.SessionPhase(w.Phase),
		SessionFlags: w.SessionFlags,

		LastLapTime: w.LastLapTime,
	}
}

// dispatch decodes one frame and routes it. Undecodable frames are
// counted and dropped; a telemetry frame that cannot be queued without
// blocking is dropped too, the ring only ever wants the freshest data.
func dispatch(raw []byte, received time.Time,
	samples chan<- telemetry.Sample, info chan<- telemetry.SessionInfo) (dropped bool, err error) {

	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return false, err
	}
	switch frame.Type {
	case "telemetry":
		var w wireTelemetry
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			return false, err
		}
		select {
		case samples <- normalize(&w, received):
		default:
			return true, nil
		}
	case "session_info":
		var si telemetry.SessionInfo
		if err := json.Unmarshal(frame.Data, &si); err != nil {
			return false, err
		}
		select {
		case info <- si:
		default:
			// Metadata repeats; losing one update is harmless.
		}
	}
	return false, nil
}
