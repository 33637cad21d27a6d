package api

import (
	"log"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/units"
)

// The UI connects from a file:// overlay or a local dev server, so the
// origin check is permissive. This surface binds to loopback.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second

	// telemetryInterval paces the telemetry stream; the UI does not
	// need the full 60 Hz.
	telemetryInterval = 50 * time.Millisecond
	sessionInterval   = time.Second
)

// envelope is the wire frame for every WebSocket message, both
// directions. ID echoes the request on replies and is server-generated
// on pushes.
type envelope struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

func push(kind string, data interface{}) envelope {
	return envelope{Type: kind, ID: uuid.NewString(), Timestamp: time.Now().UTC(), Data: data}
}

func reply(kind, id string, data interface{}) envelope {
	return envelope{Type: kind, ID: id, Timestamp: time.Now().UTC(), Data: data}
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Printf("[api] websocket upgrade %s: %v", r.URL.Path, err)
		return nil, false
	}
	return conn, true
}

func writeEnvelope(conn *websocket.Conn, env envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// telemetryWire is the display form of a sample: speed in the
// configured units, pedals as percentages, plus the derived gauges the
// UI renders directly.
type telemetryWire struct {
	Timestamp  time.Time `json:"timestamp"`
	Lap        int       `json:"lap"`
	LapDistPct float64   `json:"lap_dist_pct"`
	Speed      float64   `json:"speed"`
	SpeedUnits string    `json:"speed_units"`
	RPM        float64   `json:"rpm"`
	Gear       int       `json:"gear"`
	Throttle   float64   `json:"throttle_pct"`
	Brake      float64   `json:"brake_pct"`
	Steering   float64   `json:"steering_rad"`
	LatG       float64   `json:"lat_g"`
	LongG      float64   `json:"long_g"`
	FuelL      float64   `json:"fuel_l"`
	OnPitRoad  bool      `json:"on_pit_road"`

	DrivingIntensity float64 `json:"driving_intensity"`
	EngineStress     float64 `json:"engine_stress"`
	SessionActive    bool    `json:"session_active"`
}

// nominalRedlineRPM scales engine stress when the sim does not report a
// redline.
const nominalRedlineRPM = 7500

// drivingIntensity blends pedal application and lateral load into a
// 0..100 activity figure.
func drivingIntensity(s telemetry.Sample) float64 {
	lat := math.Abs(s.LatAccelG) / 2
	if lat > 1 {
		lat = 1
	}
	return units.Clamp01(0.4*s.Throttle+0.4*s.Brake+0.2*lat) * 100
}

// engineStress rates RPM against the redline as 0..100.
func engineStress(s telemetry.Sample) float64 {
	return units.Clamp01(s.RPM/nominalRedlineRPM) * 100
}

func (s *Server) toWire(sample telemetry.Sample) telemetryWire {
	return telemetryWire{
		Timestamp:  sample.Timestamp,
		Lap:        sample.Lap,
		LapDistPct: sample.LapDistPct,
		Speed:      convertSpeed(sample.SpeedMps, s.units),
		SpeedUnits: s.units,
		RPM:        sample.RPM,
		Gear:       sample.Gear,
		Throttle:   sample.Throttle * 100,
		Brake:      sample.Brake * 100,
		Steering:   sample.SteeringRad,
		LatG:       sample.LatAccelG,
		LongG:      sample.LongAccelG,
		FuelL:      sample.FuelLevelL,
		OnPitRoad:  sample.OnPitRoad,

		DrivingIntensity: drivingIntensity(sample),
		EngineStress:     engineStress(sample),
		SessionActive:    s.sess.Active(),
	}
}

// wsTelemetry streams the freshest sample at a UI-friendly rate. Each
// client gets its own pacer; a sample is sent only when newer than the
// last one delivered.
func (s *Server) wsTelemetry(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	go discardReads(conn)

	if err := writeEnvelope(conn, push("connected", nil)); err != nil {
		return
	}

	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()

	var lastSent time.Time
	for range ticker.C {
		sample, ok := s.ring.Last()
		if !ok || !sample.Timestamp.After(lastSent) {
			continue
		}
		lastSent = sample.Timestamp
		if err := writeEnvelope(conn, push("telemetry", s.toWire(sample))); err != nil {
			return
		}
	}
}

// wsSession pushes the session status once a second.
func (s *Server) wsSession(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	go discardReads(conn)

	if err := writeEnvelope(conn, push("connected", nil)); err != nil {
		return
	}

	ticker := time.NewTicker(sessionInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := writeEnvelope(conn, push("session", s.pipe.SessionStatus())); err != nil {
			return
		}
	}
}

// coachingData is the delivery shape of a message: priority on the
// numeric 1..4 scale, confidence as a percentage.
type coachingData struct {
	Message              string   `json:"message"`
	Category             string   `json:"category"`
	Priority             int      `json:"priority"`
	Confidence           float64  `json:"confidence"`
	Source               string   `json:"source"`
	Context              string   `json:"context,omitempty"`
	Secondary            []string `json:"secondary_messages,omitempty"`
	ImprovementPotential float64  `json:"improvement_potential,omitempty"`
}

func toCoachingData(msg *coach.Message) coachingData {
	return coachingData{
		Message:              msg.Content,
		Category:             msg.Category,
		Priority:             coach.PriorityWire(msg.Priority),
		Confidence:           msg.Confidence * 100,
		Source:               msg.Source,
		Context:              msg.Context,
		Secondary:            msg.Secondary,
		ImprovementPotential: msg.ImprovementPotential,
	}
}

// deliverable applies the UI mode at the delivery edge. The analysis
// side keeps running either way so references and mistakes stay warm.
func (s *Server) deliverable(msg *coach.Message) bool {
	switch s.Mode() {
	case ModeOff:
		return false
	case ModeQuiet:
		return coach.PriorityRank(msg.Priority) <= coach.PriorityRank(coach.PriorityHigh)
	}
	return true
}

// wsCoaching is the bidirectional UI channel: coaching messages flow
// out, UI requests (getStatus, getHistory, setCoachingMode,
// getCoachingStats) flow in.
func (s *Server) wsCoaching(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	if err := writeEnvelope(conn, push("connected", map[string]string{"mode": s.Mode()})); err != nil {
		return
	}

	// Outbound messages and inbound requests share the connection, so
	// writes are funneled through a single channel.
	out := make(chan envelope, 16)
	done := make(chan struct{})

	id, messages := s.cast.Subscribe()
	defer s.cast.Unsubscribe(id)

	go func() {
		defer close(done)
		for {
			var req envelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			s.handleRequest(req, out)
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if !s.deliverable(msg) {
				continue
			}
			// Coaching frames carry the message's own id so the UI can
			// correlate audio and text for one delivery.
			if err := writeEnvelope(conn, reply("coaching", msg.ID, toCoachingData(msg))); err != nil {
				return
			}
		case env := <-out:
			if err := writeEnvelope(conn, env); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleRequest services one UI request. Replies carry the request id.
func (s *Server) handleRequest(req envelope, out chan<- envelope) {
	respond := func(env envelope) {
		select {
		case out <- env:
		default:
			// Slow client; dropping the reply beats blocking delivery.
		}
	}

	switch req.Type {
	case "getStatus":
		respond(reply("status", req.ID, s.statusPayload()))

	case "getCoachingStats":
		st := s.pipe.SessionStatus()
		respond(reply("status", req.ID, map[string]interface{}{
			"queue":   st.Queue,
			"llm":     st.LLM,
			"gated":   st.Gated,
			"summary": s.pipe.MistakeSummary(3),
		}))

	case "getHistory":
		if s.archive == nil {
			respond(reply("error", req.ID, map[string]string{"error": "archive not configured"}))
			return
		}
		msgs, err := s.archive.RecentMessages(50)
		if err != nil {
			respond(reply("error", req.ID, map[string]string{"error": err.Error()}))
			return
		}
		respond(reply("history", req.ID, msgs))

	case "setCoachingMode":
		data, _ := req.Data.(map[string]interface{})
		mode, _ := data["mode"].(string)
		if !s.setMode(mode) {
			respond(reply("error", req.ID, map[string]string{"error": "unknown mode: " + mode}))
			return
		}
		respond(reply("status", req.ID, map[string]string{"mode": mode}))

	default:
		respond(reply("error", req.ID, map[string]string{"error": "unknown request: " + req.Type}))
	}
}

// discardReads drains a read-only connection so pings and close frames
// are processed.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
