package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/fsutil"
	"github.com/apexline/apexline/internal/laps"
	"github.com/apexline/apexline/internal/pipeline"
	"github.com/apexline/apexline/internal/session"
	"github.com/apexline/apexline/internal/store"
	"github.com/apexline/apexline/internal/telemetry"
)

var t0 = time.Unix(1700000000, 0).UTC()

type fixture struct {
	srv    *httptest.Server
	server *Server
	ring   *telemetry.Ring
	queue  *coach.Queue
	cast   *coach.Broadcaster
	cancel context.CancelFunc
}

func newFixture(t *testing.T, files *store.FileStore) *fixture {
	t.Helper()
	ring := telemetry.NewRing(0, 0)
	sess := session.NewManager(session.Config{})
	queue := coach.NewQueue(coach.QueueConfig{})
	p, err := pipeline.New(pipeline.Config{
		Ring:    ring,
		Session: sess,
		Queue:   queue,
		Decider: coach.NewDecider(),
	})
	require.NoError(t, err)

	cast := coach.NewBroadcaster(queue)
	ctx, cancel := context.WithCancel(context.Background())
	go cast.Run(ctx)

	server := NewServer(p, ring, sess, cast, files, nil, "mph")
	srv := httptest.NewServer(server.ServeMux())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &fixture{srv: srv, server: server, ring: ring, queue: queue, cast: cast, cancel: cancel}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.srv.URL, "http", "ws", 1) + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, ModeFull, body["mode"])
	assert.Equal(t, "mph", body["units"])
}

func TestHistoryWithoutArchive(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/api/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReportEndpoint(t *testing.T) {
	files, err := store.Open("coaching_data", fsutil.NewMemoryFileSystem())
	require.NoError(t, err)
	end := t0.Add(time.Hour)
	require.NoError(t, files.SaveSession(&session.State{
		ID: "okayama_mx5_1", Track: "okayama", Car: "mx5",
		StartTime: t0, EndTime: &end, BestLapTime: 91.5, ValidLaps: 2,
		Laps: []laps.LapRecord{
			{Lap: 1, LapTime: 92.0, Valid: true},
			{Lap: 2, LapTime: 91.5, Valid: true},
		},
	}))
	f := newFixture(t, files)

	resp, err := http.Get(f.srv.URL + "/api/report?session=okayama_mx5_1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	missing, err := http.Get(f.srv.URL + "/api/report?session=nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	noParam, err := http.Get(f.srv.URL + "/api/report")
	require.NoError(t, err)
	defer noParam.Body.Close()
	assert.Equal(t, http.StatusBadRequest, noParam.StatusCode)
}

func TestCoachingHandshakeAndRequests(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/coaching")

	env := readEnvelope(t, conn)
	assert.Equal(t, "connected", env.Type)

	require.NoError(t, conn.WriteJSON(envelope{Type: "getStatus", ID: "req-1"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "status", env.Type)
	assert.Equal(t, "req-1", env.ID)

	require.NoError(t, conn.WriteJSON(envelope{
		Type: "setCoachingMode", ID: "req-2",
		Data: map[string]interface{}{"mode": ModeQuiet},
	}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "status", env.Type)
	assert.Equal(t, ModeQuiet, f.server.Mode())

	require.NoError(t, conn.WriteJSON(envelope{
		Type: "setCoachingMode", ID: "req-3",
		Data: map[string]interface{}{"mode": "shouty"},
	}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)

	require.NoError(t, conn.WriteJSON(envelope{Type: "mystery", ID: "req-4"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.Equal(t, "req-4", env.ID)
}

func TestCoachingDelivery(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/coaching")
	readEnvelope(t, conn) // connected

	msg := coach.NewMessage("brake earlier into the hairpin",
		coach.CategoryBraking, coach.PriorityHigh, coach.SourceLocal, 0.85, time.Now())
	f.queue.Enqueue(msg)

	env := readEnvelope(t, conn)
	require.Equal(t, "coaching", env.Type)
	assert.Equal(t, msg.ID, env.ID)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var data coachingData
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "brake earlier into the hairpin", data.Message)
	assert.Equal(t, 2, data.Priority)
	assert.InDelta(t, 85, data.Confidence, 1e-9)
	assert.Equal(t, coach.SourceLocal, data.Source)
}

func TestTelemetryStream(t *testing.T) {
	f := newFixture(t, nil)
	f.ring.Push(telemetry.Sample{Timestamp: time.Now(), SpeedMps: 44.704, Throttle: 0.85, RPM: 3750})

	conn := f.dial(t, "/ws/telemetry")
	env := readEnvelope(t, conn)
	require.Equal(t, "connected", env.Type)
	env = readEnvelope(t, conn)
	require.Equal(t, "telemetry", env.Type)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var wire telemetryWire
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.InDelta(t, 100, wire.Speed, 0.01, "m/s converted to mph")
	assert.InDelta(t, 85, wire.Throttle, 1e-9)
	assert.InDelta(t, 34, wire.DrivingIntensity, 1e-9, "throttle-only sample")
	assert.InDelta(t, 50, wire.EngineStress, 1e-9, "3750 of 7500 rpm")
	assert.False(t, wire.SessionActive)
}

func TestDeliverableModes(t *testing.T) {
	f := newFixture(t, nil)
	high := coach.NewMessage("x", coach.CategoryBraking, coach.PriorityHigh, coach.SourceLocal, 1, time.Now())
	low := coach.NewMessage("y", coach.CategoryBraking, coach.PriorityLow, coach.SourceLocal, 1, time.Now())

	assert.True(t, f.server.deliverable(high))
	assert.True(t, f.server.deliverable(low))

	f.server.setMode(ModeQuiet)
	assert.True(t, f.server.deliverable(high))
	assert.False(t, f.server.deliverable(low))

	f.server.setMode(ModeOff)
	assert.False(t, f.server.deliverable(high))
}
