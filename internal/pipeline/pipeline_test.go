package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexline/apexline/internal/analysis"
	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/detect"
	"github.com/apexline/apexline/internal/laps"
	"github.com/apexline/apexline/internal/mistakes"
	"github.com/apexline/apexline/internal/refs"
	"github.com/apexline/apexline/internal/session"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

var t0 = time.Unix(1700000000, 0).UTC()

type fakeStore struct {
	baseline bool
	pb       *refs.ReferenceLap

	saved      []*session.State
	lapSaves   []*refs.ReferenceLap
	cornerSets int
}

func (f *fakeStore) HasBaseline(trackName, car string) bool { return f.baseline }

func (f *fakeStore) LoadReferenceLap(trackName, car string, t refs.LapType) (*refs.ReferenceLap, error) {
	if t == refs.TypePersonalBest {
		return f.pb, nil
	}
	return nil, nil
}

func (f *fakeStore) LoadCornerReferences(trackName, car string) ([]*refs.CornerReference, error) {
	return nil, nil
}

func (f *fakeStore) SaveSession(st *session.State) error {
	f.saved = append(f.saved, st)
	return nil
}

func (f *fakeStore) SaveReferenceLap(ref *refs.ReferenceLap) error {
	f.lapSaves = append(f.lapSaves, ref)
	return nil
}

func (f *fakeStore) SaveCornerReferences(trackName, car string, corners []*refs.CornerReference) error {
	f.cornerSets++
	return nil
}

type fakeArchive struct {
	laps []laps.LapRecord
	msgs []*coach.Message
}

func (f *fakeArchive) RecordLap(sessionID string, rec laps.LapRecord) error {
	f.laps = append(f.laps, rec)
	return nil
}

func (f *fakeArchive) RecordMessage(sessionID string, msg *coach.Message) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

// alwaysDetector fires the same insight on every sample.
type alwaysDetector struct{ situation string }

func (d *alwaysDetector) Name() string { return "always" }

func (d *alwaysDetector) Analyze(snap []telemetry.Sample, seg track.Segment) []detect.Insight {
	if len(snap) == 0 {
		return nil
	}
	cur := snap[len(snap)-1]
	return []detect.Insight{{
		Situation:  d.situation,
		Confidence: 0.9,
		Importance: 0.5,
		At:         cur.Timestamp,
	}}
}

type harness struct {
	p     *Pipeline
	q     *coach.Queue
	sess  *session.Manager
	store *fakeStore
	arch  *fakeArchive
	cb    func(telemetry.Sample)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		q:     coach.NewQueue(coach.QueueConfig{}),
		sess:  session.NewManager(session.Config{}),
		store: &fakeStore{},
		arch:  &fakeArchive{},
	}
	cfg := Config{
		Ring:       telemetry.NewRing(0, 0),
		Session:    h.sess,
		Queue:      h.q,
		Decider:    coach.NewDecider(),
		Mistakes:   mistakes.NewTracker(),
		Storage:    h.store,
		Archive:    h.arch,
		MinLapTime: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	h.p = p
	h.cb = p.NewSampleCallback()
	return h
}

func (h *harness) info(trackName, car string) {
	h.p.OnSessionInfo(telemetry.SessionInfo{TrackName: trackName, CarName: car, SessionType: "practice"})
}

// drive pushes one synthetic lap of n on-track samples starting at ts
// and returns the timestamp following the lap.
func (h *harness) drive(ts time.Time, lap, n int, lapSeconds float64) time.Time {
	step := time.Duration(lapSeconds / float64(n) * float64(time.Second))
	for i := 0; i < n; i++ {
		h.cb(telemetry.Sample{
			Timestamp:  ts,
			Lap:        lap,
			LapDistPct: float64(i) / float64(n),
			SpeedMps:   40,
			Surface:    telemetry.SurfaceOnTrack,
			Phase:      telemetry.PhaseRacing,
		})
		ts = ts.Add(step)
	}
	return ts
}

func drain(q *coach.Queue) []*coach.Message {
	var out []*coach.Message
	// Far future so cooldowns and rate limits never withhold anything.
	at := t0.Add(24 * time.Hour)
	for {
		msg := q.Dequeue(at)
		if msg == nil {
			return out
		}
		at = at.Add(time.Hour)
		out = append(out, msg)
	}
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSessionDeferredUntilInfoAndMotion(t *testing.T) {
	h := newHarness(t, nil)

	// Samples without track/car info buffer but start nothing.
	h.drive(t0, 0, 10, 1.0)
	assert.False(t, h.sess.Active())

	// Info alone is not enough either; the car must move.
	h.info("okayama", "mx5")
	h.cb(telemetry.Sample{Timestamp: t0.Add(time.Minute), SpeedMps: 1.0})
	assert.False(t, h.sess.Active())

	h.cb(telemetry.Sample{Timestamp: t0.Add(time.Minute + time.Second), SpeedMps: 40})
	assert.True(t, h.sess.Active())

	msgs := drain(h.q)
	require.NotEmpty(t, msgs)
	assert.Equal(t, coach.CategoryBaseline, msgs[0].Category)
	assert.Contains(t, msgs[0].Content, "baseline")
}

func TestBaselineCountdownAndEstablishment(t *testing.T) {
	h := newHarness(t, nil)
	h.info("okayama", "mx5")

	ts := t0
	for lap := 0; lap < 4; lap++ {
		ts = h.drive(ts, lap, 30, 90)
	}

	st := h.sess.Snapshot()
	require.NotNil(t, st)
	assert.True(t, st.BaselineEstablished)
	assert.GreaterOrEqual(t, st.ValidLaps, 3)

	var established bool
	for _, m := range drain(h.q) {
		if strings.Contains(m.Content, "established") {
			established = true
		}
	}
	assert.True(t, established)
}

func TestLapFlowFeedsReferencesAndArchive(t *testing.T) {
	h := newHarness(t, nil)
	h.store.baseline = true
	h.info("okayama", "mx5")

	ts := h.drive(t0, 0, 30, 90)
	h.drive(ts, 1, 30, 88)

	require.NotEmpty(t, h.arch.laps)
	assert.InDelta(t, 90, h.arch.laps[0].LapTime, 0.5)

	// The personal best was written through on the first valid lap.
	require.NotEmpty(t, h.store.lapSaves)
	assert.Equal(t, refs.TypePersonalBest, h.store.lapSaves[0].Type)

	status := h.p.SessionStatus()
	require.NotNil(t, status.Pace)
	assert.Greater(t, status.Pace.PersonalBest, 0.0)
}

func TestLapReportAnnouncesPersonalBest(t *testing.T) {
	h := newHarness(t, nil)
	h.store.baseline = true
	h.info("okayama", "mx5")

	ts := h.drive(t0, 0, 30, 90)
	ts = h.drive(ts, 1, 30, 92)
	h.drive(ts, 2, 30, 1) // closes lap 1

	var best, off bool
	for _, m := range drain(h.q) {
		if strings.Contains(m.Content, "personal best") {
			best = true
		}
		if strings.Contains(m.Content, "off your best") {
			off = true
		}
	}
	assert.True(t, best, "first completed lap should announce a personal best")
	assert.True(t, off, "slower lap should report the gap")
}

func TestPreBaselineCategoryGate(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Detectors = []detect.Detector{&alwaysDetector{situation: detect.SituationLateBraking}}
	})
	h.info("okayama", "mx5")

	// One lap in, the baseline is not established: braking advice stays
	// gated while the session and baseline messages flow.
	h.drive(t0, 0, 30, 90)

	assert.Greater(t, h.p.SessionStatus().Gated, uint64(0))
	for _, m := range drain(h.q) {
		assert.NotEqual(t, coach.CategoryBraking, m.Category)
	}
}

func TestDetectorMessagesFlowAfterBaseline(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Detectors = []detect.Detector{&alwaysDetector{situation: detect.SituationLateBraking}}
	})
	h.store.baseline = true
	h.info("okayama", "mx5")

	h.drive(t0, 0, 30, 90)

	var braking bool
	for _, m := range drain(h.q) {
		if m.Category == coach.CategoryBraking {
			braking = true
		}
	}
	assert.True(t, braking)
}

func TestRolloverOnPairChange(t *testing.T) {
	h := newHarness(t, nil)
	h.info("okayama", "mx5")

	ts := h.drive(t0, 0, 30, 90)
	ts = h.drive(ts, 1, 30, 90)
	require.True(t, h.sess.Active())
	firstID := h.sess.Snapshot().ID

	h.info("spa", "gt3")
	h.cb(telemetry.Sample{Timestamp: ts, SpeedMps: 40, Surface: telemetry.SurfaceOnTrack})

	require.Len(t, h.store.saved, 1)
	assert.Equal(t, "okayama", h.store.saved[0].Track)
	assert.NotNil(t, h.store.saved[0].EndTime)

	// The new pair started a fresh session on the same sample.
	require.True(t, h.sess.Active())
	assert.NotEqual(t, firstID, h.sess.Snapshot().ID)
	assert.Equal(t, "spa", h.sess.Snapshot().Track)
}

func TestRolloverAttachesMistakeSummary(t *testing.T) {
	var tracker *mistakes.Tracker
	h := newHarness(t, func(cfg *Config) {
		tracker = cfg.Mistakes
	})
	h.info("okayama", "mx5")
	ts := h.drive(t0, 0, 30, 90)

	tracker.Observe(&analysis.MicroAnalysis{
		CornerID:         "t3",
		CornerName:       "Turn 3",
		At:               ts,
		TotalTimeLoss:    0.3,
		BrakeTimingDelta: 0.10,
	})

	h.p.Shutdown(ts.Add(time.Minute))
	require.Len(t, h.store.saved, 1)

	sum := h.store.saved[0].MistakeSummary
	require.NotNil(t, sum, "closing session carries the mistake rankings")
	assert.Equal(t, 1, sum.TotalMistakes)
	require.NotEmpty(t, sum.MostCostly)
	assert.Equal(t, mistakes.TypeLateBraking, sum.MostCostly[0].Type)

	// The tracker starts the next session empty.
	assert.Equal(t, 0, tracker.Summarize(3).TotalMistakes)
}

func TestShutdownPersistsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.info("okayama", "mx5")
	ts := h.drive(t0, 0, 30, 90)
	h.drive(ts, 1, 30, 90)

	h.p.Shutdown(ts.Add(time.Minute))
	require.Len(t, h.store.saved, 1)
	assert.False(t, h.sess.Active())
}

func TestMalformedAndStaleSamplesRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.info("okayama", "mx5")

	h.cb(telemetry.Sample{Timestamp: t0, SpeedMps: 40})
	h.cb(telemetry.Sample{Timestamp: t0.Add(-time.Second), SpeedMps: 40})                 // stale
	h.cb(telemetry.Sample{Timestamp: t0.Add(time.Second), SpeedMps: 40, LapDistPct: 1.5}) // malformed

	st := h.p.SessionStatus()
	assert.Equal(t, uint64(1), st.Accepted)
	assert.Equal(t, uint64(1), st.Stale)
	assert.Equal(t, uint64(1), st.Malformed)
}

func TestMistakeSummaryWithoutTracker(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Mistakes = nil })
	assert.Nil(t, h.p.MistakeSummary(3))
}
