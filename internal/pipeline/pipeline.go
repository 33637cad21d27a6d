// Package pipeline wires the sample stream through lap detection, the
// pattern detectors, reference comparison and the coaching queue. It
// owns the session lifecycle: sessions start once track and car are
// known and the car is moving, and roll over when the pair changes.
//
// The analysis path is single-threaded. Run drains the SDK channels on
// one goroutine and feeds every sample through the callback; only the
// optional LLM worker runs concurrently, and it talks to the rest of
// the system exclusively through the thread-safe queue.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/apexline/apexline/internal/analysis"
	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/detect"
	"github.com/apexline/apexline/internal/laps"
	"github.com/apexline/apexline/internal/llm"
	"github.com/apexline/apexline/internal/mistakes"
	"github.com/apexline/apexline/internal/monitoring"
	"github.com/apexline/apexline/internal/refs"
	"github.com/apexline/apexline/internal/session"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
)

var logf = monitoring.Prefixed("[pipeline]")

// Storage is the durable per-(track, car) store. Implemented by
// store.FileStore; declared here so the pipeline does not depend on the
// storage package directly.
type Storage interface {
	HasBaseline(trackName, car string) bool
	LoadReferenceLap(trackName, car string, t refs.LapType) (*refs.ReferenceLap, error)
	LoadCornerReferences(trackName, car string) ([]*refs.CornerReference, error)
	SaveSession(st *session.State) error
	refs.Persister
}

// Archive records completed laps and delivered messages for later
// review. Implemented by store.DB.
type Archive interface {
	RecordLap(sessionID string, rec laps.LapRecord) error
	RecordMessage(sessionID string, msg *coach.Message) error
}

// SegmentSource resolves track segments by name. Implemented by
// track.Store; a nil source leaves the locator on its whole-track
// fallback.
type SegmentSource interface {
	Segments(ctx context.Context, trackName string) []track.Segment
}

// Corner-reference seeding and the shift detector's on-pace gate both
// key off recent laps landing within these fractions of the best.
const (
	onPaceWindowPct  = 0.02
	seedingWindowPct = 0.05
)

// newBestEpsilon is how close to the (just updated) personal best a lap
// must land to be announced as one.
const newBestEpsilon = 0.001

// summaryTopN bounds the pattern rankings attached to a closing session.
const summaryTopN = 3

// Config holds the dependencies of the sample callback. Required fields
// are Ring, Session, Queue and Decider; everything else degrades
// gracefully when nil.
type Config struct {
	Ring    *telemetry.Ring
	Session *session.Manager
	Queue   *coach.Queue
	Decider *coach.Decider

	// Detectors run on every accepted sample against the buffer
	// snapshot. The shift detector is listed separately because the
	// pipeline feeds its on-pace gate after each lap; it is appended to
	// the detector set automatically.
	Detectors   []detect.Detector
	Shift       *detect.ShiftDetector
	Consistency *detect.ConsistencyDetector
	Mistakes    *mistakes.Tracker

	Segments SegmentSource // optional
	Storage  Storage       // optional, nil disables persistence
	Archive  Archive       // optional, nil disables the archive
	Enricher *llm.Enricher // optional, nil disables LLM enrichment

	Analysis analysis.Config

	// SnapshotWindow is how much history the detectors see per sample.
	// Default 5 s.
	SnapshotWindow time.Duration

	// SectorBoundaries are the lap fractions handed to the lap detector.
	// Default thirds.
	SectorBoundaries []float64

	// MinLapTime debounces the lap-wrap heuristic. Default 20 s.
	MinLapTime time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SnapshotWindow <= 0 {
		out.SnapshotWindow = 5 * time.Second
	}
	if len(out.SectorBoundaries) < 2 {
		out.SectorBoundaries = []float64{0, 1.0 / 3, 2.0 / 3, 1}
	}
	if out.MinLapTime <= 0 {
		out.MinLapTime = 20 * time.Second
	}
	return out
}

type llmRequest struct {
	msg     *coach.Message
	payload *llm.ContextPayload
}

// Pipeline owns the per-session analysis state. All fields below cfg
// are touched only by the analysis goroutine, except info which the
// SDK adapter updates through OnSessionInfo.
type Pipeline struct {
	cfg Config
	ctx context.Context

	infoMu sync.Mutex
	info   telemetry.SessionInfo

	detectors []detect.Detector
	llmCh     chan llmRequest

	// Per-(track, car) state, rebuilt on session start.
	lapDet   *laps.Detector
	refsMgr  *refs.Manager
	analyzer *analysis.Analyzer
	locator  *track.Locator
	lapBuf   []telemetry.Sample
	lastLap  float64
	history  []llm.HistoryEntry

	gated uint64 // messages dropped by the pre-baseline category gate
}

// maxLapSamples bounds the per-lap telemetry buffer (10 min at 60 Hz).
const maxLapSamples = 10 * 60 * telemetry.DefaultSampleRate

// New validates the config and builds a pipeline. The context governs
// segment fetches and LLM calls and is replaced by Run's context once
// the pipeline is running.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Ring == nil || cfg.Session == nil || cfg.Queue == nil || cfg.Decider == nil {
		return nil, fmt.Errorf("pipeline: ring, session, queue and decider are required")
	}
	c := cfg.withDefaults()
	p := &Pipeline{
		cfg:       c,
		ctx:       context.Background(),
		detectors: append([]detect.Detector(nil), c.Detectors...),
		llmCh:     make(chan llmRequest, 8),
	}
	if c.Shift != nil {
		p.detectors = append(p.detectors, c.Shift)
	}
	return p, nil
}

// OnSessionInfo records updated sim metadata. Safe to call from the
// SDK adapter's goroutine.
func (p *Pipeline) OnSessionInfo(info telemetry.SessionInfo) {
	p.infoMu.Lock()
	changed := info != p.info
	p.info = info
	p.infoMu.Unlock()
	if changed && info.Complete() {
		logf("session info: track=%q car=%q type=%q", info.FullTrackName(), info.CarName, info.SessionType)
	}
}

func (p *Pipeline) currentInfo() telemetry.SessionInfo {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	return p.info
}

// NewSampleCallback returns the per-sample entry point. The callback is
// not safe for concurrent use; exactly one goroutine may drive it.
func (p *Pipeline) NewSampleCallback() func(telemetry.Sample) {
	return p.onSample
}

func (p *Pipeline) onSample(s telemetry.Sample) {
	if res := p.cfg.Ring.Push(s); res != telemetry.Accepted {
		tracef("sample %s: %s", s.Timestamp.Format(time.RFC3339Nano), res)
		return
	}

	info := p.currentInfo()
	trackName, car := info.FullTrackName(), info.CarName

	sess := p.cfg.Session
	if sess.Active() && sess.ChangedPair(trackName, car) {
		p.rollover(s.Timestamp)
	}
	if !sess.Active() {
		hasBaseline := p.cfg.Storage != nil && p.cfg.Storage.HasBaseline(trackName, car)
		msg := sess.MaybeStart(trackName, car, s.SpeedMps, s.Timestamp, hasBaseline)
		if msg == nil {
			return
		}
		p.startPair(trackName, car)
		p.enqueue(msg)
	}

	if len(p.lapBuf) < maxLapSamples {
		p.lapBuf = append(p.lapBuf, s)
	}

	for _, ev := range p.lapDet.Observe(s) {
		if ev.Sector != nil {
			diagf("sector %d done in %.3fs (min %.1f m/s)", ev.Sector.Index+1, ev.Sector.Time, ev.Sector.MinSpeed)
		}
		if ev.Lap != nil {
			p.onLap(*ev.Lap)
		}
	}

	if m := p.analyzer.Observe(s); m != nil {
		p.onMicro(m, &s)
	}

	snap := p.cfg.Ring.Snapshot(p.cfg.SnapshotWindow)
	seg := p.locator.Current(s.LapDistPct)
	for _, d := range p.detectors {
		for _, in := range d.Analyze(snap, seg) {
			p.onInsight(in)
		}
	}
}

// startPair builds the per-(track, car) analysis state once the session
// manager has committed to a pair.
func (p *Pipeline) startPair(trackName, car string) {
	var segs []track.Segment
	if p.cfg.Segments != nil {
		segs = p.cfg.Segments.Segments(p.ctx, trackName)
	}
	p.locator = track.NewLocator(trackName, segs)

	p.lapDet = laps.NewDetector(trackName, car, p.cfg.SectorBoundaries, p.cfg.MinLapTime)

	var persist refs.Persister
	if p.cfg.Storage != nil {
		persist = p.cfg.Storage
	}
	p.refsMgr = refs.NewManager(trackName, car, p.locator, persist)
	if p.cfg.Storage != nil {
		pb, err := p.cfg.Storage.LoadReferenceLap(trackName, car, refs.TypePersonalBest)
		if err != nil {
			logf("load personal best for %s/%s: %v", trackName, car, err)
		}
		corners, err := p.cfg.Storage.LoadCornerReferences(trackName, car)
		if err != nil {
			logf("load corner references for %s/%s: %v", trackName, car, err)
		}
		p.refsMgr.Restore(pb, corners)
	}

	// Corner references seed from corners driven while the driver is
	// close to their own pace, so a single slow exploratory lap does
	// not become the benchmark.
	refsMgr := p.refsMgr
	p.analyzer = analysis.NewAnalyzer(p.cfg.Analysis, refsMgr, p.locator, func() bool {
		return p.lastLap > 0 && refsMgr.WithinOfBest(p.lastLap, seedingWindowPct)
	})

	p.lapBuf = p.lapBuf[:0]
	p.lastLap = 0
	p.history = nil

	if p.cfg.Consistency != nil {
		p.cfg.Consistency.SetThreshold(p.cfg.Session.ConsistencyThreshold())
	}
	if p.cfg.Shift != nil {
		p.cfg.Shift.RestoreBands(detect.DefaultShiftBands())
		p.cfg.Shift.SetOnPace(false)
	}
	opsf("analysis state ready for %s / %s (%d segments)", trackName, car, len(segs))
}

// rollover closes the running session, persists it and resets every
// per-session component so the next sample can start fresh.
func (p *Pipeline) rollover(now time.Time) {
	st := p.cfg.Session.Close(now)
	if st == nil {
		return
	}
	logf("session %s closed: %d laps, best %.3fs", st.ID, len(st.Laps), st.BestLapTime)
	if p.cfg.Mistakes != nil {
		// The mistake rankings belong to the closing session; capture
		// them before the tracker resets.
		sum := p.cfg.Mistakes.Summarize(summaryTopN)
		st.MistakeSummary = &sum
	}
	if p.cfg.Storage != nil {
		if err := p.cfg.Storage.SaveSession(st); err != nil {
			logf("persist session %s: %v", st.ID, err)
		}
	}
	if p.cfg.Mistakes != nil {
		p.cfg.Mistakes.Reset()
	}
	p.cfg.Queue.Reset()
	if p.analyzer != nil {
		p.analyzer.Reset()
	}
	p.lapDet = nil
	p.refsMgr = nil
	p.analyzer = nil
	p.locator = nil
	p.lapBuf = p.lapBuf[:0]
	p.history = nil
}

// Shutdown closes and persists the running session, if any. Called on
// process exit.
func (p *Pipeline) Shutdown(now time.Time) {
	p.rollover(now)
}

func (p *Pipeline) onLap(rec laps.LapRecord) {
	p.refsMgr.OnLap(rec, p.lapBuf)
	p.lapBuf = p.lapBuf[:0]
	if rec.Valid {
		p.lastLap = rec.LapTime
	}

	sess := p.cfg.Session
	if msg := sess.OnLap(rec); msg != nil {
		p.enqueue(msg)
	}
	if p.cfg.Consistency != nil {
		// The threshold adapts as the session manager refits it.
		p.cfg.Consistency.SetThreshold(sess.ConsistencyThreshold())
		for _, in := range p.cfg.Consistency.OnLap(rec) {
			p.onInsight(in)
		}
	}
	if p.cfg.Shift != nil && rec.Valid {
		p.cfg.Shift.SetOnPace(p.refsMgr.WithinOfBest(rec.LapTime, onPaceWindowPct))
		sess.SetShiftBands(p.cfg.Shift.Bands())
	}
	if p.cfg.Archive != nil {
		if st := sess.Snapshot(); st != nil {
			if err := p.cfg.Archive.RecordLap(st.ID, rec); err != nil {
				logf("archive lap %d: %v", rec.Lap, err)
			}
		}
	}
	if rec.Valid && sess.BaselineEstablished() {
		p.lapReport(rec)
	}
}

// lapReport announces each valid lap against the personal best. The
// reference manager has already ingested the lap, so a new best shows
// up as a zero gap.
func (p *Pipeline) lapReport(rec laps.LapRecord) {
	gap := p.refsMgr.GapToBest(rec.LapTime)
	if math.IsNaN(gap) {
		return
	}
	var msg *coach.Message
	if gap <= newBestEpsilon {
		msg = coach.NewMessage(
			fmt.Sprintf("New personal best: %.3fs", rec.LapTime),
			coach.CategoryPositive, coach.PriorityMedium, coach.SourceLocal, 1.0, rec.CompletedAt)
	} else {
		msg = coach.NewMessage(
			fmt.Sprintf("Lap %d: %.3fs, %.2fs off your best", rec.Lap, rec.LapTime, gap),
			coach.CategoryConsistency, coach.PriorityLow, coach.SourceLocal, 1.0, rec.CompletedAt)
	}
	p.enqueue(msg)
}

func (p *Pipeline) onMicro(m *analysis.MicroAnalysis, s *telemetry.Sample) {
	p.cfg.Session.RecordAnalysis(m)
	if p.cfg.Mistakes != nil {
		if ev := p.cfg.Mistakes.Observe(m); ev != nil {
			p.history = llm.TrimHistory(append(p.history, llm.HistoryEntry{
				Lap:      s.Lap,
				Turn:     m.CornerName,
				Event:    ev.Type,
				Severity: m.Priority,
			}))
		}
	}
	msg := p.cfg.Decider.FromMicro(m)
	if msg == nil {
		return
	}
	p.route(msg, math.Min(1, m.TotalTimeLoss))
}

func (p *Pipeline) onInsight(in detect.Insight) {
	msg := p.cfg.Decider.FromInsight(in)
	if msg == nil {
		return
	}
	p.route(msg, in.Importance)
}

// route gates a message on the session state, optionally detours it
// through the LLM worker, and otherwise enqueues it directly.
func (p *Pipeline) route(msg *coach.Message, importance float64) {
	if !p.cfg.Session.AllowCategory(msg.Category) {
		p.gated++
		tracef("gated %s message pre-baseline: %q", msg.Category, msg.Content)
		return
	}
	if p.cfg.Enricher != nil && p.cfg.Enricher.Enabled() && p.cfg.Decider.ShouldAskLLM(msg, importance) {
		select {
		case p.llmCh <- llmRequest{msg: msg, payload: p.buildContext(msg)}:
			return
		default:
			// Worker saturated; the local phrasing goes out instead.
			diagf("llm worker busy, delivering local phrasing for %s", msg.ID)
		}
	}
	p.enqueue(msg)
}

func (p *Pipeline) enqueue(msg *coach.Message) {
	if !p.cfg.Queue.Enqueue(msg) {
		tracef("queue filtered %s message %q", msg.Category, msg.Content)
	}
}

// severity collapses the four priorities into the payload's three levels.
func severity(priority string) string {
	switch priority {
	case coach.PriorityCritical, coach.PriorityHigh:
		return "high"
	case coach.PriorityMedium:
		return "medium"
	}
	return "low"
}

// buildContext assembles the structured payload handed to the model
// alongside a draft message.
func (p *Pipeline) buildContext(msg *coach.Message) *llm.ContextPayload {
	snap := p.cfg.Ring.Snapshot(p.cfg.SnapshotWindow)
	inputs, car, tires := llm.BuildInputs(snap)

	payload := &llm.ContextPayload{
		DriverInputs: inputs,
		CarState:     car,
		TireState:    tires,
		History:      append([]llm.HistoryEntry(nil), p.history...),
	}
	payload.Event.Type = msg.Category
	payload.Event.Severity = severity(msg.Priority)
	payload.Event.Time = msg.Timestamp.UTC().Format(time.RFC3339)
	payload.Event.Location.Turn = msg.Context

	if st := p.cfg.Session.Snapshot(); st != nil {
		payload.Event.Location.Track = st.Track
		payload.Session.Type = p.currentInfo().SessionType
		payload.Session.BestLapTime = st.BestLapTime
		payload.Session.LapNumber = len(st.Laps)
	}
	if last, ok := p.cfg.Ring.Last(); ok {
		payload.Session.FuelRemainingL = last.FuelLevelL
	}
	if p.refsMgr != nil {
		pace := p.refsMgr.Pace()
		if pace.PersonalBest > 0 && pace.RecentMean > 0 {
			payload.Reference.SectorDeltaS = pace.RecentMean - pace.PersonalBest
		}
	}
	return payload
}

// Run drives the pipeline until the context ends: samples and session
// info drain from the SDK adapter's channels, and the LLM worker runs
// beside the loop when an enricher is configured. The running session
// is closed and persisted on the way out.
func (p *Pipeline) Run(ctx context.Context, samples <-chan telemetry.Sample, info <-chan telemetry.SessionInfo) error {
	p.ctx = ctx
	if p.cfg.Enricher != nil {
		go p.runLLM(ctx)
	}
	cb := p.NewSampleCallback()
	for {
		select {
		case <-ctx.Done():
			p.Shutdown(time.Now())
			return nil
		case s, ok := <-samples:
			if !ok {
				p.Shutdown(time.Now())
				return nil
			}
			cb(s)
		case i, ok := <-info:
			if !ok {
				info = nil
				continue
			}
			p.OnSessionInfo(i)
		}
	}
}

func (p *Pipeline) runLLM(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.llmCh:
			p.enqueue(p.cfg.Enricher.Enrich(ctx, req.msg, req.payload))
		}
	}
}

// RunArchive subscribes to delivered messages and writes them to the
// archive. No-op when no archive is configured.
func (p *Pipeline) RunArchive(ctx context.Context, b *coach.Broadcaster) {
	if p.cfg.Archive == nil {
		return
	}
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sessionID := ""
			if st := p.cfg.Session.Snapshot(); st != nil {
				sessionID = st.ID
			}
			if err := p.cfg.Archive.RecordMessage(sessionID, msg); err != nil {
				logf("archive message %s: %v", msg.ID, err)
			}
		}
	}
}

// Status is the aggregate view served by the status endpoint.
type Status struct {
	Session    *session.State    `json:"session,omitempty"`
	Pace       *refs.PaceSummary `json:"pace,omitempty"`
	Queue      coach.Stats       `json:"queue"`
	LLM        *llm.Stats        `json:"llm,omitempty"`
	Accepted   uint64            `json:"samples_accepted"`
	Stale      uint64            `json:"samples_stale"`
	Malformed  uint64            `json:"samples_malformed"`
	Gated      uint64            `json:"messages_gated"`
	QueueDepth int               `json:"queue_depth"`
}

// SessionStatus snapshots the pipeline for reporting. Counters read
// here race harmlessly against the analysis goroutine.
func (p *Pipeline) SessionStatus() Status {
	st := Status{
		Session:    p.cfg.Session.Snapshot(),
		Queue:      p.cfg.Queue.Stats(),
		QueueDepth: p.cfg.Queue.Len(),
		Gated:      p.gated,
	}
	st.Accepted, st.Stale, st.Malformed = p.cfg.Ring.Counters()
	if p.refsMgr != nil {
		pace := p.refsMgr.Pace()
		st.Pace = &pace
	}
	if p.cfg.Enricher != nil {
		stats := p.cfg.Enricher.Stats()
		st.LLM = &stats
	}
	return st
}

// MistakeSummary surfaces the tracker's session summary, nil when no
// tracker is configured.
func (p *Pipeline) MistakeSummary(topN int) *mistakes.Summary {
	if p.cfg.Mistakes == nil {
		return nil
	}
	sum := p.cfg.Mistakes.Summarize(topN)
	return &sum
}
