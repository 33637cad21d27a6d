// Command apexline runs the real-time coaching engine: telemetry in
// over UDP (or a replayed capture in dev mode), coaching out over
// WebSocket, references and session history persisted per (track, car).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apexline/apexline/internal/analysis"
	"github.com/apexline/apexline/internal/api"
	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/config"
	"github.com/apexline/apexline/internal/detect"
	"github.com/apexline/apexline/internal/llm"
	"github.com/apexline/apexline/internal/mistakes"
	"github.com/apexline/apexline/internal/pipeline"
	"github.com/apexline/apexline/internal/sdk"
	"github.com/apexline/apexline/internal/session"
	"github.com/apexline/apexline/internal/store"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/track"
	"github.com/apexline/apexline/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Replay a capture instead of listening for live telemetry")
	replayPath  = flag.String("replay", "capture.jsonl", "Capture file replayed in dev mode")
	replaySpeed = flag.Float64("replay-speed", 1, "Replay pacing multiplier; 0 replays unpaced")
	listen      = flag.String("listen", ":8080", "Listen address for the UI API")
	udpAddr     = flag.String("telemetry", ":9000", "UDP address the sim bridge sends frames to")
	configPath  = flag.String("config", "", "Tuning config JSON (optional, partial configs allowed)")
	dataDir     = flag.String("data-dir", "", "Override the persistence directory")
	speedUnits  = flag.String("units", "mph", "Display speed units: mph, kph, mps")
	migrations  = flag.String("migrations", "", "Apply sqlite migrations from this directory at startup")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	os.Exit(run())
}

// run keeps main exec-friendly: 0 clean exit, 1 runtime failure,
// 2 bad config or dead telemetry source, 130 on interrupt.
func run() int {
	flag.Parse()
	configureDebugLogs()

	if *showVersion {
		fmt.Printf("apexline %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return 0
	}
	if *listen == "" {
		log.Print("listen address is required")
		return 2
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Printf("failed to load config: %v", err)
			return 2
		}
	}

	dir := cfg.GetDataDir()
	if *dataDir != "" {
		dir = *dataDir
	}
	files, err := store.Open(dir, nil)
	if err != nil {
		log.Printf("failed to open data dir %s: %v", dir, err)
		return 1
	}
	archive, err := store.NewDB(filepath.Join(dir, "archive.db"))
	if err != nil {
		log.Printf("failed to open archive: %v", err)
		return 1
	}
	defer archive.Close()
	if *migrations != "" {
		if err := archive.MigrateUp(*migrations); err != nil {
			log.Printf("failed to apply migrations: %v", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var interrupted atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		interrupted.Store(true)
	}()

	var enricher *llm.Enricher
	if cfg.GetLLMEnabled() {
		enricher, err = llm.New(ctx, os.Getenv("GEMINI_API_KEY"), llm.Config{
			Model:         cfg.GetLLMModel(),
			TextTimeout:   cfg.GetLLMTextTimeout(),
			AudioTimeout:  cfg.GetLLMAudioTimeout(),
			RatePerMinute: cfg.GetLLMRatePerMinute(),
		})
		if err != nil {
			// Coaching works without the LLM; run on local phrasing.
			log.Printf("llm enrichment unavailable: %v", err)
			enricher = nil
		}
	}

	// Unknown tracks get a generated segment table when the LLM is up.
	var segGen track.Generator
	if sg := enricher.SegmentGenerator(); sg != nil {
		segGen = sg
	}
	segments := track.NewStore(filepath.Join(dir, "tracks"), archive.DB, segGen)
	if err := segments.EnsureSchema(); err != nil {
		log.Printf("failed to ensure track schema: %v", err)
		return 1
	}

	ring := telemetry.NewRing(cfg.GetRingWindow(), cfg.GetSampleRateHz())
	sess := session.NewManager(session.Config{
		BaselineLaps:         cfg.GetBaselineLaps(),
		ConsistencyThreshold: cfg.GetConsistencyThreshold(),
	})
	queue := coach.NewQueue(coach.QueueConfig{
		CategoryCooldown: categoryCooldowns(cfg),
		Fallback:         cfg.GetFallbackCooldown(),
		GlobalPerMinute:  cfg.GetGlobalRatePerMinute(),
		Similarity:       cfg.GetSimilarityThreshold(),
		CombineWindow:    cfg.GetCombineWindow(),
	})

	tracker := mistakes.NewTracker()
	tracker.SetMinTimeLoss(cfg.GetMicroMinTimeLoss())

	pipe, err := pipeline.New(pipeline.Config{
		Ring:    ring,
		Session: sess,
		Queue:   queue,
		Decider: coach.NewDecider(),
		Detectors: []detect.Detector{
			detect.NewHandlingDetector(cfg.GetYawCalibration(), cfg.GetOversteerRatio(),
				cfg.GetUndersteerRatio(), cfg.GetHandlingCooldown()),
			detect.NewBrakingDetector(cfg.GetMinBrakePeak()),
			detect.NewOffTrackDetector(),
			detect.NewWeightDetector(),
		},
		Shift:       detect.NewShiftDetector(detect.DefaultShiftBands(), cfg.GetShiftBandTolerance()),
		Consistency: detect.NewConsistencyDetector(cfg.GetConsistencyThreshold()),
		Mistakes:    tracker,
		Segments:    segments,
		Storage:     files,
		Archive:     archive,
		Enricher:    enricher,
		Analysis: analysis.Config{
			EntrySteer: cfg.GetCornerEntrySteer(),
			ExitSteer:  cfg.GetCornerExitSteer(),
			TimeScale:  cfg.GetMicroTimeScale(),
		},
		SectorBoundaries: cfg.GetSectorBoundaries(),
		MinLapTime:       time.Duration(cfg.GetMinLapSeconds() * float64(time.Second)),
	})
	if err != nil {
		log.Printf("failed to build pipeline: %v", err)
		return 1
	}

	var src sdk.Source
	if *devMode {
		src = sdk.NewReplaySource(*replayPath, *replaySpeed)
		log.Printf("dev mode: replaying %s at %gx", *replayPath, *replaySpeed)
	} else {
		src = sdk.NewUDPSource(*udpAddr)
	}

	cast := coach.NewBroadcaster(queue)
	server := api.NewServer(pipe, ring, sess, cast, files, archive, *speedUnits)

	var wg sync.WaitGroup
	var srcErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		if srcErr = src.Run(ctx); srcErr != nil {
			log.Printf("telemetry source failed: %v", srcErr)
		}
		// A finished replay or dead source ends the process.
		stop()
		log.Print("source routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx, src.Samples(), src.Info()); err != nil {
			log.Printf("pipeline failed: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cast.Run(ctx)
		log.Print("delivery routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipe.RunArchive(ctx, cast)
		log.Print("archive routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(server.ServeMux()),
		}

		go func() {
			log.Printf("apexline %s listening on %s", version.Version, *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Print("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Print("graceful shutdown complete")
	if interrupted.Load() {
		return 130
	}
	if srcErr != nil {
		return 2
	}
	return 0
}

// configureDebugLogs enables the diag and trace streams of the hot-path
// packages from APEXLINE_LOG_LEVEL (diag or trace); ops always logs.
func configureDebugLogs() {
	var diag, trace io.Writer
	switch os.Getenv("APEXLINE_LOG_LEVEL") {
	case "trace":
		diag, trace = os.Stderr, os.Stderr
	case "diag":
		diag = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diag, trace)
	detect.SetLogWriters(os.Stderr, diag, trace)
}

// categoryCooldowns materializes the per-category delivery cooldowns
// for every category the queue knows about.
func categoryCooldowns(cfg *config.TuningConfig) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, category := range []string{
		coach.CategoryBraking,
		coach.CategoryCornering,
		coach.CategoryThrottle,
		coach.CategoryRacingLine,
		coach.CategoryPitStrategy,
		coach.CategoryTireManagement,
		coach.CategorySafety,
	} {
		out[category] = cfg.GetCategoryCooldown(category)
	}
	return out
}
