package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/apexline/apexline/internal/telemetry"
)

// ReplaySource feeds a recorded JSONL capture through the pipeline, one
// wire frame per line. Pacing follows the recorded timestamps scaled by
// Speed; a Speed of zero replays as fast as the consumer drains.
type ReplaySource struct {
	path    string
	speed   float64
	samples chan telemetry.Sample
	info    chan telemetry.SessionInfo
}

// NewReplaySource replays the capture at path. speed is the time
// multiplier: 1 is real time, 2 is double speed, 0 is unpaced.
func NewReplaySource(path string, speed float64) *ReplaySource {
	return &ReplaySource{
		path:    path,
		speed:   speed,
		samples: make(chan telemetry.Sample, sampleBuffer),
		info:    make(chan telemetry.SessionInfo, 4),
	}
}

func (r *ReplaySource) Samples() <-chan telemetry.Sample   { return r.samples }
func (r *ReplaySource) Info() <-chan telemetry.SessionInfo { return r.info }

// Run replays the file and returns when it is exhausted or the context
// ends. Unlike the UDP source, replay blocks on a full sample channel
// rather than dropping; a capture should analyze deterministically.
func (r *ReplaySource) Run(ctx context.Context) error {
	defer close(r.samples)
	defer close(r.info)

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	var last time.Time
	lines, mangled := 0, 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		lines++

		s, si, err := decodeLine(raw)
		if err != nil {
			mangled++
			continue
		}
		if si != nil {
			select {
			case r.info <- *si:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if r.speed > 0 && !last.IsZero() && s.Timestamp.After(last) {
			wait := time.Duration(float64(s.Timestamp.Sub(last)) / r.speed)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}
		last = s.Timestamp

		select {
		case r.samples <- *s:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read capture: %w", err)
	}
	logf("replay finished: %d lines, %d mangled", lines, mangled)
	return nil
}

// decodeLine decodes one capture line into either a sample or a
// session-info update.
func decodeLine(raw []byte) (*telemetry.Sample, *telemetry.SessionInfo, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, nil, err
	}
	switch frame.Type {
	case "session_info":
		var si telemetry.SessionInfo
		if err := json.Unmarshal(frame.Data, &si); err != nil {
			return nil, nil, err
		}
		return nil, &si, nil
	default:
		var w wireTelemetry
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			return nil, nil, err
		}
		s := normalize(&w, time.Now())
		return &s, nil, nil
	}
}
