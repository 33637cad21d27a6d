package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apexline/apexline/internal/track"
)

// SegmentGenerator asks the model for a segment table when no stored
// metadata exists for a track. Implements track.Generator; the track
// store validates the output before trusting it, so this only has to
// produce plausible JSON.
type SegmentGenerator struct {
	cfg Config
	gen generator
}

// SegmentGenerator derives a track-metadata generator sharing the
// enricher's client and model settings. Returns nil when enrichment is
// unavailable.
func (e *Enricher) SegmentGenerator() *SegmentGenerator {
	if e == nil || !e.Enabled() {
		return nil
	}
	return &SegmentGenerator{cfg: e.cfg, gen: e.gen}
}

// newSegmentGenerator is the test seam.
func newSegmentGenerator(gen generator, cfg Config) *SegmentGenerator {
	return &SegmentGenerator{cfg: cfg.withDefaults(), gen: gen}
}

// GenerateSegments asks the model for the segment table of a track.
func (g *SegmentGenerator) GenerateSegments(ctx context.Context, trackName string) ([]track.Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.TextTimeout)
	defer cancel()

	text, err := g.gen.generate(ctx, g.cfg.Model, segmentPrompt(trackName))
	if err != nil {
		return nil, fmt.Errorf("generate segments for %q: %w", trackName, err)
	}
	segs, err := parseSegmentJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parse generated segments for %q: %w", trackName, err)
	}
	logf("generated %d segments for %q", len(segs), trackName)
	return segs, nil
}

func segmentPrompt(trackName string) string {
	var b strings.Builder
	b.WriteString("You are a motorsport track database.\n")
	fmt.Fprintf(&b, "List the segments of the racing circuit %q as a JSON array.\n", trackName)
	b.WriteString("Each element: {\"id\": string, \"name\": string, ")
	b.WriteString("\"type\": \"corner\"|\"straight\"|\"chicane\", ")
	b.WriteString("\"start_pct\": number, \"end_pct\": number, \"description\": string}.\n")
	b.WriteString("start_pct and end_pct are lap-distance fractions; segments must be sorted,\n")
	b.WriteString("non-overlapping, and cover 0.0 to 1.0 exactly. Use the real corner names.\n")
	b.WriteString("Reply with the JSON array only, no prose.")
	return b.String()
}

// parseSegmentJSON extracts the JSON array from a model reply, tolerating
// markdown fences and surrounding prose.
func parseSegmentJSON(text string) ([]track.Segment, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var segs []track.Segment
	if err := json.Unmarshal([]byte(text[start:end+1]), &segs); err != nil {
		return nil, err
	}
	return segs, nil
}
