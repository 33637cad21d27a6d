// Package track models track metadata: the segment table that divides a
// lap into corners, straights, and chicanes, and the layered store that
// resolves segments for a track name.
package track

import (
	"fmt"
	"sort"
	"strings"
)

// Segment kinds. Generator output is validated against this closed set.
const (
	KindCorner   = "corner"
	KindStraight = "straight"
	KindChicane  = "chicane"
)

// Segment is one contiguous span of the lap, addressed by lap-distance
// fraction. Spans within one track are disjoint, sorted, and cover [0,1].
type Segment struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Kind        string  `json:"type"`
	StartPct    float64 `json:"start_pct"`
	EndPct      float64 `json:"end_pct"`
	Description string  `json:"description"`
}

// Contains reports whether the fraction falls inside this segment.
// The end boundary is exclusive except for the final segment, which
// Locator handles by clamping.
func (s *Segment) Contains(frac float64) bool {
	return frac >= s.StartPct && frac < s.EndPct
}

// WholeTrack is the fallback segment used when no metadata is available.
// Detectors still run against it; only per-corner analysis degrades.
func WholeTrack(trackName string) Segment {
	return Segment{
		ID:          "track",
		Name:        trackName,
		Kind:        KindStraight,
		StartPct:    0,
		EndPct:      1,
		Description: "whole track (no segment metadata)",
	}
}

// ValidateSegments checks a candidate segment table: known kinds, present
// names and descriptions, and spans that cover [0,1] without gaps or
// overlap once sorted. Used on generator output before it is trusted.
func ValidateSegments(segs []Segment) error {
	if len(segs) == 0 {
		return fmt.Errorf("no segments")
	}
	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartPct < sorted[j].StartPct })

	for i, s := range sorted {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("segment %d: missing name", i)
		}
		if strings.TrimSpace(s.Description) == "" {
			return fmt.Errorf("segment %q: missing description", s.Name)
		}
		switch s.Kind {
		case KindCorner, KindStraight, KindChicane:
		default:
			return fmt.Errorf("segment %q: unknown type %q", s.Name, s.Kind)
		}
		if s.EndPct <= s.StartPct {
			return fmt.Errorf("segment %q: empty span [%.3f,%.3f)", s.Name, s.StartPct, s.EndPct)
		}
	}
	const eps = 1e-6
	if sorted[0].StartPct > eps {
		return fmt.Errorf("segments do not start at 0 (first starts at %.3f)", sorted[0].StartPct)
	}
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].StartPct - sorted[i-1].EndPct
		if gap > eps || gap < -eps {
			return fmt.Errorf("segments %q and %q do not abut (gap %.4f)", sorted[i-1].Name, sorted[i].Name, gap)
		}
	}
	if last := sorted[len(sorted)-1].EndPct; last < 1-eps || last > 1+eps {
		return fmt.Errorf("segments do not end at 1 (last ends at %.3f)", last)
	}
	return nil
}

// Locator answers "which segment is this lap-distance fraction in". It
// caches the last hit: at 60 Hz the car stays in one segment for hundreds
// of consecutive samples.
type Locator struct {
	segments []Segment // sorted by StartPct
	fallback Segment
	cached   int // index into segments, -1 when cold
}

// NewLocator builds a locator over a validated segment table. A nil or
// empty table degrades to the whole-track fallback.
func NewLocator(trackName string, segs []Segment) *Locator {
	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartPct < sorted[j].StartPct })
	return &Locator{
		segments: sorted,
		fallback: WholeTrack(trackName),
		cached:   -1,
	}
}

// Current returns the segment enclosing the fraction. Pure lookup aside
// from the cache index; fractions outside [0,1] are clamped.
func (l *Locator) Current(frac float64) Segment {
	if len(l.segments) == 0 {
		return l.fallback
	}
	if frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		frac = 1 - 1e-9
	}
	if l.cached >= 0 && l.segments[l.cached].Contains(frac) {
		return l.segments[l.cached]
	}
	for i := range l.segments {
		if l.segments[i].Contains(frac) {
			l.cached = i
			return l.segments[i]
		}
	}
	// A validated table covers [0,1], so this is only reachable with an
	// unvalidated table; fall back rather than guess.
	return l.fallback
}

// Corners returns only the corner and chicane segments, in track order.
func (l *Locator) Corners() []Segment {
	var out []Segment
	for _, s := range l.segments {
		if s.Kind == KindCorner || s.Kind == KindChicane {
			out = append(out, s)
		}
	}
	return out
}
