package telemetry

import (
	"sync"
	"time"
)

// DefaultWindowSeconds is how much history the ring retains.
const DefaultWindowSeconds = 30

// DefaultSampleRate is the nominal SDK sample rate in Hz.
const DefaultSampleRate = 60

// PushResult reports what the ring did with an offered sample.
type PushResult int

const (
	Accepted PushResult = iota
	RejectedStale
	RejectedMalformed
)

func (r PushResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedStale:
		return "rejected_stale"
	case RejectedMalformed:
		return "rejected_malformed"
	}
	return "unknown"
}

// Ring is a fixed-capacity sample buffer. It is single-writer (the ingest
// goroutine) and multi-reader: readers get copies via Snapshot and never
// observe partial writes.
type Ring struct {
	mu       sync.RWMutex
	buf      []Sample
	head     int // next write position
	count    int
	lastTS   time.Time
	accepted uint64
	stale    uint64
	mangled  uint64
}

// NewRing creates a ring sized for the given duration and sample rate.
// Zero or negative arguments fall back to the 30 s / 60 Hz defaults.
func NewRing(window time.Duration, rateHz int) *Ring {
	if window <= 0 {
		window = DefaultWindowSeconds * time.Second
	}
	if rateHz <= 0 {
		rateHz = DefaultSampleRate
	}
	capacity := int(window.Seconds() * float64(rateHz))
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Sample, capacity)}
}

// Push offers a sample to the ring. A sample older than the last accepted
// one is dropped as stale; an equal timestamp is accepted, since some sims
// repeat the stamp across a physics tick. Backward clock jumps keep the
// last accepted timestamp. Malformed samples (NaN/Inf in a required field)
// are dropped at the boundary.
func (r *Ring) Push(s Sample) PushResult {
	if !s.Valid() {
		r.mu.Lock()
		r.mangled++
		r.mu.Unlock()
		return RejectedMalformed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Timestamp.Before(r.lastTS) {
		r.stale++
		return RejectedStale
	}
	r.lastTS = s.Timestamp
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.accepted++
	return Accepted
}

// Snapshot returns a copy of the samples whose timestamps fall within the
// given window of the most recent accepted sample, ordered oldest first.
// Returns nil when the ring is empty or nothing falls in the window.
func (r *Ring) Snapshot(window time.Duration) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	cutoff := r.lastTS.Add(-window)
	out := make([]Sample, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		s := r.buf[(start+i)%len(r.buf)]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Last returns the most recently accepted sample, or false when empty.
func (r *Ring) Last() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return Sample{}, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx], true
}

// Counters returns cumulative accepted / stale / malformed counts.
func (r *Ring) Counters() (accepted, stale, malformed uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accepted, r.stale, r.mangled
}

// Len returns the number of samples currently buffered.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
