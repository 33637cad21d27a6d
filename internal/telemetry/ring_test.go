package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAt(t0 time.Time, offset time.Duration) Sample {
	return Sample{
		Timestamp: t0.Add(offset),
		SpeedMps:  30,
		Surface:   SurfaceOnTrack,
	}
}

func TestRingPushMonotonic(t *testing.T) {
	r := NewRing(time.Second, 60)
	t0 := time.Now()

	assert.Equal(t, Accepted, r.Push(sampleAt(t0, 0)))
	assert.Equal(t, Accepted, r.Push(sampleAt(t0, 16*time.Millisecond)))

	// A repeated timestamp is accepted; only going backwards is stale.
	assert.Equal(t, Accepted, r.Push(sampleAt(t0, 16*time.Millisecond)))
	assert.Equal(t, RejectedStale, r.Push(sampleAt(t0, -time.Second)))

	// The ring keeps the last accepted timestamp after a clock jump back.
	assert.Equal(t, Accepted, r.Push(sampleAt(t0, 32*time.Millisecond)))

	accepted, stale, malformed := r.Counters()
	assert.Equal(t, uint64(4), accepted)
	assert.Equal(t, uint64(1), stale)
	assert.Equal(t, uint64(0), malformed)
}

func TestRingPushMalformed(t *testing.T) {
	r := NewRing(time.Second, 60)
	s := sampleAt(time.Now(), 0)
	s.SpeedMps = math.NaN()
	assert.Equal(t, RejectedMalformed, r.Push(s))

	s = sampleAt(time.Now(), time.Millisecond)
	s.LapDistPct = 1.5
	assert.Equal(t, RejectedMalformed, r.Push(s))

	assert.Equal(t, 0, r.Len())
}

func TestRingWrap(t *testing.T) {
	r := NewRing(100*time.Millisecond, 60) // capacity 6
	t0 := time.Now()
	for i := 0; i < 20; i++ {
		require.Equal(t, Accepted, r.Push(sampleAt(t0, time.Duration(i)*10*time.Millisecond)))
	}
	assert.Equal(t, 6, r.Len())

	snap := r.Snapshot(time.Second)
	require.Len(t, snap, 6)
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i].Timestamp.After(snap[i-1].Timestamp), "snapshot must be ordered")
	}
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, snap[len(snap)-1].Timestamp, last.Timestamp)
}

func TestSnapshotWindow(t *testing.T) {
	r := NewRing(30*time.Second, 60)
	t0 := time.Now()
	for i := 0; i < 100; i++ {
		r.Push(sampleAt(t0, time.Duration(i)*100*time.Millisecond))
	}
	// 2 s window relative to the newest sample at t0+9.9s.
	snap := r.Snapshot(2 * time.Second)
	require.NotEmpty(t, snap)
	for _, s := range snap {
		assert.True(t, s.Timestamp.After(t0.Add(7800*time.Millisecond)))
	}
	assert.Len(t, snap, 21)
}

func TestSnapshotEmpty(t *testing.T) {
	r := NewRing(time.Second, 60)
	assert.Nil(t, r.Snapshot(time.Second))
	_, ok := r.Last()
	assert.False(t, ok)
}

func TestSlipAngle(t *testing.T) {
	s := Sample{VelXMps: 30, VelYMps: 3}
	assert.InDelta(t, math.Atan2(3, 30), s.SlipAngleRad(), 1e-9)

	slow := Sample{VelXMps: 0.5, VelYMps: 3}
	assert.Zero(t, slow.SlipAngleRad())
}
