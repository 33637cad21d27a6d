package sdk

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/apexline/apexline/internal/telemetry"
)

// UDPSource receives JSON frames from the sim bridge, one datagram per
// frame. The bridge pushes at the SDK rate; there is no handshake and
// no retransmission, a lost datagram is simply a missed sample.
type UDPSource struct {
	addr    string
	samples chan telemetry.Sample
	info    chan telemetry.SessionInfo

	frames  int64
	bytes   int64
	dropped int64
	mangled int64
}

// NewUDPSource listens on addr, e.g. ":9000".
func NewUDPSource(addr string) *UDPSource {
	return &UDPSource{
		addr:    addr,
		samples: make(chan telemetry.Sample, sampleBuffer),
		info:    make(chan telemetry.SessionInfo, 4),
	}
}

func (u *UDPSource) Samples() <-chan telemetry.Sample   { return u.samples }
func (u *UDPSource) Info() <-chan telemetry.SessionInfo { return u.info }

// Run listens until the context ends. The receive loop uses short read
// deadlines so cancellation is observed within a second.
func (u *UDPSource) Run(ctx context.Context) error {
	defer close(u.samples)
	defer close(u.info)

	addr, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", u.addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", u.addr, err)
	}
	defer conn.Close()
	logf("udp source listening on %s", conn.LocalAddr())

	// Rate logging, once per second while frames arrive.
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frames := atomic.SwapInt64(&u.frames, 0)
				bytes := atomic.SwapInt64(&u.bytes, 0)
				if frames > 0 {
					logf("udp: %d frames/sec, %.1f KB/sec, %d dropped, %d mangled",
						frames, float64(bytes)/1024,
						atomic.LoadInt64(&u.dropped), atomic.LoadInt64(&u.mangled))
				}
			}
		}
	}()

	buffer := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return err
		}
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logf("udp read: %v", err)
			continue
		}
		atomic.AddInt64(&u.frames, 1)
		atomic.AddInt64(&u.bytes, int64(n))

		dropped, err := dispatch(buffer[:n], time.Now(), u.samples, u.info)
		if err != nil {
			atomic.AddInt64(&u.mangled, 1)
			continue
		}
		if dropped {
			atomic.AddInt64(&u.dropped, 1)
		}
	}
}
