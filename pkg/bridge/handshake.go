package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Latency holds the measured one-way timings of the connectivity handshake
// (spec.md §4.4), restoring the "connection quality" information
// original_source/src/utils/display_info.rs surfaces to the user.
type Latency struct {
	Send time.Duration
	Recv time.Duration
}

// ErrHandshake is returned (wrapped) whenever the connectivity handshake
// fails; per spec.md §7 this aborts the connection, not the process.
var ErrHandshake = errors.New("handshake failed")

const pingByte = 0x01

// ConnectionInfo summarizes a completed connectivity handshake, restoring
// the "connection quality" information original_source/src/utils/
// display_info.rs surfaced to the user. Unlike iroh, the quic-go transport
// this module uses has no relay fallback — every Session is a direct
// peer-to-peer QUIC connection — so there is no direct-vs-relayed path to
// report, only the measured latency.
type ConnectionInfo struct {
	Latency Latency
}

// String renders the connection info the way the host/instance CLI prints
// it after a successful handshake.
func (ci ConnectionInfo) String() string {
	return fmt.Sprintf("direct connection, send latency %s, recv latency %s", ci.Latency.Send, ci.Latency.Recv)
}

// InstanceHandshake performs the instance side of the connectivity check: it
// writes a single byte, then reads a single byte, timing each half.
func InstanceHandshake(ctx context.Context, rw io.ReadWriter) (Latency, error) {
	var lat Latency

	if err := ctx.Err(); err != nil {
		return lat, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	t0 := time.Now()
	if _, err := rw.Write([]byte{pingByte}); err != nil {
		return lat, fmt.Errorf("%w: send ping: %v", ErrHandshake, err)
	}
	lat.Send = time.Since(t0)

	var resp [1]byte
	t1 := time.Now()
	if _, err := io.ReadFull(rw, resp[:]); err != nil {
		return lat, fmt.Errorf("%w: receive pong: %v", ErrHandshake, err)
	}
	lat.Recv = time.Since(t1)

	return lat, nil
}

// HostHandshake performs the host side of the connectivity check: it reads a
// single byte, then writes a single byte, timing each half.
func HostHandshake(ctx context.Context, rw io.ReadWriter) (Latency, error) {
	var lat Latency

	if err := ctx.Err(); err != nil {
		return lat, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	var req [1]byte
	t0 := time.Now()
	if _, err := io.ReadFull(rw, req[:]); err != nil {
		return lat, fmt.Errorf("%w: receive ping: %v", ErrHandshake, err)
	}
	lat.Recv = time.Since(t0)

	t1 := time.Now()
	if _, err := rw.Write([]byte{pingByte}); err != nil {
		return lat, fmt.Errorf("%w: send pong: %v", ErrHandshake, err)
	}
	lat.Send = time.Since(t1)

	return lat, nil
}
