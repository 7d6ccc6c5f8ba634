package bridge

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Session is the subset of pkg/p2ptransport.Session the bridge depends on:
// one established peer connection capable of opening or accepting
// bidirectional streams (spec.md §7 "Transport expectations"). It is also
// both a StreamOpener and a StreamAccepter (see udp.go), so a Session can be
// handed directly to the UDP runners.
type Session interface {
	StreamOpener
	StreamAccepter
	Close() error
}

// RunHostTCP implements the host-side endpoint glue for the TCP protocol
// (spec.md §4.8): it opens the single instance stream, runs the
// connectivity handshake, then hands off to HostTCP for the lifetime of the
// connection.
func RunHostTCP(ctx context.Context, sess Session, backing *net.TCPAddr, log zerolog.Logger, m *Metrics, chanCapacity int) error {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("accept instance stream: %w", err)
	}
	defer stream.Close()

	lat, err := HostHandshake(ctx, stream)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	info := ConnectionInfo{Latency: lat}
	log.Info().Stringer("connection", info).Dur("send_latency", lat.Send).Dur("recv_latency", lat.Recv).Msg("instance connected")

	return NewHostTCP(stream, backing, log, m, chanCapacity).Run(ctx)
}

// RunInstanceTCP implements the instance-side endpoint glue for the TCP
// protocol: open the shared stream, run the handshake, then hand off to
// InstanceTCP.
func RunInstanceTCP(ctx context.Context, sess Session, listener *net.TCPListener, log zerolog.Logger, m *Metrics) error {
	stream, err := sess.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open instance stream: %w", err)
	}
	defer stream.Close()

	lat, err := InstanceHandshake(ctx, stream)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	info := ConnectionInfo{Latency: lat}
	log.Info().Stringer("connection", info).Dur("send_latency", lat.Send).Dur("recv_latency", lat.Recv).Msg("connected to host")

	return NewInstanceTCP(listener, stream, log, m).Run(ctx)
}

// RunHostUDP implements the host-side endpoint glue for the UDP protocol:
// each incoming stream is an independent flow (spec.md §4.7), so there is no
// single shared-stream handshake — HostUDP accepts a fresh stream per flow.
func RunHostUDP(ctx context.Context, sess Session, backing *net.UDPAddr, log zerolog.Logger) error {
	return NewHostUDP(sess, backing, log).Run(ctx)
}

// RunInstanceUDP implements the instance-side endpoint glue for the UDP
// protocol.
func RunInstanceUDP(ctx context.Context, sess Session, conn *net.UDPConn, log zerolog.Logger, chanCapacity int, idleTTL time.Duration) error {
	return NewInstanceUDP(conn, sess, log, chanCapacity, idleTTL).Run(ctx)
}
