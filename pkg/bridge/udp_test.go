package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// loopSession is a minimal StreamOpener+StreamAccepter pairing two in-memory
// pipes, standing in for a real P2P session in UDP flow tests.
type loopSession struct {
	streams chan io.ReadWriteCloser
}

func newLoopSession() (opener *loopSession, accepter *loopSession) {
	ch := make(chan io.ReadWriteCloser, 8)
	return &loopSession{streams: ch}, &loopSession{streams: ch}
}

func (l *loopSession) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	a, b := net.Pipe()
	l.streams <- b
	return a, nil
}

func (l *loopSession) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestHostInstanceUDPEndToEnd(t *testing.T) {
	backingConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen backing udp: %v", err)
	}
	defer backingConn.Close()

	const echoMsg = "pong"
	go func() {
		buf := make([]byte, MaxPayload)
		for {
			n, from, err := backingConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			backingConn.WriteToUDP(buf[:n], from)
		}
	}()

	instanceConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen instance udp: %v", err)
	}
	defer instanceConn.Close()

	opener, accepter := newLoopSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backingAddr := backingConn.LocalAddr().(*net.UDPAddr)
	host := NewHostUDP(accepter, backingAddr, zerolog.Nop())
	inst := NewInstanceUDP(instanceConn, opener, zerolog.Nop(), 0, 0)

	go host.Run(ctx)
	go inst.Run(ctx)

	clientConn, err := net.DialUDP("udp", nil, instanceConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial instance udp listener: %v", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := clientConn.Write([]byte(echoMsg)); err != nil {
		t.Fatalf("write to tunnelled udp client conn: %v", err)
	}

	buf := make([]byte, len(echoMsg))
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read echoed udp response: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte(echoMsg)) {
		t.Errorf("echoed payload = %q, want %q", buf[:n], echoMsg)
	}
}
