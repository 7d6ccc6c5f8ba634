package bridge

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestHandshakeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var instLat, hostLat Latency
	var instErr, hostErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		instLat, instErr = InstanceHandshake(ctx, a)
	}()

	hostLat, hostErr = HostHandshake(ctx, b)
	<-done

	if instErr != nil {
		t.Fatalf("InstanceHandshake: %v", instErr)
	}
	if hostErr != nil {
		t.Fatalf("HostHandshake: %v", hostErr)
	}
	if instLat.Send < 0 || instLat.Recv < 0 {
		t.Error("instance latency should be non-negative")
	}
	if hostLat.Send < 0 || hostLat.Recv < 0 {
		t.Error("host latency should be non-negative")
	}
}

func TestHandshakeCancelledContext(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := InstanceHandshake(ctx, a); err == nil {
		t.Error("expected error from InstanceHandshake with cancelled context")
	}
	if _, err := HostHandshake(ctx, b); err == nil {
		t.Error("expected error from HostHandshake with cancelled context")
	}
}

func TestHandshakeClosedStream(t *testing.T) {
	a, b := net.Pipe()
	a.Close()
	b.Close()

	ctx := context.Background()
	if _, err := InstanceHandshake(ctx, a); err == nil {
		t.Error("expected error from InstanceHandshake on closed pipe")
	}
}
