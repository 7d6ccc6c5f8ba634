package bridge

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	key := KeyFromAddrPort(mustAddrPort("127.0.0.1:4242"))
	payload := []byte("hello world")

	buf := Encode(nil, payload, len(payload), key, SignalAlive)
	if len(buf) != HeaderSize+len(payload) {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize+len(payload))
	}

	frame, _, err := ReadFrame(bytes.NewReader(buf), nil)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Key != key {
		t.Error("decoded key mismatch")
	}
	if frame.Signal != SignalAlive {
		t.Error("decoded signal mismatch")
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("decoded payload = %q, want %q", frame.Payload, payload)
	}
}

func TestFrameDeadSignal(t *testing.T) {
	key := KeyFromAddrPort(mustAddrPort("[::1]:1"))
	buf := Encode(nil, nil, 0, key, SignalDead)

	frame, _, err := ReadFrame(bytes.NewReader(buf), nil)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Signal != SignalDead {
		t.Error("expected dead signal")
	}
	if frame.Payload != nil {
		t.Error("dead frame should carry no payload")
	}
}

func TestFrameZeroLengthAlive(t *testing.T) {
	key := KeyFromAddrPort(mustAddrPort("127.0.0.1:1"))
	buf := Encode(nil, nil, 0, key, SignalAlive)

	frame, _, err := ReadFrame(bytes.NewReader(buf), nil)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Signal != SignalAlive {
		t.Error("expected alive signal")
	}
	if len(frame.Payload) != 0 {
		t.Error("expected zero-length payload, not nil-vs-empty confusion")
	}
}

func TestFrameDeadWithPayloadIsFraming(t *testing.T) {
	var hdr [HeaderSize]byte
	hdr[AddrKeySize] = 0
	hdr[AddrKeySize+1] = 1 // length 1, but signal dead
	hdr[AddrKeySize+2] = byte(SignalDead)

	_, _, err := ReadFrame(bytes.NewReader(hdr[:]), nil)
	if err == nil {
		t.Fatal("expected framing error for dead frame with non-zero length")
	}
}

func TestFrameOversizePayloadIsFraming(t *testing.T) {
	var hdr [HeaderSize]byte
	hdr[AddrKeySize] = 0xff
	hdr[AddrKeySize+1] = 0xff
	hdr[AddrKeySize+2] = byte(SignalAlive)

	_, _, err := ReadFrame(bytes.NewReader(hdr[:]), nil)
	if err == nil {
		t.Fatal("expected framing error for oversize payload length")
	}
}

func TestFrameTruncatedHeaderIsFraming(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), nil)
	if err == nil {
		t.Fatal("expected framing error for truncated header")
	}
}

func TestReadFrameOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	key := KeyFromAddrPort(mustAddrPort("10.0.0.1:9000"))
	payload := bytes.Repeat([]byte{0xab}, 512)

	go func() {
		buf := Encode(nil, payload, len(payload), key, SignalAlive)
		a.Write(buf)
	}()

	frame, _, err := ReadFrame(b, nil)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Error("payload mismatch over pipe")
	}
}

func TestReadFrameReusesBuf(t *testing.T) {
	key := KeyFromAddrPort(mustAddrPort("127.0.0.1:1"))
	buf1 := Encode(nil, []byte("abc"), 3, key, SignalAlive)
	buf2 := Encode(nil, []byte("de"), 2, key, SignalAlive)

	r := io.MultiReader(bytes.NewReader(buf1), bytes.NewReader(buf2))

	var scratch []byte
	f1, scratch, err := ReadFrame(r, scratch)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if string(f1.Payload) != "abc" {
		t.Errorf("first payload = %q", f1.Payload)
	}

	f2, _, err := ReadFrame(r, scratch)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if string(f2.Payload) != "de" {
		t.Errorf("second payload = %q", f2.Payload)
	}
}
