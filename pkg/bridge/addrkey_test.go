package bridge

import (
	"net/netip"
	"testing"
)

func mustAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

func TestKeyFromAddrPortIPv4(t *testing.T) {
	k := KeyFromAddrPort(mustAddrPort("192.168.1.1:8080"))

	want := [4]byte{192, 168, 1, 1}
	if !bytesEqual(k[0:4], want[:]) {
		t.Errorf("ip bytes = %v, want %v", k[0:4], want)
	}
	for i := 4; i < 16; i++ {
		if k[i] != 0 {
			t.Errorf("expected zero padding at byte %d, got %d", i, k[i])
		}
	}
	if k[16] != 0x1f || k[17] != 0x90 {
		t.Errorf("port bytes = %02x%02x, want 1f90", k[16], k[17])
	}
}

func TestKeyFromAddrPortIPv6(t *testing.T) {
	k := KeyFromAddrPort(mustAddrPort("[2001:db8::1]:443"))

	addr := netip.MustParseAddr("2001:db8::1")
	raw := addr.As16()
	if !bytesEqual(k[0:16], raw[:]) {
		t.Errorf("ip bytes = %v, want %v", k[0:16], raw)
	}
	if k[16] != 0x01 || k[17] != 0xbb {
		t.Errorf("port bytes = %02x%02x, want 01bb", k[16], k[17])
	}
}

func TestKeyFromAddrPortDistinctPorts(t *testing.T) {
	a := KeyFromAddrPort(mustAddrPort("127.0.0.1:1"))
	b := KeyFromAddrPort(mustAddrPort("127.0.0.1:2"))
	if a == b {
		t.Error("distinct ports produced identical keys")
	}
}

func TestKeyFromAddrPortIPv4MappedMatchesPlainIPv4(t *testing.T) {
	a := KeyFromAddrPort(mustAddrPort("127.0.0.1:53"))
	b := KeyFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("::ffff:127.0.0.1"), 53))
	if a != b {
		t.Error("ipv4-mapped address should key identically to plain ipv4")
	}
}

func TestAddrKeyString(t *testing.T) {
	k := KeyFromAddrPort(mustAddrPort("127.0.0.1:1"))
	s := k.String()
	if len(s) != AddrKeySize*2 {
		t.Errorf("String() length = %d, want %d", len(s), AddrKeySize*2)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
