package bridge

import "net/netip"

// AddrKeySize is the wire size of an AddrKey.
const AddrKeySize = 18

// portOffset is the offset of the big-endian port within an AddrKey.
const portOffset = 16

// AddrKey is the canonical 18-byte encoding of a client (IP, port) used to
// identify a flow on the wire. Bytes [0:16] hold the IP (IPv4 left-padded
// into the first 4 bytes, IPv6 filling all 16), bytes [16:18] hold the port,
// big-endian. It is opaque on the host side — only ever compared for
// equality and used as a map key.
type AddrKey [AddrKeySize]byte

// KeyFromAddrPort computes the AddrKey for addr.
func KeyFromAddrPort(addr netip.AddrPort) AddrKey {
	var k AddrKey
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		b := ip.As4()
		copy(k[0:4], b[:])
	} else {
		b := ip.As16()
		copy(k[0:16], b[:])
	}
	k[portOffset] = byte(addr.Port() >> 8)
	k[portOffset+1] = byte(addr.Port())
	return k
}

// String implements fmt.Stringer for logging; it does not attempt to recover
// a real address, only renders the raw key for diagnostics.
func (k AddrKey) String() string {
	const hex = "0123456789abcdef"
	out := make([]byte, 0, AddrKeySize*2)
	for _, b := range k {
		out = append(out, hex[b>>4], hex[b&0xf])
	}
	return string(out)
}
