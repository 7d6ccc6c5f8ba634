// Package p2ptransport provides the QUIC-based P2P transport that the
// bridge runs its framed stream over: node identity, connection
// establishment, and bidirectional stream primitives. Node discovery and NAT
// traversal are an external collaborator's concern (spec.md §1); this
// package substitutes a direct QUIC dial authenticated by node identity for
// the iroh-based global discovery the original implementation used, since no
// Go port of iroh exists.
package p2ptransport

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// NodeID is a parsed node identifier: `base64(pubkey) + "." + alpn` (spec.md
// §4.8). It never carries network-address information — that's out of
// scope, same as in the original design, and is supplied separately when
// dialing (see Endpoint.Dial).
type NodeID struct {
	PublicKey ed25519.PublicKey
	ALPN      string
}

// String formats id back to its wire form.
func (id NodeID) String() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey) + "." + id.ALPN
}

// ParseNodeID parses a node identifier string. It is rejected if it does not
// split into exactly two parts on "." or if the decoded key is not exactly
// 32 bytes (spec.md §4.8, §7 edge cases).
func ParseNodeID(s string) (NodeID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return NodeID{}, fmt.Errorf("node id must have exactly one '.' separator, got %d part(s)", len(parts))
	}
	key, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return NodeID{}, fmt.Errorf("decode public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return NodeID{}, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	if parts[1] == "" {
		return NodeID{}, fmt.Errorf("alpn must not be empty")
	}
	return NodeID{PublicKey: ed25519.PublicKey(key), ALPN: parts[1]}, nil
}

// Identity is this process's node keypair.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// NodeID returns the public identifier for id using alpn.
func (id Identity) NodeID(alpn string) NodeID {
	return NodeID{PublicKey: id.PublicKey, ALPN: alpn}
}

// LoadOrCreateIdentity reads a raw 64-byte ed25519 private key from
// path, generating and persisting a new one if the file doesn't exist
// (spec.md §4.8's "freshly generated ALPN identifier" extends naturally to a
// freshly generated node keypair on first run).
func LoadOrCreateIdentity(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != ed25519.PrivateKeySize {
			return Identity{}, fmt.Errorf("identity file %s: expected %d bytes, got %d", path, ed25519.PrivateKeySize, len(b))
		}
		priv := ed25519.PrivateKey(b)
		return Identity{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("read identity file %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity keypair: %w", err)
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return Identity{}, fmt.Errorf("write identity file %s: %w", path, err)
	}
	return Identity{PublicKey: pub, PrivateKey: priv}, nil
}
