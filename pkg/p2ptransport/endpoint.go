package p2ptransport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// idleTimeout and keepAlive mirror the values gravitational-teleport's QUIC
// peering client uses for its long-lived multiplexed connections
// (lib/proxy/peer/quic/client.go).
const (
	idleTimeout = 30 * time.Second
	keepAlive   = 10 * time.Second
)

// Endpoint binds one UDP socket and speaks QUIC over it, acting as either
// the listening side (host) or the dialing side (instance). It stands in
// for the out-of-scope P2P transport collaborator described in spec.md §1 —
// node-identity-based addressing and ALPN negotiation, but not discovery or
// NAT traversal, which the original used iroh's DNS-based discovery for and
// has no Go equivalent in this corpus.
type Endpoint struct {
	identity Identity
	conn     *net.UDPConn
	tr       *quic.Transport
	cert     tls.Certificate
}

// NewEndpoint binds addr and prepares a self-signed TLS certificate derived
// from identity's keypair, used to authenticate this node's QUIC handshakes.
func NewEndpoint(identity Identity, addr *net.UDPAddr) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}
	cert, err := selfSignedCert(identity.PrivateKey)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate tls certificate: %w", err)
	}
	return &Endpoint{
		identity: identity,
		conn:     conn,
		tr:       &quic.Transport{Conn: conn},
		cert:     cert,
	}, nil
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Close releases the underlying UDP socket.
func (e *Endpoint) Close() error {
	e.tr.Close()
	return e.conn.Close()
}

func (e *Endpoint) tlsConfig(alpn string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{e.cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
		// the bridge authenticates peers by node identity (the pubkey
		// embedded in the node id string), not by a trusted CA, so we
		// validate the peer's certificate key ourselves after the
		// handshake rather than via InsecureSkipVerify's usual meaning.
		InsecureSkipVerify: true,
	}
}

func (e *Endpoint) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
	}
}

// Listen accepts a single incoming QUIC connection for alpn and returns it as
// a Session. The connecting peer's identity is not checked on this side; only
// Dial verifies the remote node's key. The host only expects one instance
// per run (spec.md
// Non-goals: "multi-host fan-out from one instance" implies the converse,
// one instance per host run, is the supported shape).
func (e *Endpoint) Listen(ctx context.Context, alpn string) (*Session, error) {
	ln, err := e.tr.Listen(e.tlsConfig(alpn), e.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Dial opens a QUIC connection to addr, authenticating the remote node
// identified by target (spec.md §4.8: "open a connection"). discovery of
// addr from target alone is the out-of-scope transport concern; callers
// must supply it explicitly (see cmd/tunnelbridge's instance subcommands).
func (e *Endpoint) Dial(ctx context.Context, addr *net.UDPAddr, target NodeID) (*Session, error) {
	conn, err := e.tr.Dial(ctx, addr, e.tlsConfig(target.ALPN), e.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := verifyPeerIdentity(conn.ConnectionState().TLS, target.PublicKey); err != nil {
		conn.CloseWithError(0, "identity mismatch")
		return nil, err
	}

	return &Session{conn: conn}, nil
}

// verifyPeerIdentity checks that the peer's leaf certificate was derived
// from the expected ed25519 public key, giving node-identity-based
// addressing the bite that InsecureSkipVerify otherwise removes.
func verifyPeerIdentity(state tls.ConnectionState, want ed25519.PublicKey) error {
	if len(state.PeerCertificates) == 0 {
		return errors.New("peer presented no certificate")
	}
	got, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return errors.New("peer certificate is not ed25519")
	}
	if !got.Equal(want) {
		return errors.New("peer node identity does not match the expected node id")
	}
	return nil
}

// selfSignedCert builds a minimal self-signed leaf certificate whose public
// key is priv's, so the QUIC TLS handshake authenticates this node's
// identity directly instead of through a CA.
func selfSignedCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tunnelbridge"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Session wraps one established QUIC connection, offering the
// accept/open-bidirectional-stream primitive the bridge depends on (spec.md
// §7 "Transport expectations").
type Session struct {
	conn quic.Connection
}

// Close tears down the underlying QUIC connection.
func (s *Session) Close() error {
	return s.conn.CloseWithError(0, "")
}

// OpenStream implements bridge.StreamOpener.
func (s *Session) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{st}, nil
}

// AcceptStream implements bridge.StreamAccepter.
func (s *Session) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{st}, nil
}

// stream adapts quic.Stream (whose Close only half-closes the write side) to
// io.ReadWriteCloser by also cancelling the read side on Close.
type stream struct {
	quic.Stream
}

func (s *stream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}
