package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultFlowIdleTTL is the reference idle timeout after which an
// instance-side UDP flow cache entry is evicted (spec.md §4.7), used when
// NewInstanceUDP is given a non-positive TTL.
const DefaultFlowIdleTTL = 300 * time.Second

// flowSweepInterval is how often the instance-side flow cache is swept for
// idle entries. It is independent of the idle TTL so the TTL can be tuned
// without changing sweep granularity.
const flowSweepInterval = 30 * time.Second

// StreamOpener opens a new bidirectional stream on an existing P2P session.
// UDP flows are not multiplexed onto one shared stream the way TCP is (there
// is no 21-byte frame header to key them apart, spec.md §4.7): each flow gets
// its own stream.
type StreamOpener interface {
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
}

// StreamAccepter accepts bidirectional streams opened by the remote peer.
type StreamAccepter interface {
	AcceptStream(ctx context.Context) (io.ReadWriteCloser, error)
}

// udpFlow is one instance-side cache entry: a logical datagram conversation
// with a single remote client address.
type udpFlow struct {
	out        chan []byte
	cancel     Cancel
	lastActive int64 // unix nanos, updated atomically-by-convention under mu
}

// InstanceUDP runs the instance-side UDP bridge (spec.md §4.7): one bound UDP
// socket fans datagrams out to per-source-address flows, each carried over
// its own P2P stream.
type InstanceUDP struct {
	conn         *net.UDPConn
	opener       StreamOpener
	log          zerolog.Logger
	bufSize      int
	chanCapacity int
	idleTTL      time.Duration

	mu    sync.Mutex
	flows map[AddrKey]*udpFlow
}

// NewInstanceUDP constructs an instance-side UDP bridge listening on conn and
// opening one stream per flow via opener. chanCapacity and idleTTL are
// Config.ClientChanCapacity and Config.UDPFlowIdleTTL; non-positive values
// fall back to defaultClientChanCapacity and DefaultFlowIdleTTL.
func NewInstanceUDP(conn *net.UDPConn, opener StreamOpener, log zerolog.Logger, chanCapacity int, idleTTL time.Duration) *InstanceUDP {
	if chanCapacity <= 0 {
		chanCapacity = defaultClientChanCapacity
	}
	if idleTTL <= 0 {
		idleTTL = DefaultFlowIdleTTL
	}
	return &InstanceUDP{
		conn:         conn,
		opener:       opener,
		log:          log,
		bufSize:      MaxPayload,
		chanCapacity: chanCapacity,
		idleTTL:      idleTTL,
		flows:        make(map[AddrKey]*udpFlow),
	}
}

// Run reads datagrams from the bound socket until ctx is cancelled, fanning
// each one out to its flow (spawning a new one on a cache miss), and sweeps
// idle flows in the background.
func (in *InstanceUDP) Run(ctx context.Context) error {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	go func() {
		<-ctx.Done()
		in.conn.Close()
	}()
	go in.sweepLoop(ctx)

	buf := make([]byte, in.bufSize)
	for {
		n, from, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				in.closeAll()
				return ctx.Err()
			}
			in.log.Warn().Err(err).Msg("udp read error")
			continue
		}
		if n == 0 {
			continue
		}

		key := KeyFromAddrPort(from.AddrPort())
		payload := append([]byte(nil), buf[:n]...)

		in.mu.Lock()
		flow, ok := in.flows[key]
		if ok {
			flow.lastActive = nowUnixNano()
		}
		in.mu.Unlock()

		if ok {
			select {
			case flow.out <- payload:
			case <-flow.cancel.Done():
			}
			continue
		}

		in.spawnFlow(ctx, key, from, payload)
	}
}

func (in *InstanceUDP) spawnFlow(ctx context.Context, key AddrKey, from *net.UDPAddr, first []byte) {
	log := in.log.With().Str("flow", key.String()).Logger()

	stream, err := in.opener.OpenStream(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("open udp flow stream failed")
		return
	}

	flow := &udpFlow{
		out:        make(chan []byte, in.chanCapacity),
		cancel:     NewCancel(),
		lastActive: nowUnixNano(),
	}
	in.mu.Lock()
	in.flows[key] = flow
	in.mu.Unlock()

	flow.out <- first

	go in.flowTask(stream, key, from, flow, log)
}

// flowTask relays one UDP flow: datagrams queued on flow.out are written to
// stream, and bytes read from stream are sent back to from via the shared
// socket. There is no framing or EOF concept for UDP, so both directions run
// until a read error or cancellation (spec.md §4.7).
func (in *InstanceUDP) flowTask(stream io.ReadWriteCloser, key AddrKey, from *net.UDPAddr, flow *udpFlow, log zerolog.Logger) {
	defer in.removeFlow(key, flow, stream)

	// closing the stream on cancellation unblocks a Read parked below.
	go func() {
		<-flow.cancel.Done()
		stream.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-flow.cancel.Done():
				return
			case payload := <-flow.out:
				if _, err := stream.Write(payload); err != nil {
					log.Warn().Err(err).Msg("write to udp flow stream failed")
					flow.cancel.Trigger()
					return
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, in.bufSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if _, werr := in.conn.WriteToUDP(buf[:n], from); werr != nil {
					log.Warn().Err(werr).Msg("write back to udp client failed")
					flow.cancel.Trigger()
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Msg("read from udp flow stream failed")
				}
				flow.cancel.Trigger()
				return
			}
		}
	}()

	wg.Wait()
}

func (in *InstanceUDP) removeFlow(key AddrKey, flow *udpFlow, stream io.ReadWriteCloser) {
	in.mu.Lock()
	if in.flows[key] == flow {
		delete(in.flows, key)
	}
	in.mu.Unlock()
	flow.cancel.Trigger()
	stream.Close()
}

func (in *InstanceUDP) closeAll() {
	in.mu.Lock()
	flows := make([]*udpFlow, 0, len(in.flows))
	for _, f := range in.flows {
		flows = append(flows, f)
	}
	in.mu.Unlock()
	for _, f := range flows {
		f.cancel.Trigger()
	}
}

// sweepLoop periodically evicts flows idle longer than in.idleTTL.
func (in *InstanceUDP) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(flowSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.sweepOnce()
		}
	}
}

func (in *InstanceUDP) sweepOnce() {
	cutoff := nowUnixNano() - int64(in.idleTTL)
	in.mu.Lock()
	var stale []*udpFlow
	for key, f := range in.flows {
		if f.lastActive < cutoff {
			stale = append(stale, f)
			delete(in.flows, key)
		}
	}
	in.mu.Unlock()
	for _, f := range stale {
		f.cancel.Trigger()
	}
}

// nowUnixNano is a single indirection point for the flow cache's activity
// clock, kept separate from time.Now() call sites so tests can stub it if
// needed.
func nowUnixNano() int64 {
	return time.Now().UnixNano()
}

// HostUDP runs the host-side UDP bridge: it accepts one stream per incoming
// flow and relays it against a fresh loopback socket connected to the
// backing UDP service (spec.md §4.7).
type HostUDP struct {
	accepter StreamAccepter
	backing  *net.UDPAddr
	log      zerolog.Logger
	bufSize  int
}

// NewHostUDP constructs a host-side UDP bridge.
func NewHostUDP(accepter StreamAccepter, backing *net.UDPAddr, log zerolog.Logger) *HostUDP {
	return &HostUDP{
		accepter: accepter,
		backing:  backing,
		log:      log,
		bufSize:  MaxPayload,
	}
}

// Run accepts flow streams until ctx is cancelled or accepting fails.
func (h *HostUDP) Run(ctx context.Context) error {
	for {
		stream, err := h.accepter.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go h.flowTask(ctx, stream)
	}
}

func (h *HostUDP) flowTask(ctx context.Context, stream io.ReadWriteCloser) {
	log := h.log.With().Str("backing", h.backing.String()).Logger()
	defer stream.Close()

	loopback := "127.0.0.1:0"
	if h.backing.IP.To4() == nil {
		loopback = "[::1]:0"
	}
	localAddr, err := net.ResolveUDPAddr("udp", loopback)
	if err != nil {
		log.Error().Err(err).Msg("resolve loopback source address")
		return
	}

	conn, err := net.DialUDP("udp", localAddr, h.backing)
	if err != nil {
		log.Error().Err(err).Msg("connect to backing udp service")
		return
	}
	defer conn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	stop := make(chan struct{})
	var once sync.Once
	closeStop := func() { once.Do(func() { close(stop) }) }

	go func() {
		<-ctx.Done()
		closeStop()
	}()

	go func() {
		defer wg.Done()
		defer closeStop()
		buf := make([]byte, h.bufSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					log.Warn().Err(werr).Msg("write to backing udp socket failed")
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Msg("read from udp flow stream failed")
				}
				return
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer closeStop()
		buf := make([]byte, h.bufSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := stream.Write(buf[:n]); werr != nil {
					log.Warn().Err(werr).Msg("write to udp flow stream failed")
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Msg("read from backing udp socket failed")
				}
				return
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	wg.Wait()
}
