package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// defaultClientChanCapacity is the reference bounded-channel capacity for
// per-client payload queues (spec.md §5 Backpressure), used when
// NewHostTCP is given a non-positive capacity.
const defaultClientChanCapacity = 4096

// HostTCP runs the host-side bridge for one instance stream (spec.md §4.5):
// it demultiplexes frames arriving on stream into per-client TCP sockets
// connected to backing, spawning a new socket on the first frame for an
// unknown address key.
type HostTCP struct {
	stream       io.ReadWriteCloser
	backing      *net.TCPAddr
	log          zerolog.Logger
	bufSize      int
	chanCapacity int
	registry     *Registry[chan []byte]
	wmu          sync.Mutex
	metrics      *Metrics
}

// NewHostTCP constructs a host-side TCP bridge. backing is the user's local
// service address; stream is the already-accepted instance stream.
// chanCapacity is the per-client queue capacity (Config.ClientChanCapacity);
// a non-positive value falls back to defaultClientChanCapacity.
func NewHostTCP(stream io.ReadWriteCloser, backing *net.TCPAddr, log zerolog.Logger, m *Metrics, chanCapacity int) *HostTCP {
	if chanCapacity <= 0 {
		chanCapacity = defaultClientChanCapacity
	}
	return &HostTCP{
		stream:       stream,
		backing:      backing,
		log:          log,
		bufSize:      MaxPayload,
		chanCapacity: chanCapacity,
		registry:     NewRegistry[chan []byte](),
		metrics:      m,
	}
}

// writeFrame serializes one frame write under the shared stream lock; the
// lock is held only across this single write_all, so frames are never
// interleaved on the wire (spec.md §5).
func (h *HostTCP) writeFrame(payload []byte, n int, key AddrKey, signal Signal) error {
	buf := Encode(make([]byte, 0, HeaderSize+n), payload, n, key, signal)
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := h.stream.Write(buf)
	return err
}

// Run executes the reader loop until a framing error or ctx cancellation.
// On return, every registered flow's cancellation handle has been triggered;
// Run does not wait for the per-client tasks to finish cleaning up (spec.md
// §4.5: "MUST NOT await per-entry cleanup").
func (h *HostTCP) Run(ctx context.Context) error {
	defer h.registry.CancelAll()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			h.stream.Close()
		case <-done:
		}
	}()

	var buf []byte
	for {
		var frame Frame
		var err error
		frame, buf, err = ReadFrame(h.stream, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Warn().Err(err).Msg("framing error on instance stream, tearing down")
			if h.metrics != nil {
				h.metrics.FramingErrors.Inc()
			}
			return err
		}

		if frame.Signal == SignalDead {
			if _, cancel, ok := h.registry.Remove(frame.Key); ok {
				cancel.Trigger()
			}
			continue
		}

		if ch, cancel, ok := h.registry.Get(frame.Key); ok {
			// A full channel blocks this send, exerting backpressure on the
			// decode loop per spec.md §5; cancel.Done() stands in for "the
			// receiver dropped" since entries are never removed out from
			// under a live per-client task except via cancellation.
			select {
			case ch <- append([]byte(nil), frame.Payload...):
			case <-cancel.Done():
				h.registry.Remove(frame.Key)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		ch := make(chan []byte, h.chanCapacity)
		cancel := NewCancel()
		h.registry.Insert(frame.Key, ch, cancel)
		ch <- append([]byte(nil), frame.Payload...)
		if h.metrics != nil {
			h.metrics.FlowsOpened.Inc()
		}

		go h.newClientTask(ctx, frame.Key, ch, cancel)
	}
}

// newClientTask implements spec.md §4.5.1: bind a new loopback socket,
// connect to the backing service, and run the two casting sub-tasks.
func (h *HostTCP) newClientTask(ctx context.Context, key AddrKey, ch chan []byte, cancel Cancel) {
	log := h.log.With().Str("client", key.String()).Logger()

	loopback := "127.0.0.1:0"
	if h.backing.IP.To4() == nil {
		loopback = "[::1]:0"
	}
	localAddr, err := net.ResolveTCPAddr("tcp", loopback)
	if err != nil {
		log.Error().Err(err).Msg("resolve loopback source address")
		h.cleanup(key, cancel, nil)
		return
	}

	conn, err := net.DialTCP("tcp", localAddr, h.backing)
	if err != nil {
		log.Error().Err(err).Msg("connect to backing service")
		h.cleanup(key, cancel, nil)
		return
	}

	// shutting down the read side on cancellation unblocks a backing-socket
	// read parked in serverToInstanceCast.
	go func() {
		<-cancel.Done()
		conn.CloseRead()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.serverToInstanceCast(conn, key, cancel, log)
	}()
	go func() {
		defer wg.Done()
		h.instanceToServerCast(conn, ch, cancel, log)
	}()
	wg.Wait()

	h.cleanup(key, cancel, conn)
}

// serverToInstanceCast reads from the backing socket and frames the bytes
// onto the shared stream. Selection is biased to the cancellation branch
// (checked first) to avoid emitting frames after teardown.
func (h *HostTCP) serverToInstanceCast(conn *net.TCPConn, key AddrKey, cancel Cancel, log zerolog.Logger) {
	buf := make([]byte, h.bufSize)
	var total int64
	for {
		select {
		case <-cancel.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			if werr := h.writeFrame(buf, n, key, SignalAlive); werr != nil {
				log.Warn().Err(werr).Msg("write to instance stream failed")
				cancel.Trigger()
				return
			}
			if h.metrics != nil {
				h.metrics.BytesOut.Add(int64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug().Int64("bytes_out", total).Msg("backing socket EOF")
			} else {
				log.Warn().Err(err).Msg("backing socket read error")
			}
			h.writeFrame(nil, 0, key, SignalDead)
			cancel.Trigger()
			return
		}
	}
}

// instanceToServerCast drains ch and writes each payload to the backing
// socket.
func (h *HostTCP) instanceToServerCast(conn *net.TCPConn, ch chan []byte, cancel Cancel, log zerolog.Logger) {
	var total int64
	for {
		select {
		case <-cancel.Done():
			log.Debug().Int64("bytes_in", total).Msg("flow cancelled")
			return
		case payload := <-ch:
			if len(payload) == 0 {
				continue
			}
			if _, err := conn.Write(payload); err != nil {
				log.Warn().Err(err).Int64("bytes_in", total).Msg("write to backing socket failed")
				cancel.Trigger()
				return
			}
			total += int64(len(payload))
			if h.metrics != nil {
				h.metrics.BytesIn.Add(int64(len(payload)))
			}
		}
	}
}

// cleanup is idempotent: trigger cancellation, shut down the backing write
// half, and remove the registry entry.
func (h *HostTCP) cleanup(key AddrKey, cancel Cancel, conn *net.TCPConn) {
	cancel.Trigger()
	if conn != nil {
		conn.CloseWrite()
		conn.Close()
	}
	h.registry.Remove(key)
	if h.metrics != nil {
		h.metrics.FlowsClosed.Inc()
	}
}
