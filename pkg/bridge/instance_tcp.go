package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// InstanceTCP runs the instance-side bridge (spec.md §4.6): it accepts local
// TCP clients on listener, frames their traffic onto stream, and demuxes
// frames arriving from stream back to the originating client socket.
type InstanceTCP struct {
	listener *net.TCPListener
	stream   io.ReadWriteCloser
	log      zerolog.Logger
	bufSize  int
	registry *Registry[*net.TCPConn]
	wmu      sync.Mutex
	metrics  *Metrics
}

// NewInstanceTCP constructs an instance-side TCP bridge.
func NewInstanceTCP(listener *net.TCPListener, stream io.ReadWriteCloser, log zerolog.Logger, m *Metrics) *InstanceTCP {
	return &InstanceTCP{
		listener: listener,
		stream:   stream,
		log:      log,
		bufSize:  MaxPayload,
		registry: NewRegistry[*net.TCPConn](),
		metrics:  m,
	}
}

func (in *InstanceTCP) writeFrame(payload []byte, n int, key AddrKey, signal Signal) error {
	buf := Encode(make([]byte, 0, HeaderSize+n), payload, n, key, signal)
	in.wmu.Lock()
	defer in.wmu.Unlock()
	_, err := in.stream.Write(buf)
	return err
}

// Run starts the demux writer loop and the listener accept loop, blocking
// until ctx is cancelled or the shared stream fails.
func (in *InstanceTCP) Run(ctx context.Context) error {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	errCh := make(chan error, 1)
	go func() {
		errCh <- in.demuxLoop(ctx)
		cancelAll()
	}()
	go func() {
		<-ctx.Done()
		in.listener.Close()
		in.stream.Close()
	}()

	in.acceptLoop(ctx)

	err := <-errCh
	in.registry.Range(func(key AddrKey, conn *net.TCPConn, cancel Cancel) {
		conn.CloseWrite()
		cancel.Trigger()
	})
	return err
}

func (in *InstanceTCP) acceptLoop(ctx context.Context) {
	for {
		conn, err := in.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.log.Warn().Err(err).Msg("accept error")
			continue
		}

		key := KeyFromAddrPort(conn.RemoteAddr().(*net.TCPAddr).AddrPort())
		cancel := NewCancel()
		in.registry.Insert(key, conn, cancel)
		if in.metrics != nil {
			in.metrics.FlowsOpened.Inc()
		}

		go in.clientReaderTask(conn, key, cancel)
	}
}

// clientReaderTask reads from the accepted client connection, framing each
// read onto the shared stream (spec.md §4.6).
func (in *InstanceTCP) clientReaderTask(conn *net.TCPConn, key AddrKey, cancel Cancel) {
	log := in.log.With().Str("client", key.String()).Logger()
	buf := make([]byte, in.bufSize)
	var total int64

	defer in.cleanup(key, cancel)

	for {
		select {
		case <-cancel.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			if werr := in.writeFrame(buf, n, key, SignalAlive); werr != nil {
				log.Warn().Err(werr).Msg("write to instance stream failed")
				return
			}
			if in.metrics != nil {
				in.metrics.BytesIn.Add(int64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug().Int64("bytes_out", total).Msg("client socket EOF")
			} else {
				log.Warn().Err(err).Msg("client socket read error")
			}
			in.writeFrame(nil, 0, key, SignalDead)
			return
		}
	}
}

// demuxLoop reads frames from the shared stream and routes payloads to the
// matching client socket (spec.md §4.6).
func (in *InstanceTCP) demuxLoop(ctx context.Context) error {
	var buf []byte
	for {
		frame, nbuf, err := ReadFrame(in.stream, buf)
		buf = nbuf
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.log.Warn().Err(err).Msg("framing error on instance stream, tearing down")
			if in.metrics != nil {
				in.metrics.FramingErrors.Inc()
			}
			return err
		}

		if frame.Signal == SignalDead {
			if conn, cancel, ok := in.registry.Remove(frame.Key); ok {
				conn.CloseWrite()
				cancel.Trigger()
			}
			continue
		}

		conn, cancel, ok := in.registry.Get(frame.Key)
		if !ok {
			// the host referenced an unknown client: tell it to tear down.
			in.log.Warn().Str("client", frame.Key.String()).Msg("frame for unknown client, sending dead signal")
			in.writeFrame(nil, 0, frame.Key, SignalDead)
			continue
		}

		if len(frame.Payload) == 0 {
			// an empty Alive frame from the host side is a no-op, not an
			// end of flow (see SPEC_FULL.md Open Question decisions) —
			// nothing to write.
			continue
		}

		if _, err := conn.Write(frame.Payload); err != nil {
			in.log.Warn().Err(err).Str("client", frame.Key.String()).Msg("write to client socket failed")
			in.registry.Remove(frame.Key)
			cancel.Trigger()
			conn.Close()
		}
	}
}

// cleanup is idempotent: shut down the write half, trigger cancellation, and
// remove the registry entry.
func (in *InstanceTCP) cleanup(key AddrKey, cancel Cancel) {
	if conn, c, ok := in.registry.Remove(key); ok {
		conn.CloseWrite()
		c.Trigger()
	} else {
		cancel.Trigger()
	}
	if in.metrics != nil {
		in.metrics.FlowsClosed.Inc()
	}
}
