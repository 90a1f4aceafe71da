package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/dap2"
)

const outQueue = 64

// outbound is a frame waiting for the writer. When acked is non-nil the
// writer registers it under the assigned sequence number before writing, so
// the peer's Ack or Nack can be routed back.
type outbound struct {
	frame dap2.Frame
	acked chan error
}

// conn is one satellite transport. The reader goroutine (readLoop) owns every
// field not marked otherwise.
type conn struct {
	srv    *Server
	nc     net.Conn
	remote string
	rd     *dap2.Reader
	wr     *dap2.Writer // writer goroutine only

	ctx    context.Context
	cancel context.CancelCauseFunc

	out       chan outbound
	prio      chan outbound
	closed    chan struct{}
	closeOnce sync.Once
	cause     error
	activity  chan struct{}

	keepalive    KeepaliveConfig
	queryTimeout time.Duration
	compress     atomic.Bool
	sendSeq      uint32 // writer goroutine only

	mu      sync.Mutex
	id      string
	pending map[uint32]chan error

	sess      session.Session
	upload    []byte
	queryDone chan struct{}
	frameErrs int

	wg sync.WaitGroup
}

var _ session.Owner = (*conn)(nil)

func (s *Server) newConn(ctx context.Context, nc net.Conn) *conn {
	s.mu.Lock()
	ka, qt := s.keepalive, s.queryTimeout
	s.mu.Unlock()

	cctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	return &conn{
		srv:          s,
		nc:           nc,
		remote:       nc.RemoteAddr().String(),
		rd:           dap2.NewReader(nc, s.cfg.MaxPayload),
		wr:           dap2.NewWriter(nc),
		ctx:          cctx,
		cancel:       cancel,
		out:          make(chan outbound, outQueue),
		prio:         make(chan outbound, outQueue),
		closed:       make(chan struct{}),
		activity:     make(chan struct{}, 1),
		keepalive:    ka,
		queryTimeout: qt,
		pending:      make(map[uint32]chan error),
	}
}

// Supersede implements [session.Owner].
func (c *conn) Supersede() {
	c.logger().Info("connection superseded by a newer registration")
	c.close(errSuperseded)
}

func (c *conn) close(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = io.EOF
		}
		c.mu.Lock()
		c.cause = cause
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		close(c.closed)
		c.cancel(cause)
		_ = c.nc.Close()
		for _, ch := range pending {
			ch <- ErrConnClosed
		}
	})
}

func (c *conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cause == nil:
		return ""
	case errors.Is(c.cause, io.EOF), errors.Is(c.cause, net.ErrClosed):
		return "peer closed"
	}
	return c.cause.Error()
}

func (c *conn) satellite() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *conn) logger() *slog.Logger {
	l := slog.Default().With("remote", c.remote)
	if id := c.satellite(); id != "" {
		l = l.With("satellite_uuid", id)
	}
	return l
}

// send queues f for the writer. It returns [ErrConnClosed] once the
// connection is closing.
func (c *conn) send(f dap2.Frame) error {
	return c.enqueue(outbound{frame: f})
}

func (c *conn) enqueue(o outbound) error {
	if c.compress.Load() && o.frame.Type.Kind() != dap2.KindSequence {
		var fl dap2.Flags
		o.frame.Payload, fl = dap2.Pack(o.frame.Payload, c.srv.cfg.CompressThreshold)
		o.frame.Flags |= fl
	}
	q := c.out
	if o.frame.Flags.Has(dap2.FlagPriority) {
		q = c.prio
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case q <- o:
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

func (c *conn) nack(seq uint32, code, msg string) {
	f, err := dap2.JSONFrame(dap2.TypeNack, dap2.Nack{Sequence: seq, Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = c.send(f)
}

// forget drops a pending acknowledgement whose waiter gave up.
func (c *conn) forget(acked chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, ch := range c.pending {
		if ch == acked {
			delete(c.pending, seq)
		}
	}
}

// resolve delivers the peer's answer to a frame sent with AckRequested.
func (c *conn) resolve(seq uint32, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

// writeLoop is the only code that writes to the transport. Priority frames
// are written before queued normal frames.
func (c *conn) writeLoop() {
	defer c.wg.Done()
	for {
		var o outbound
		select {
		case <-c.closed:
			return
		case o = <-c.prio:
		default:
			select {
			case <-c.closed:
				return
			case o = <-c.prio:
			case o = <-c.out:
			}
		}
		if err := c.write(o); err != nil {
			c.close(err)
			return
		}
	}
}

func (c *conn) write(o outbound) error {
	c.sendSeq++
	o.frame.Sequence = c.sendSeq
	if o.acked != nil {
		c.mu.Lock()
		if c.pending == nil {
			c.mu.Unlock()
			o.acked <- ErrConnClosed
			return ErrConnClosed
		}
		c.pending[o.frame.Sequence] = o.acked
		c.mu.Unlock()
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	if err := c.wr.WriteFrame(o.frame); err != nil {
		return err
	}
	c.srv.metrics.RecordFrame(c.ctx, false, o.frame.Type.String())
	return nil
}

// readLoop reads and dispatches frames until the transport fails or the
// frame error policy closes the connection.
func (c *conn) readLoop() error {
	for {
		f, err := c.rd.ReadFrame()
		if err != nil {
			var me *dap2.MalformedError
			if !errors.As(err, &me) {
				return err
			}
			c.frameErrs++
			c.srv.metrics.RecordFrameError(c.ctx, string(me.Reason))
			c.logger().Warn("malformed frame", "reason", me.Reason, "detail", me.Detail, "count", c.frameErrs)
			if me.Desynced() || me.Reason == dap2.ReasonTruncated || c.frameErrs >= c.srv.cfg.MaxFrameErrors {
				return err
			}
			continue
		}

		select {
		case c.activity <- struct{}{}:
		default:
		}
		c.srv.metrics.RecordFrame(c.ctx, true, f.Type.String())

		payload, err := dap2.Unpack(f, c.srv.cfg.MaxPayload)
		if err == nil {
			err = dap2.Validate(f.Type, payload)
		}
		if err != nil {
			code := dap2.CodeInvalidPayload
			if errors.Is(err, dap2.ErrUnknownType) {
				code = dap2.CodeUnknownType
			}
			c.logger().Warn("rejected frame", "type", f.Type.String(), "seq", f.Sequence, "err", err)
			c.nack(f.Sequence, code, err.Error())
			continue
		}
		c.dispatch(f, payload)
	}
}

func (c *conn) queryContext(parent context.Context) context.Context {
	return observe.WithSatellite(parent, c.satellite())
}
