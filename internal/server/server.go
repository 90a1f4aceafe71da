// Package server accepts satellite connections and speaks DAP2 on them.
//
// Every accepted transport gets its own connection handler: one reader
// goroutine that decodes and dispatches frames in arrival order, one writer
// goroutine that is the only code touching the transport's write side, a
// keepalive goroutine and at most one query goroutine. Connections share
// state only through the [session.Manager].
//
// Transports are plain TCP (optionally TLS) and WebSocket; both are adapted to
// a net.Conn so the handler is transport-agnostic.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dawn/internal/history"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/internal/orchestrator"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultMaxFrameErrors = 5
	DefaultQueryTimeout   = 30 * time.Second
	DefaultSweepInterval  = time.Minute
	DefaultPruneInterval  = time.Hour
	DefaultCommandTimeout = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxUpload      = 8 << 20
)

var (
	// ErrConnClosed is returned when a frame is sent on a closed connection.
	ErrConnClosed = errors.New("server: connection closed")

	// ErrAckTimeout is returned by [Server.SendCommand] when the satellite
	// does not acknowledge the command in time.
	ErrAckTimeout = errors.New("server: command not acknowledged")

	errSuperseded = errors.New("superseded by a newer connection")
	errShutdown   = errors.New("server shutting down")
)

// Config holds the server's tuning knobs.
type Config struct {
	// ListenAddr is the TCP address for DAP2 ("0.0.0.0:7700"). Empty disables
	// the TCP listener.
	ListenAddr string

	// WebSocketAddr is the HTTP address serving DAP2 over WebSocket at
	// /dap2. Empty disables it.
	WebSocketAddr string

	// TLS, when non-nil, wraps both listeners.
	TLS *tls.Config

	// MaxPayload is the largest accepted payload. Zero selects
	// [dap2.DefaultMaxPayload].
	MaxPayload int

	// MaxFrameErrors is how many malformed frames a connection may send
	// before it is closed.
	MaxFrameErrors int

	// CompressThreshold is the payload size from which outbound frames are
	// compressed for satellites that support it. Zero disables compression.
	CompressThreshold int

	// MaxUpload caps the accumulated size of one streamed audio query.
	MaxUpload int

	Keepalive KeepaliveConfig

	// QueryTimeout bounds one query from submission to ResponseEnd.
	QueryTimeout time.Duration

	// SweepInterval is how often expired sessions are removed.
	SweepInterval time.Duration

	// Retention is how long conversation turns are kept. Zero keeps them
	// forever.
	Retention time.Duration

	// PruneInterval is how often turns older than Retention are deleted.
	PruneInterval time.Duration

	// CommandTimeout bounds the wait for a Command acknowledgement.
	CommandTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPayload <= 0 {
		c.MaxPayload = dap2.DefaultMaxPayload
	}
	if c.MaxFrameErrors <= 0 {
		c.MaxFrameErrors = DefaultMaxFrameErrors
	}
	if c.MaxUpload <= 0 {
		c.MaxUpload = DefaultMaxUpload
	}
	c.Keepalive = c.Keepalive.withDefaults()
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Server serves DAP2 to satellites.
type Server struct {
	cfg      Config
	sessions *session.Manager
	orch     orchestrator.Orchestrator
	store    history.Store
	metrics  *observe.Metrics

	mu           sync.Mutex
	keepalive    KeepaliveConfig
	queryTimeout time.Duration
	conns        map[*conn]struct{}
	addr         net.Addr
	wsAddr       net.Addr
	baseCtx      context.Context

	wg sync.WaitGroup
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHistoryStore enables retention pruning of conversation turns in store.
func WithHistoryStore(store history.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server. Zero-valued config fields get defaults.
func New(cfg Config, sessions *session.Manager, orch orchestrator.Orchestrator, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		orch:         orch,
		keepalive:    cfg.Keepalive,
		queryTimeout: cfg.QueryTimeout,
		conns:        make(map[*conn]struct{}),
		baseCtx:      context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetKeepalive changes the keepalive settings of connections accepted from
// now on.
func (s *Server) SetKeepalive(k KeepaliveConfig) {
	s.mu.Lock()
	s.keepalive = k.withDefaults()
	s.mu.Unlock()
}

// SetQueryTimeout changes the query timeout of connections accepted from now
// on. Zero selects [DefaultQueryTimeout].
func (s *Server) SetQueryTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultQueryTimeout
	}
	s.mu.Lock()
	s.queryTimeout = d
	s.mu.Unlock()
}

// Addr returns the bound TCP address, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// WebSocketAddr returns the bound WebSocket address, or nil.
func (s *Server) WebSocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsAddr
}

// Connections returns the number of open satellite transports.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run binds the configured listeners and serves until ctx is cancelled or a
// listener fails. On return every connection is closed and sessions are
// flushed to storage.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.ListenAddr != "" {
		ln, err := s.listen(s.cfg.ListenAddr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.addr = ln.Addr()
		s.mu.Unlock()
		slog.Info("dap2 listener started", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)
		g.Go(func() error { return s.Serve(gctx, ln) })
	}
	if s.cfg.WebSocketAddr != "" {
		ln, err := s.listen(s.cfg.WebSocketAddr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.wsAddr = ln.Addr()
		s.mu.Unlock()
		slog.Info("dap2 websocket listener started", "addr", ln.Addr().String())
		g.Go(func() error { return s.serveWebSocket(gctx, ln) })
	}
	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})
	if s.store != nil && s.cfg.Retention > 0 {
		g.Go(func() error {
			s.pruneLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.closeAll(errShutdown)
	s.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := s.sessions.Flush(flushCtx); ferr != nil {
		err = errors.Join(err, fmt.Errorf("server: flush sessions: %w", ferr))
	}
	return err
}

func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn runs the connection handler on nc until the transport closes,
// the connection is superseded, keepalive gives up, or ctx is cancelled. It
// takes ownership of nc.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := s.newConn(ctx, nc)
	s.track(c, true)
	defer s.track(c, false)

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	stop := context.AfterFunc(ctx, func() { c.close(context.Cause(ctx)) })
	defer stop()

	c.logger().Debug("satellite connected")
	c.wg.Add(2)
	go c.writeLoop()
	go c.keepaliveLoop()

	err := c.readLoop()
	c.close(err)
	c.wg.Wait()

	if id := c.satellite(); id != "" {
		s.sessions.MarkDisconnected(context.WithoutCancel(ctx), id, c)
	}
	c.logger().Info("connection closed", "reason", c.closeReason())
}

func (s *Server) track(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeAll(cause error) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(cause)
	}
}

// SendCommand delivers cmd to the connected satellite id and waits for its
// acknowledgement. A Nack from the satellite is returned as a
// [*dap2.ErrorInfo]. An empty cmd.ID is filled with a random UUID.
func (s *Server) SendCommand(ctx context.Context, id string, cmd dap2.Command) error {
	owner, err := s.sessions.Owner(id)
	if err != nil {
		return err
	}
	c, ok := owner.(*conn)
	if !ok {
		return fmt.Errorf("server: session %s is not served here", id)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	f, err := dap2.JSONFrame(dap2.TypeCommand, cmd)
	if err != nil {
		return err
	}
	f.Flags |= dap2.FlagAckRequested | dap2.FlagPriority

	acked := make(chan error, 1)
	if err := c.enqueue(outbound{frame: f, acked: acked}); err != nil {
		return err
	}
	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case err := <-acked:
		return err
	case <-timer.C:
		c.forget(acked)
		c.logger().Warn("command not acknowledged", "command", cmd.Name, "command_id", cmd.ID,
			"timeout", s.cfg.CommandTimeout)
		return ErrAckTimeout
	case <-ctx.Done():
		c.forget(acked)
		return ctx.Err()
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.sessions.SweepExpired(ctx, now)
		}
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.store.PruneOlderThan(ctx, now.Add(-s.cfg.Retention))
			if err != nil {
				slog.Warn("prune conversation history", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned conversation history", "turns", n, "retention", s.cfg.Retention)
			}
		}
	}
}

func (s *Server) serveWebSocket(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("GET "+WebSocketPath, s.WebSocketHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: websocket: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}
