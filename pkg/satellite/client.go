// Package satellite is the device side of the DAP2 link: a client that
// registers with dawnd, keeps the connection alive, reconnects with
// exponential backoff and answers locally while the daemon is unreachable.
//
// Typical use:
//
//	c, err := satellite.New(satellite.Config{Addr: "dawn.local:7700", Identity: id, Tier: dap2.TierFull})
//	go c.Run(ctx)
//	reply, err := c.Answer(ctx, "turn on the lights")
package satellite

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dawn/pkg/audio/codec"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// DegradedReply is the local answer given while the daemon is unreachable.
const DegradedReply = "I can't reach the server right now."

// Client defaults.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultCompressThreshold = 1024
	DefaultKeepaliveInterval = 60 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	defaultMaxMissed         = 3
	maxFrameErrors           = 5
	maxUploadChunk           = 32 << 10
	chunkBuffer              = 16
)

var (
	// ErrDegraded is returned by queries issued while no registered
	// connection exists. [DegradedReply] is the answer to present.
	ErrDegraded = errors.New("satellite: daemon unreachable")

	// ErrQueryInProgress is returned when a query is issued before the
	// previous one has ended.
	ErrQueryInProgress = errors.New("satellite: a query is already in progress")

	// ErrDisconnected ends a query whose connection dropped mid-response.
	ErrDisconnected = errors.New("satellite: connection lost")

	// ErrNotAudioTier is returned by [Client.QueryAudio] on full-tier clients.
	ErrNotAudioTier = errors.New("satellite: audio queries require the audio tier")

	errKeepalive = errors.New("satellite: daemon not responding")
)

// Transport selects how the client reaches the daemon.
type Transport string

const (
	// TransportTCP speaks DAP2 over a plain or TLS TCP stream.
	TransportTCP Transport = "tcp"
	// TransportWebSocket speaks DAP2 over binary WebSocket messages.
	TransportWebSocket Transport = "websocket"
)

// Config configures a [Client].
type Config struct {
	// Addr is the daemon address: host:port for either transport, or a full
	// ws:// or wss:// URL for WebSocket.
	Addr string

	// Transport defaults to [TransportTCP].
	Transport Transport

	// TLS, when non-nil, secures the connection.
	TLS *tls.Config

	Identity     dap2.Identity
	Tier         dap2.Tier
	Capabilities dap2.Capabilities

	// Backoff paces reconnect attempts.
	Backoff Backoff

	// DialTimeout bounds connecting plus registration. Defaults to 10s.
	DialTimeout time.Duration

	// MaxPayload is the largest accepted inbound payload. Zero selects
	// [dap2.DefaultMaxPayload].
	MaxPayload int

	// CompressThreshold is the payload size from which outbound frames are
	// compressed once the daemon agrees. Defaults to 1024.
	CompressThreshold int

	// KeepaliveTimeout is how long to wait for any frame after a ping.
	// The ping interval comes from the daemon's RegisterAck.
	KeepaliveTimeout time.Duration

	// OnCommand handles daemon commands. It runs on the reader goroutine and
	// must return promptly. A returned [*dap2.ErrorInfo] is sent back as a
	// Nack with its code. Nil rejects every command as unsupported.
	OnCommand func(ctx context.Context, cmd dap2.Command) error

	// OnConnect, if set, is called after every acknowledged registration.
	OnConnect func(ack dap2.RegisterAck)
}

// Chunk is one piece of a streamed answer. Exactly one of the fields is set.
type Chunk struct {
	Text  string
	Audio []byte // PCM decoded with the negotiated codec
	Err   error
}

// Client keeps one satellite registered with the daemon.
type Client struct {
	cfg     Config
	backoff Backoff
	codec   codec.Codec

	mu    sync.Mutex
	link  *link
	ack   dap2.RegisterAck
	query *pending
}

// pending is the one query awaiting ResponseEnd.
type pending struct {
	ch     chan Chunk
	ctx    context.Context
	cancel context.CancelFunc
	seqs   []uint32
}

// New validates cfg and returns a disconnected client. Call [Client.Run] to
// connect.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("satellite: daemon address is required")
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.Transport != TransportTCP && cfg.Transport != TransportWebSocket {
		return nil, fmt.Errorf("satellite: unknown transport %q", cfg.Transport)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = dap2.DefaultMaxPayload
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	cfg.Capabilities.Streaming = cfg.Capabilities.Streaming || cfg.Tier == dap2.TierFull

	c := &Client{cfg: cfg, backoff: cfg.Backoff}
	if err := c.registration().Validate(); err != nil {
		return nil, fmt.Errorf("satellite: invalid registration: %w", err)
	}
	if cfg.Tier == dap2.TierAudio {
		cd, err := codec.Lookup(cfg.Capabilities.AudioCodec)
		if err != nil {
			return nil, fmt.Errorf("satellite: %w", err)
		}
		c.codec = cd
	}
	return c, nil
}

func (c *Client) registration() dap2.Register {
	return dap2.Register{
		Identity:        c.cfg.Identity,
		Tier:            c.cfg.Tier,
		Capabilities:    c.cfg.Capabilities,
		ProtocolVersion: int(dap2.Version),
	}
}

func (c *Client) logger() *slog.Logger {
	return slog.Default().With("satellite_uuid", c.cfg.Identity.UUID, "daemon", c.cfg.Addr)
}

// Connected reports whether the client currently holds a registered
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Session returns the last RegisterAck and whether it belongs to the current
// connection.
func (c *Client) Session() (dap2.RegisterAck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ack, c.link != nil
}

// Run connects, registers and serves the connection until ctx is cancelled.
// Every failed attempt or dropped connection is followed by a delay from the
// backoff; the backoff restarts after each acknowledged registration. Run
// returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		l, err := c.connect(ctx)
		if err == nil {
			c.backoff.Reset()
			err = c.serve(ctx, l)
		}
		if ctx.Err() != nil {
			return nil
		}
		d := c.backoff.Next()
		c.logger().Warn("daemon connection failed, retrying", "err", err, "retry_in", d)
		if sleep(ctx, d) != nil {
			return nil
		}
	}
}

// connect dials and performs a full registration.
func (c *Client) connect(ctx context.Context) (*link, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	nc, err := c.dial(dctx, ctx)
	if err != nil {
		return nil, err
	}
	l := newLink(nc, c.cfg.MaxPayload)
	ack, err := c.register(dctx, l)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if ack.Compression {
		l.compress = c.cfg.CompressThreshold
	}
	if ack.MaxPayload > 0 {
		l.peerMax = ack.MaxPayload
	}

	c.mu.Lock()
	c.link = l
	c.ack = ack
	c.mu.Unlock()

	c.logger().Info("registered with daemon",
		"session_id", ack.SessionID,
		"conversation_restored", ack.ConversationRestored,
		"protocol_version", ack.ProtocolVersion,
		"compression", ack.Compression,
	)
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(ack)
	}
	return l, nil
}

func (c *Client) dial(ctx, connCtx context.Context) (net.Conn, error) {
	if c.cfg.Transport == TransportWebSocket {
		u := c.websocketURL()
		opts := &websocket.DialOptions{Subprotocols: []string{dap2.WebSocketSubprotocol}}
		if c.cfg.TLS != nil {
			opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.cfg.TLS}}
		}
		ws, _, err := websocket.Dial(ctx, u, opts)
		if err != nil {
			return nil, fmt.Errorf("satellite: dial %s: %w", u, err)
		}
		ws.SetReadLimit(int64(c.cfg.MaxPayload + dap2.HeaderSize))
		return websocket.NetConn(connCtx, ws, websocket.MessageBinary), nil
	}

	d := &net.Dialer{}
	var (
		nc  net.Conn
		err error
	)
	if c.cfg.TLS != nil {
		nc, err = (&tls.Dialer{NetDialer: d, Config: c.cfg.TLS}).DialContext(ctx, "tcp", c.cfg.Addr)
	} else {
		nc, err = d.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("satellite: dial %s: %w", c.cfg.Addr, err)
	}
	return nc, nil
}

func (c *Client) websocketURL() string {
	if strings.Contains(c.cfg.Addr, "://") {
		return c.cfg.Addr
	}
	scheme := "ws"
	if c.cfg.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + c.cfg.Addr + dap2.WebSocketPath
}

// register sends Register and waits for the daemon's answer. Pings that
// arrive first are answered.
func (c *Client) register(ctx context.Context, l *link) (dap2.RegisterAck, error) {
	f, err := dap2.JSONFrame(dap2.TypeRegister, c.registration())
	if err != nil {
		return dap2.RegisterAck{}, err
	}
	if _, err := l.send(f, nil); err != nil {
		return dap2.RegisterAck{}, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.nc.SetReadDeadline(dl)
		defer func() { _ = l.nc.SetReadDeadline(time.Time{}) }()
	}
	for {
		f, err := l.rd.ReadFrame()
		if err != nil {
			return dap2.RegisterAck{}, fmt.Errorf("satellite: await RegisterAck: %w", err)
		}
		payload, err := dap2.Unpack(f, c.cfg.MaxPayload)
		if err != nil {
			return dap2.RegisterAck{}, err
		}
		switch f.Type {
		case dap2.TypeRegisterAck:
			var ack dap2.RegisterAck
			if err := dap2.DecodeJSON(f.Type, payload, &ack); err != nil {
				return dap2.RegisterAck{}, err
			}
			return ack, nil
		case dap2.TypeNack:
			var n dap2.Nack
			if err := dap2.DecodeJSON(f.Type, payload, &n); err != nil {
				return dap2.RegisterAck{}, err
			}
			return dap2.RegisterAck{}, fmt.Errorf("satellite: registration rejected: %w",
				&dap2.ErrorInfo{Code: n.Code, Message: n.Message})
		case dap2.TypePing:
			_, _ = l.send(dap2.Frame{Type: dap2.TypePong, Flags: dap2.FlagPriority, Payload: payload}, nil)
		}
	}
}

// serve reads frames until the transport fails, keepalive gives up or ctx
// is cancelled. Any in-flight query ends with [ErrDisconnected].
func (c *Client) serve(ctx context.Context, l *link) error {
	defer c.detach(l)
	stop := context.AfterFunc(ctx, func() { l.close(context.Cause(ctx)) })
	defer stop()

	c.mu.Lock()
	interval := time.Duration(c.ack.KeepaliveSeconds) * time.Second
	c.mu.Unlock()
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	go l.keepalive(interval, c.cfg.KeepaliveTimeout)

	var frameErrs int
	for {
		f, err := l.rd.ReadFrame()
		if err != nil {
			var me *dap2.MalformedError
			if errors.As(err, &me) && !me.Desynced() && me.Reason != dap2.ReasonTruncated && frameErrs < maxFrameErrors {
				frameErrs++
				c.logger().Warn("malformed frame from daemon", "reason", me.Reason, "detail", me.Detail)
				continue
			}
			if cause := l.cause(); cause != nil {
				return cause
			}
			return err
		}
		l.touch()

		payload, err := dap2.Unpack(f, c.cfg.MaxPayload)
		if err == nil {
			err = dap2.Validate(f.Type, payload)
		}
		if err != nil {
			code := dap2.CodeInvalidPayload
			if errors.Is(err, dap2.ErrUnknownType) {
				code = dap2.CodeUnknownType
			}
			c.logger().Warn("rejected frame from daemon", "type", f.Type.String(), "seq", f.Sequence, "err", err)
			l.nack(f.Sequence, code, err.Error())
			continue
		}
		c.handle(ctx, l, f, payload)
	}
}

func (c *Client) handle(ctx context.Context, l *link, f dap2.Frame, payload []byte) {
	switch f.Type {
	case dap2.TypePing:
		_, _ = l.send(dap2.Frame{Type: dap2.TypePong, Flags: dap2.FlagPriority, Payload: payload}, nil)
	case dap2.TypeResponse, dap2.TypeResponseStream:
		c.deliver(Chunk{Text: string(payload)})
	case dap2.TypeResponseAudio:
		if c.codec == nil {
			c.logger().Warn("audio response on a full-tier connection", "seq", f.Sequence)
			return
		}
		pcm, err := c.codec.Decode(payload)
		if err != nil {
			c.deliver(Chunk{Err: fmt.Errorf("satellite: decode %s audio: %w", c.codec.Name(), err)})
			return
		}
		c.deliver(Chunk{Audio: pcm})
	case dap2.TypeResponseEnd:
		var end dap2.ResponseEnd
		if err := dap2.DecodeJSON(f.Type, payload, &end); err != nil {
			c.finish(err)
			return
		}
		if end.Error != nil {
			c.finish(end.Error)
			return
		}
		c.finish(nil)
	case dap2.TypeNack:
		var n dap2.Nack
		if err := dap2.DecodeJSON(f.Type, payload, &n); err != nil {
			return
		}
		c.logger().Warn("daemon rejected frame", "seq", n.Sequence, "code", n.Code, "message", n.Message)
		if c.ownsSequence(n.Sequence) {
			c.finish(&dap2.ErrorInfo{Code: n.Code, Message: n.Message})
		}
	case dap2.TypeCommand:
		c.handleCommand(ctx, l, f, payload)
	case dap2.TypeAck, dap2.TypePong, dap2.TypeRegisterAck:
	default:
		l.nack(f.Sequence, dap2.CodeUnsupported, f.Type.String()+" is only sent by satellites")
	}
}

func (c *Client) handleCommand(ctx context.Context, l *link, f dap2.Frame, payload []byte) {
	var cmd dap2.Command
	err := dap2.DecodeJSON(f.Type, payload, &cmd)
	if err == nil {
		if c.cfg.OnCommand == nil {
			err = &dap2.ErrorInfo{Code: dap2.CodeUnsupported, Message: "this satellite accepts no commands"}
		} else {
			err = c.cfg.OnCommand(ctx, cmd)
		}
	}
	log := c.logger().With("command", cmd.Name, "command_id", cmd.ID)
	if err != nil {
		log.Warn("command failed", "err", err)
	} else {
		log.Info("command executed")
	}
	if !f.Flags.Has(dap2.FlagAckRequested) {
		return
	}
	if err == nil {
		_, _ = l.send(dap2.AckFrame(f.Sequence), nil)
		return
	}
	var ei *dap2.ErrorInfo
	if !errors.As(err, &ei) {
		ei = &dap2.ErrorInfo{Code: dap2.CodeInvalidPayload, Message: err.Error()}
	}
	l.nack(f.Sequence, ei.Code, ei.Message)
}

// detach forgets l and ends any in-flight query.
func (c *Client) detach(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	l.close(nil)
	c.finish(ErrDisconnected)
	c.logger().Info("disconnected from daemon", "reason", l.cause())
}

// Query sends text and streams the answer. The channel is closed after the
// daemon's ResponseEnd; a failed query delivers one final Chunk with Err set.
// While disconnected Query returns [ErrDegraded] without queueing.
func (c *Client) Query(ctx context.Context, text string) (<-chan Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("satellite: empty query")
	}
	return c.start(ctx, []dap2.Frame{dap2.TextFrame(dap2.TypeQuery, text)})
}

// QueryAudio encodes pcm with the negotiated codec and uploads it as one
// streamed QueryAudio. Answers carry decoded PCM.
func (c *Client) QueryAudio(ctx context.Context, pcm []byte) (<-chan Chunk, error) {
	if c.codec == nil {
		return nil, ErrNotAudioTier
	}
	if len(pcm) == 0 {
		return nil, errors.New("satellite: empty audio query")
	}
	data, err := c.codec.Encode(pcm)
	if err != nil {
		return nil, fmt.Errorf("satellite: encode %s: %w", c.codec.Name(), err)
	}

	size := maxUploadChunk
	c.mu.Lock()
	if l := c.link; l != nil && l.peerMax > 0 {
		size = min(size, l.peerMax)
	}
	c.mu.Unlock()

	var frames []dap2.Frame
	for len(data) > 0 {
		n := min(size, len(data))
		f := dap2.Frame{Type: dap2.TypeQueryAudio, Payload: data[:n]}
		data = data[n:]
		if len(data) > 0 {
			f.Flags = dap2.FlagStreaming
		}
		frames = append(frames, f)
	}
	return c.start(ctx, frames)
}

func (c *Client) start(ctx context.Context, frames []dap2.Frame) (<-chan Chunk, error) {
	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return nil, ErrDegraded
	}
	if c.query != nil {
		c.mu.Unlock()
		return nil, ErrQueryInProgress
	}
	qctx, cancel := context.WithCancel(ctx)
	q := &pending{ch: make(chan Chunk, chunkBuffer), ctx: qctx, cancel: cancel}
	c.query = q
	c.mu.Unlock()

	record := func(seq uint32) {
		c.mu.Lock()
		q.seqs = append(q.seqs, seq)
		c.mu.Unlock()
	}
	for _, f := range frames {
		if _, err := l.send(f, record); err != nil {
			c.mu.Lock()
			if c.query == q {
				c.query = nil
			}
			c.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("%w: %w", ErrDegraded, err)
		}
	}
	return q.ch, nil
}

func (c *Client) ownsSequence(seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query != nil && containsSeq(c.query.seqs, seq)
}

func containsSeq(seqs []uint32, seq uint32) bool {
	for _, s := range seqs {
		if s == seq {
			return true
		}
	}
	return false
}

// deliver passes ch to the in-flight query. Chunks for an abandoned query
// are dropped. Only the reader goroutine calls deliver and finish.
func (c *Client) deliver(ch Chunk) {
	c.mu.Lock()
	q := c.query
	c.mu.Unlock()
	if q == nil {
		c.logger().Debug("response without a query")
		return
	}
	select {
	case q.ch <- ch:
	case <-q.ctx.Done():
	}
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	q := c.query
	c.query = nil
	c.mu.Unlock()
	if q == nil {
		return
	}
	if err != nil {
		select {
		case q.ch <- Chunk{Err: err}:
		case <-q.ctx.Done():
		}
	}
	close(q.ch)
	q.cancel()
}

// Answer runs a text query and collects the full reply. While disconnected
// it returns [DegradedReply] together with [ErrDegraded].
func (c *Client) Answer(ctx context.Context, text string) (string, error) {
	ch, err := c.Query(ctx, text)
	if errors.Is(err, ErrDegraded) {
		return DegradedReply, err
	}
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return b.String(), nil
			}
			if chunk.Err != nil {
				return b.String(), chunk.Err
			}
			b.WriteString(chunk.Text)
		case <-ctx.Done():
			return b.String(), ctx.Err()
		}
	}
}

// SendStatus reports st to the daemon.
func (c *Client) SendStatus(ctx context.Context, st dap2.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrDegraded
	}
	f, err := dap2.JSONFrame(dap2.TypeStatus, st)
	if err != nil {
		return err
	}
	_, err = l.send(f, nil)
	return err
}
