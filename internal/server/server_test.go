package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/dawn/internal/history"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/internal/orchestrator"
	"github.com/MrWong99/dawn/internal/orchestrator/mock"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/dap2"
	"github.com/MrWong99/dawn/pkg/provider/stt"
)

const (
	kitchenUUID = "6f1c2a9e-3b4d-4e5f-8a7b-0c1d2e3f4a5b"
	bedroomUUID = "0b7e4c1a-9d2f-4a6b-8c3e-5f1a2b3c4d5e"
)

var lights = []orchestrator.Chunk{{Text: "I'll turn"}, {Text: " on the lights"}}

func newTestServer(t *testing.T, orch orchestrator.Orchestrator, cfg Config) (*Server, *session.Manager) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	sessions := session.NewManager(session.ManagerConfig{Metrics: m})
	return New(cfg, sessions, orch, WithMetrics(m)), sessions
}

// peer is the satellite end of a net.Pipe served by ServeConn.
type peer struct {
	t    *testing.T
	nc   net.Conn
	rd   *dap2.Reader
	wr   *dap2.Writer
	seq  uint32
	done chan struct{}
}

func dial(t *testing.T, srv *Server) *peer {
	t.Helper()
	client, server := net.Pipe()
	p := &peer{
		t:    t,
		nc:   client,
		rd:   dap2.NewReader(client, 0),
		wr:   dap2.NewWriter(client),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		srv.ServeConn(context.Background(), server)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		<-p.done
	})
	return p
}

func (p *peer) send(f dap2.Frame) uint32 {
	p.t.Helper()
	p.seq++
	f.Sequence = p.seq
	_ = p.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := p.wr.WriteFrame(f); err != nil {
		p.t.Fatalf("write %s: %v", f.Type, err)
	}
	return f.Sequence
}

func (p *peer) sendJSON(typ dap2.Type, v any) uint32 {
	p.t.Helper()
	f, err := dap2.JSONFrame(typ, v)
	if err != nil {
		p.t.Fatalf("JSONFrame: %v", err)
	}
	return p.send(f)
}

func (p *peer) next(timeout time.Duration) (dap2.Frame, error) {
	_ = p.nc.SetReadDeadline(time.Now().Add(timeout))
	return p.rd.ReadFrame()
}

func (p *peer) expect(typ dap2.Type) dap2.Frame {
	p.t.Helper()
	f, err := p.next(2 * time.Second)
	if err != nil {
		p.t.Fatalf("waiting for %s: %v", typ, err)
	}
	if f.Type != typ {
		p.t.Fatalf("got %s %q, want %s", f.Type, f.Payload, typ)
	}
	return f
}

func (p *peer) expectNack(seq uint32, code string) {
	p.t.Helper()
	var n dap2.Nack
	if err := dap2.DecodeJSON(dap2.TypeNack, p.expect(dap2.TypeNack).Payload, &n); err != nil {
		p.t.Fatal(err)
	}
	if n.Sequence != seq || n.Code != code {
		p.t.Fatalf("nack = %+v, want sequence %d code %s", n, seq, code)
	}
}

func (p *peer) expectEnd() *dap2.ErrorInfo {
	p.t.Helper()
	var end dap2.ResponseEnd
	if err := dap2.DecodeJSON(dap2.TypeResponseEnd, p.expect(dap2.TypeResponseEnd).Payload, &end); err != nil {
		p.t.Fatal(err)
	}
	return end.Error
}

func (p *peer) expectClosed() {
	p.t.Helper()
	for {
		f, err := p.next(2 * time.Second)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				p.t.Fatal("connection still open")
			}
			return
		}
		if f.Type != dap2.TypePing {
			p.t.Fatalf("unexpected %s while waiting for close", f.Type)
		}
	}
}

func registration(id string, tier dap2.Tier, caps dap2.Capabilities) dap2.Register {
	return dap2.Register{
		Identity:        dap2.Identity{UUID: id, Name: "kitchen satellite", Location: "kitchen"},
		Tier:            tier,
		Capabilities:    caps,
		ProtocolVersion: 2,
	}
}

func (p *peer) register(reg dap2.Register) dap2.RegisterAck {
	p.t.Helper()
	p.sendJSON(dap2.TypeRegister, reg)
	var ack dap2.RegisterAck
	if err := dap2.DecodeJSON(dap2.TypeRegisterAck, p.expect(dap2.TypeRegisterAck).Payload, &ack); err != nil {
		p.t.Fatal(err)
	}
	return ack
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamingQuery(t *testing.T) {
	t.Parallel()
	orch := &mock.Orchestrator{Chunks: lights}
	srv, _ := newTestServer(t, orch, Config{})
	p := dial(t, srv)

	ack := p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{Streaming: true}))
	if ack.ConversationRestored || ack.ConversationAgeSeconds != nil {
		t.Errorf("fresh registration restored: %+v", ack)
	}
	if ack.SessionID == "" || ack.ProtocolVersion != 2 || ack.KeepaliveSeconds != 60 {
		t.Errorf("ack = %+v", ack)
	}

	p.send(dap2.TextFrame(dap2.TypeQuery, "turn on the lights"))
	var got []string
	for range 2 {
		got = append(got, string(p.expect(dap2.TypeResponseStream).Payload))
	}
	if diff := cmp.Diff([]string{"I'll turn", " on the lights"}, got); diff != "" {
		t.Errorf("stream mismatch (-want +got):\n%s", diff)
	}
	if e := p.expectEnd(); e != nil {
		t.Errorf("ResponseEnd error = %+v", e)
	}

	req := orch.Submitted()[0]
	if req.Text != "turn on the lights" || req.Location != "kitchen" || req.SatelliteUUID != kitchenUUID || req.HistoryID == "" {
		t.Errorf("request = %+v", req)
	}
}

func TestNonStreamingQuery(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{Chunks: lights}, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

	p.send(dap2.TextFrame(dap2.TypeQuery, "turn on the lights"))
	if got := string(p.expect(dap2.TypeResponse).Payload); got != "I'll turn on the lights" {
		t.Errorf("response = %q", got)
	}
	if e := p.expectEnd(); e != nil {
		t.Errorf("ResponseEnd error = %+v", e)
	}
}

func TestFrameBeforeRegister(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{Chunks: lights}, Config{})
	p := dial(t, srv)

	seq := p.send(dap2.TextFrame(dap2.TypeQuery, "hello"))
	p.expectNack(seq, dap2.CodeNotRegistered)

	// The connection survives and can still register.
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))
}

func TestRegisterRejected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		reg  dap2.Register
	}{
		{"bad uuid", registration("not-a-uuid", dap2.TierFull, dap2.Capabilities{})},
		{"unknown tier", registration(kitchenUUID, "partial", dap2.Capabilities{})},
		{"unsupported codec", registration(kitchenUUID, dap2.TierAudio, dap2.Capabilities{AudioCodec: "adpcm"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, sessions := newTestServer(t, &mock.Orchestrator{}, Config{})
			p := dial(t, srv)
			seq := p.sendJSON(dap2.TypeRegister, tt.reg)
			p.expectNack(seq, dap2.CodeRegistration)
			if len(sessions.List()) != 0 {
				t.Error("rejected registration created a session")
			}
		})
	}
}

func TestQueryInProgress(t *testing.T) {
	t.Parallel()
	orch := &mock.Orchestrator{Chunks: lights, BlockAfter: 1}
	srv, _ := newTestServer(t, orch, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{Streaming: true}))

	p.send(dap2.TextFrame(dap2.TypeQuery, "tell me a story"))
	p.expect(dap2.TypeResponseStream)

	seq := p.send(dap2.TextFrame(dap2.TypeQuery, "what time is it"))
	p.expectNack(seq, dap2.CodeQueryInProgress)
	if n := len(orch.Submitted()); n != 1 {
		t.Errorf("orchestrator saw %d queries, want 1", n)
	}
}

func TestDisconnectCancelsQuery(t *testing.T) {
	t.Parallel()
	orch := &mock.Orchestrator{Chunks: lights, BlockAfter: 1}
	srv, sessions := newTestServer(t, orch, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{Streaming: true}))

	p.send(dap2.TextFrame(dap2.TypeQuery, "tell me a story"))
	p.expect(dap2.TypeResponseStream)
	_ = p.nc.Close()

	select {
	case <-orch.Cancelled():
	case <-time.After(2 * time.Second):
		t.Fatal("query was not cancelled after disconnect")
	}
	<-p.done

	sess, err := sessions.Lookup(kitchenUUID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if sess.Status != session.StatusDisconnected || sess.QueryActive {
		t.Errorf("session after disconnect = %s, query active %v", sess.Status, sess.QueryActive)
	}
}

func TestQueryErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		orch     *mock.Orchestrator
		cfg      Config
		wantText []string
		wantCode string
	}{
		{
			name:     "upstream failure after partial text",
			orch:     &mock.Orchestrator{Chunks: []orchestrator.Chunk{{Text: "I'll"}, {Err: errors.New("llm: connection reset")}}},
			wantText: []string{"I'll"},
			wantCode: dap2.CodeUpstream,
		},
		{
			name:     "rejected submission",
			orch:     &mock.Orchestrator{SubmitErr: orchestrator.ErrAudioUnsupported},
			wantCode: dap2.CodeUnsupported,
		},
		{
			name:     "timeout",
			orch:     &mock.Orchestrator{Chunks: lights, BlockAfter: 1},
			cfg:      Config{QueryTimeout: 50 * time.Millisecond},
			wantText: []string{"I'll turn"},
			wantCode: dap2.CodeTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, sessions := newTestServer(t, tt.orch, tt.cfg)
			p := dial(t, srv)
			p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{Streaming: true}))

			p.send(dap2.TextFrame(dap2.TypeQuery, "hello"))
			for _, want := range tt.wantText {
				if got := string(p.expect(dap2.TypeResponseStream).Payload); got != want {
					t.Errorf("stream = %q, want %q", got, want)
				}
			}
			e := p.expectEnd()
			if e == nil || e.Code != tt.wantCode {
				t.Fatalf("ResponseEnd error = %+v, want %s", e, tt.wantCode)
			}

			// The slot is free again.
			sess, _ := sessions.Lookup(kitchenUUID)
			if sess.QueryActive {
				t.Error("query still marked active after ResponseEnd")
			}
		})
	}
}

func TestErrorInfo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("orchestrator: llm: %w", context.DeadlineExceeded), dap2.CodeTimeout},
		{fmt.Errorf("orchestrator: stt: %w", stt.ErrNoSpeech), dap2.CodeNoSpeech},
		{orchestrator.ErrEmptyQuery, dap2.CodeInvalidPayload},
		{orchestrator.ErrAudioUnsupported, dap2.CodeUnsupported},
		{context.Canceled, dap2.CodeCancelled},
		{errors.New("provider exploded with secret details"), dap2.CodeUpstream},
	}
	for _, tt := range tests {
		got := errorInfo(tt.err)
		if got.Code != tt.want {
			t.Errorf("errorInfo(%v).Code = %s, want %s", tt.err, got.Code, tt.want)
		}
	}
	if got := errorInfo(errors.New("secret")); got.Message == "secret" {
		t.Error("upstream error detail leaked to the satellite")
	}
}

func TestAudioTierQuery(t *testing.T) {
	t.Parallel()
	orch := &mock.Orchestrator{Chunks: []orchestrator.Chunk{
		{Transcript: "turn on the lights"},
		{Audio: []byte{1, 2}},
		{Text: "I'll turn on the lights"},
		{Audio: []byte{3}},
	}}
	srv, _ := newTestServer(t, orch, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierAudio, dap2.Capabilities{AudioCodec: "pcm16"}))

	p.send(dap2.Frame{Type: dap2.TypeQueryAudio, Flags: dap2.FlagStreaming, Payload: []byte{10, 11}})
	p.send(dap2.Frame{Type: dap2.TypeQueryAudio, Payload: []byte{12, 13}})

	var got [][]byte
	for range 2 {
		f := p.expect(dap2.TypeResponseAudio)
		if !f.Flags.Has(dap2.FlagStreaming) {
			t.Error("ResponseAudio without streaming flag")
		}
		got = append(got, f.Payload)
	}
	if diff := cmp.Diff([][]byte{{1, 2}, {3}}, got); diff != "" {
		t.Errorf("audio mismatch (-want +got):\n%s", diff)
	}
	if e := p.expectEnd(); e != nil {
		t.Errorf("ResponseEnd error = %+v", e)
	}

	req := orch.Submitted()[0]
	if diff := cmp.Diff([]byte{10, 11, 12, 13}, req.Audio); diff != "" || !req.WantAudio || req.AudioCodec != "pcm16" {
		t.Errorf("request = %+v", req)
	}
}

func TestQueryAudioFromFullTier(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

	seq := p.send(dap2.Frame{Type: dap2.TypeQueryAudio, Payload: []byte{0, 0}})
	p.expectNack(seq, dap2.CodeUnsupported)
}

func TestHandlersCoverCatalog(t *testing.T) {
	t.Parallel()
	for _, typ := range dap2.Types() {
		if handlers[typ] == nil {
			t.Errorf("no handler for %s", typ)
		}
	}
}

func TestDaemonOnlyTypes(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

	seq := p.send(dap2.TextFrame(dap2.TypeResponse, "I am the daemon now"))
	p.expectNack(seq, dap2.CodeUnsupported)
	seq = p.sendJSON(dap2.TypeCommand, dap2.Command{ID: "c1", Name: "reboot"})
	p.expectNack(seq, dap2.CodeUnsupported)
}

func TestInvalidPayload(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
	p := dial(t, srv)

	seq := p.send(dap2.Frame{Type: dap2.TypeRegister, Payload: []byte("{not json")})
	p.expectNack(seq, dap2.CodeInvalidPayload)
	seq = p.send(dap2.Frame{Type: dap2.Type(0x7f), Payload: []byte("?")})
	p.expectNack(seq, dap2.CodeUnknownType)
}

func TestStatusWithAck(t *testing.T) {
	t.Parallel()
	srv, sessions := newTestServer(t, &mock.Orchestrator{}, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

	vol := 40
	f, _ := dap2.JSONFrame(dap2.TypeStatus, dap2.Status{State: "listening", Volume: &vol})
	f.Flags |= dap2.FlagAckRequested
	seq := p.send(f)

	acked, err := dap2.AckedSequence(p.expect(dap2.TypeAck).Payload)
	if err != nil || acked != seq {
		t.Fatalf("ack = %d, %v; want %d", acked, err, seq)
	}
	sess, _ := sessions.Lookup(kitchenUUID)
	if sess.LastStatus == nil || sess.LastStatus.State != "listening" || *sess.LastStatus.Volume != 40 {
		t.Errorf("last status = %+v", sess.LastStatus)
	}
}

func TestPingPong(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

	p.send(dap2.Frame{Type: dap2.TypePing, Payload: []byte("nonce-7")})
	if got := string(p.expect(dap2.TypePong).Payload); got != "nonce-7" {
		t.Errorf("pong payload = %q", got)
	}
}

func TestPingBeforeRegister(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
	p := dial(t, srv)

	p.send(dap2.Frame{Type: dap2.TypePing, Payload: []byte("early")})
	if got := string(p.expect(dap2.TypePong).Payload); got != "early" {
		t.Errorf("pong payload = %q", got)
	}
	// Other types still need a registration.
	seq := p.send(dap2.TextFrame(dap2.TypeQuery, "hello"))
	p.expectNack(seq, dap2.CodeNotRegistered)
}

func TestKeepalive(t *testing.T) {
	t.Parallel()
	ka := KeepaliveConfig{Interval: 30 * time.Millisecond, Timeout: 30 * time.Millisecond, MaxMissed: 2}

	t.Run("silent peer is closed", func(t *testing.T) {
		t.Parallel()
		srv, sessions := newTestServer(t, &mock.Orchestrator{}, Config{Keepalive: ka})
		p := dial(t, srv)
		p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

		pings := 0
		for {
			f, err := p.next(2 * time.Second)
			if err != nil {
				break
			}
			if f.Type == dap2.TypePing {
				pings++
			}
		}
		if pings != ka.MaxMissed {
			t.Errorf("saw %d pings before close, want %d", pings, ka.MaxMissed)
		}
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
			t.Fatal("ServeConn did not return")
		}
		sess, err := sessions.Lookup(kitchenUUID)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if sess.Status != session.StatusDisconnected {
			t.Errorf("status = %s, want disconnected", sess.Status)
		}
	})

	t.Run("answering peer stays connected", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{Keepalive: ka})
		p := dial(t, srv)
		p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

		pings := 0
		deadline := time.Now().Add(300 * time.Millisecond)
		for time.Now().Before(deadline) {
			f, err := p.next(time.Until(deadline))
			if err != nil {
				break
			}
			if f.Type == dap2.TypePing {
				pings++
				p.send(dap2.Frame{Type: dap2.TypePong, Payload: f.Payload})
			}
		}
		if pings < 2 {
			t.Errorf("saw %d pings, want at least 2", pings)
		}
		if n := srv.Connections(); n != 1 {
			t.Errorf("connections = %d, want 1", n)
		}
	})
}

func TestMalformedFrames(t *testing.T) {
	t.Parallel()

	corrupt := func(t *testing.T) []byte {
		b, err := dap2.Encode(dap2.TextFrame(dap2.TypeQuery, "hello"))
		if err != nil {
			t.Fatal(err)
		}
		b[len(b)-1] ^= 0xff
		return b
	}

	t.Run("checksum errors up to the limit", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{MaxFrameErrors: 3})
		p := dial(t, srv)
		for range 2 {
			if _, err := p.nc.Write(corrupt(t)); err != nil {
				t.Fatal(err)
			}
		}
		// Still in sync and usable.
		p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

		if _, err := p.nc.Write(corrupt(t)); err != nil {
			t.Fatal(err)
		}
		p.expectClosed()
	})

	t.Run("bad magic closes immediately", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
		p := dial(t, srv)
		if _, err := p.nc.Write([]byte("GET / HTTP/1.1\r")); err != nil {
			t.Fatal(err)
		}
		p.expectClosed()
	})
}

func TestSupersede(t *testing.T) {
	t.Parallel()
	orch := &mock.Orchestrator{Chunks: lights}
	srv, sessions := newTestServer(t, orch, Config{})

	old := dial(t, srv)
	first := old.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

	fresh := dial(t, srv)
	ack := fresh.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))
	if !ack.ConversationRestored || ack.SessionID != first.SessionID {
		t.Errorf("ack = %+v, want restored session %s", ack, first.SessionID)
	}
	old.expectClosed()
	<-old.done

	// The old connection's teardown must not disconnect the new owner.
	sess, _ := sessions.Lookup(kitchenUUID)
	if sess.Status != session.StatusConnected {
		t.Fatalf("status = %s, want connected", sess.Status)
	}
	fresh.send(dap2.TextFrame(dap2.TypeQuery, "turn on the lights"))
	fresh.expect(dap2.TypeResponse)
	fresh.expectEnd()
}

func TestReconnectRestoresConversation(t *testing.T) {
	t.Parallel()
	orch := &mock.Orchestrator{Chunks: lights}
	srv, _ := newTestServer(t, orch, Config{})

	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))
	p.send(dap2.TextFrame(dap2.TypeQuery, "turn on the lights"))
	p.expect(dap2.TypeResponse)
	p.expectEnd()
	_ = p.nc.Close()
	<-p.done

	again := dial(t, srv)
	ack := again.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))
	if !ack.ConversationRestored || ack.ConversationAgeSeconds == nil {
		t.Fatalf("ack = %+v, want restored", ack)
	}
	again.send(dap2.TextFrame(dap2.TypeQuery, "and the heating"))
	again.expect(dap2.TypeResponse)
	again.expectEnd()

	reqs := orch.Submitted()
	if reqs[0].HistoryID != reqs[1].HistoryID {
		t.Errorf("history changed across reconnect: %s vs %s", reqs[0].HistoryID, reqs[1].HistoryID)
	}
}

func TestSendCommand(t *testing.T) {
	t.Parallel()

	readCommand := func(t *testing.T, p *peer) (dap2.Frame, dap2.Command) {
		t.Helper()
		f := p.expect(dap2.TypeCommand)
		if !f.Flags.Has(dap2.FlagAckRequested) {
			t.Error("command sent without ack request")
		}
		var cmd dap2.Command
		if err := dap2.DecodeJSON(f.Type, f.Payload, &cmd); err != nil {
			t.Fatal(err)
		}
		return f, cmd
	}

	t.Run("acknowledged", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
		p := dial(t, srv)
		p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

		errc := make(chan error, 1)
		go func() {
			errc <- srv.SendCommand(t.Context(), kitchenUUID, dap2.Command{Name: "set_volume", Args: map[string]any{"level": 30}})
		}()
		f, cmd := readCommand(t, p)
		if cmd.Name != "set_volume" || cmd.ID == "" {
			t.Errorf("command = %+v", cmd)
		}
		p.send(dap2.AckFrame(f.Sequence))
		if err := <-errc; err != nil {
			t.Errorf("SendCommand: %v", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
		p := dial(t, srv)
		p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

		errc := make(chan error, 1)
		go func() { errc <- srv.SendCommand(t.Context(), kitchenUUID, dap2.Command{Name: "self_destruct"}) }()
		f, _ := readCommand(t, p)
		p.sendJSON(dap2.TypeNack, dap2.Nack{Sequence: f.Sequence, Code: dap2.CodeUnsupported, Message: "unknown command"})

		var ei *dap2.ErrorInfo
		if err := <-errc; !errors.As(err, &ei) || ei.Code != dap2.CodeUnsupported {
			t.Errorf("SendCommand = %v, want unsupported", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{CommandTimeout: 50 * time.Millisecond})
		p := dial(t, srv)
		p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))

		errc := make(chan error, 1)
		go func() { errc <- srv.SendCommand(t.Context(), kitchenUUID, dap2.Command{Name: "chime"}) }()
		readCommand(t, p)
		if err := <-errc; !errors.Is(err, ErrAckTimeout) {
			t.Errorf("SendCommand = %v, want ErrAckTimeout", err)
		}
	})

	t.Run("unknown satellite", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, &mock.Orchestrator{}, Config{})
		if err := srv.SendCommand(t.Context(), bedroomUUID, dap2.Command{Name: "chime"}); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("SendCommand = %v, want ErrNotFound", err)
		}
	})
}

func TestRunServesTCP(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &mock.Orchestrator{Chunks: lights}, Config{ListenAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()
	waitFor(t, "listener", func() bool { return srv.Addr() != nil })

	nc, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	p := &peer{t: t, nc: nc, rd: dap2.NewReader(nc, 0), wr: dap2.NewWriter(nc)}
	p.register(registration(bedroomUUID, dap2.TierFull, dap2.Capabilities{Streaming: true}))
	p.send(dap2.TextFrame(dap2.TypeQuery, "turn on the lights"))
	p.expect(dap2.TypeResponseStream)
	p.expect(dap2.TypeResponseStream)
	p.expectEnd()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	p.expectClosed()
}

func TestCompression(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("the kitchen lights are on ", 20)
	orch := &mock.Orchestrator{Chunks: []orchestrator.Chunk{{Text: long}}}
	srv, _ := newTestServer(t, orch, Config{CompressThreshold: 64})
	p := dial(t, srv)

	ack := p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{Streaming: true, Compression: true}))
	if !ack.Compression {
		t.Fatal("RegisterAck did not enable compression")
	}

	query := strings.TrimSpace(strings.Repeat("turn on the lights ", 10))
	packed, fl := dap2.Pack([]byte(query), 64)
	if !fl.Has(dap2.FlagCompressed) {
		t.Fatal("query was not compressed")
	}
	p.send(dap2.Frame{Type: dap2.TypeQuery, Flags: fl, Payload: packed})

	f := p.expect(dap2.TypeResponseStream)
	if !f.Flags.Has(dap2.FlagCompressed) {
		t.Errorf("response flags = %08b, want compressed", f.Flags)
	}
	got, err := dap2.Unpack(f, dap2.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if string(got) != long {
		t.Errorf("response = %q", got)
	}
	if end := p.expectEnd(); end != nil {
		t.Errorf("ResponseEnd error = %+v", end)
	}

	if reqs := orch.Submitted(); len(reqs) != 1 || reqs[0].Text != query {
		t.Errorf("orchestrator saw %+v", reqs)
	}
}

func TestCompressionNotNegotiated(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("the kitchen lights are on ", 20)
	srv, _ := newTestServer(t, &mock.Orchestrator{Chunks: []orchestrator.Chunk{{Text: long}}}, Config{CompressThreshold: 64})
	p := dial(t, srv)

	if ack := p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{Streaming: true})); ack.Compression {
		t.Fatal("compression enabled for a satellite that did not offer it")
	}
	p.send(dap2.TextFrame(dap2.TypeQuery, "turn on the lights"))
	if f := p.expect(dap2.TypeResponseStream); f.Flags.Has(dap2.FlagCompressed) || string(f.Payload) != long {
		t.Errorf("response flags %08b payload %d bytes", f.Flags, len(f.Payload))
	}
	p.expectEnd()
}

func TestRunSweepsAndPrunes(t *testing.T) {
	t.Parallel()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	store := history.NewMemStore()
	sessions := session.NewManager(session.ManagerConfig{Store: store, IdleTimeout: 50 * time.Millisecond, Metrics: m})
	srv := New(Config{
		SweepInterval: 10 * time.Millisecond,
		Retention:     time.Hour,
		PruneInterval: 10 * time.Millisecond,
	}, sessions, &mock.Orchestrator{}, WithMetrics(m), WithHistoryStore(store))

	if err := store.AppendTurn(t.Context(), "stale", history.Turn{Role: history.RoleUser, Text: "old", At: time.Now().Add(-2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendTurn(t.Context(), "fresh", history.Turn{Role: history.RoleUser, Text: "new"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	p := dial(t, srv)
	p.register(registration(kitchenUUID, dap2.TierFull, dap2.Capabilities{}))
	_ = p.nc.Close()

	waitFor(t, "session expiry", func() bool {
		_, err := sessions.Lookup(kitchenUUID)
		return errors.Is(err, session.ErrNotFound)
	})
	waitFor(t, "history prune", func() bool {
		stale, _ := store.Turns(t.Context(), "stale", 0)
		return len(stale) == 0
	})
	if fresh, _ := store.Turns(t.Context(), "fresh", 0); len(fresh) != 1 {
		t.Errorf("fresh turns = %d, want 1", len(fresh))
	}
	if _, err := store.LoadSession(t.Context(), kitchenUUID); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("persisted record after expiry: err = %v", err)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run: %v", err)
	}
}
