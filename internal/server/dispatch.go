package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/dawn/internal/orchestrator"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/audio/codec"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// handlerFunc handles one validated inbound frame. A returned
// [*dap2.ErrorInfo] is answered with a Nack carrying its code; any other
// error is answered with invalid_payload.
type handlerFunc func(c *conn, f dap2.Frame, payload []byte) error

// handlers has an entry for every catalog type. Daemon-to-satellite types are
// rejected explicitly so that a peer sending them gets a precise Nack.
var handlers = map[dap2.Type]handlerFunc{
	dap2.TypeRegister:       (*conn).handleRegister,
	dap2.TypeQuery:          (*conn).handleQuery,
	dap2.TypeQueryAudio:     (*conn).handleQueryAudio,
	dap2.TypeStatus:         (*conn).handleStatus,
	dap2.TypeAck:            (*conn).handleAck,
	dap2.TypeNack:           (*conn).handleNack,
	dap2.TypePing:           (*conn).handlePing,
	dap2.TypePong:           (*conn).handlePong,
	dap2.TypeRegisterAck:    (*conn).handleDaemonOnly,
	dap2.TypeResponse:       (*conn).handleDaemonOnly,
	dap2.TypeResponseStream: (*conn).handleDaemonOnly,
	dap2.TypeResponseEnd:    (*conn).handleDaemonOnly,
	dap2.TypeResponseAudio:  (*conn).handleDaemonOnly,
	dap2.TypeCommand:        (*conn).handleDaemonOnly,
}

// preRegistration lists the types accepted before Register. Ping and Pong
// keep an unregistered link alive.
var preRegistration = map[dap2.Type]bool{
	dap2.TypeRegister: true,
	dap2.TypePing:     true,
	dap2.TypePong:     true,
}

func (c *conn) dispatch(f dap2.Frame, payload []byte) {
	h, ok := handlers[f.Type]
	if !ok {
		c.nack(f.Sequence, dap2.CodeUnknownType, fmt.Sprintf("no handler for %s", f.Type))
		return
	}
	if !preRegistration[f.Type] && c.satellite() == "" {
		c.logger().Warn("frame before registration", "type", f.Type.String(), "seq", f.Sequence)
		c.nack(f.Sequence, dap2.CodeNotRegistered, "register before sending "+f.Type.String())
		return
	}
	if err := h(c, f, payload); err != nil {
		var ei *dap2.ErrorInfo
		if !errors.As(err, &ei) {
			ei = &dap2.ErrorInfo{Code: dap2.CodeInvalidPayload, Message: err.Error()}
		}
		c.logger().Warn("frame rejected", "type", f.Type.String(), "seq", f.Sequence, "code", ei.Code, "err", ei.Message)
		c.nack(f.Sequence, ei.Code, ei.Message)
		return
	}
	if f.Flags.Has(dap2.FlagAckRequested) && f.Type != dap2.TypeAck && f.Type != dap2.TypeNack {
		_ = c.send(dap2.AckFrame(f.Sequence))
	}
}

func (c *conn) handleRegister(f dap2.Frame, payload []byte) error {
	var reg dap2.Register
	if err := dap2.DecodeJSON(f.Type, payload, &reg); err != nil {
		return err
	}
	if err := reg.Validate(); err != nil {
		return &dap2.ErrorInfo{Code: dap2.CodeRegistration, Message: err.Error()}
	}
	if cur := c.satellite(); cur != "" && !strings.EqualFold(cur, reg.Identity.UUID) {
		return &dap2.ErrorInfo{Code: dap2.CodeRegistration,
			Message: "connection is already registered as " + cur}
	}
	if reg.Tier == dap2.TierAudio {
		if _, err := codec.Lookup(reg.Capabilities.AudioCodec); err != nil {
			return &dap2.ErrorInfo{Code: dap2.CodeRegistration, Message: err.Error()}
		}
	}

	sess, restored, err := c.srv.sessions.Register(c.ctx, reg, c)
	if err != nil {
		return &dap2.ErrorInfo{Code: dap2.CodeRegistration, Message: err.Error()}
	}
	c.mu.Lock()
	c.id = sess.Identity.UUID
	c.mu.Unlock()
	c.sess = sess

	compress := reg.Capabilities.Compression && c.srv.cfg.CompressThreshold > 0
	ack := dap2.RegisterAck{
		SessionID:            sess.ID,
		ConversationRestored: restored,
		ProtocolVersion:      sess.ProtocolVersion,
		KeepaliveSeconds:     int(c.keepalive.Interval / time.Second),
		MaxPayload:           c.srv.cfg.MaxPayload,
		Compression:          compress,
	}
	if restored {
		age := int64(sess.Age(time.Now()) / time.Second)
		ack.ConversationAgeSeconds = &age
	}
	af, err := dap2.JSONFrame(dap2.TypeRegisterAck, ack)
	if err != nil {
		return err
	}
	if err := c.send(af); err != nil {
		return nil
	}
	// Enabled after queueing the ack; a satellite learns about compression
	// from the ack itself.
	c.compress.Store(compress)

	c.logger().Debug("registration acknowledged",
		"session_id", sess.ID,
		"location", sess.Identity.Location,
		"protocol_version", sess.ProtocolVersion,
		"compression", compress,
	)
	return nil
}

func (c *conn) handleQuery(f dap2.Frame, payload []byte) error {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return &dap2.ErrorInfo{Code: dap2.CodeInvalidPayload, Message: "empty query"}
	}
	_ = c.srv.sessions.Touch(c.sess.Identity.UUID)
	return c.startQuery(orchestrator.Request{Text: text})
}

func (c *conn) handleQueryAudio(f dap2.Frame, payload []byte) error {
	if c.sess.Tier != dap2.TierAudio {
		return &dap2.ErrorInfo{Code: dap2.CodeUnsupported, Message: "QueryAudio requires the audio tier"}
	}
	if len(c.upload)+len(payload) > c.srv.cfg.MaxUpload {
		c.upload = nil
		return &dap2.ErrorInfo{Code: dap2.CodeInvalidPayload,
			Message: fmt.Sprintf("audio upload exceeds %d bytes", c.srv.cfg.MaxUpload)}
	}
	c.upload = append(c.upload, payload...)
	if f.Flags.Has(dap2.FlagStreaming) {
		return nil
	}
	utterance := c.upload
	c.upload = nil
	if len(utterance) == 0 {
		return &dap2.ErrorInfo{Code: dap2.CodeInvalidPayload, Message: "empty audio query"}
	}
	_ = c.srv.sessions.Touch(c.sess.Identity.UUID)
	return c.startQuery(orchestrator.Request{
		Audio:      utterance,
		AudioCodec: c.sess.Capabilities.AudioCodec,
		WantAudio:  true,
	})
}

func (c *conn) handleStatus(f dap2.Frame, payload []byte) error {
	var st dap2.Status
	if err := dap2.DecodeJSON(f.Type, payload, &st); err != nil {
		return err
	}
	if err := c.srv.sessions.SetStatus(c.sess.Identity.UUID, st); err != nil {
		return notRegistered(err)
	}
	c.logger().Debug("status report", "state", st.State)
	return nil
}

func (c *conn) handleAck(f dap2.Frame, payload []byte) error {
	seq, err := dap2.AckedSequence(payload)
	if err != nil {
		return err
	}
	if !c.resolve(seq, nil) {
		c.logger().Debug("ack for unknown sequence", "acked", seq)
	}
	return nil
}

func (c *conn) handleNack(f dap2.Frame, payload []byte) error {
	var n dap2.Nack
	if err := dap2.DecodeJSON(f.Type, payload, &n); err != nil {
		return err
	}
	c.logger().Warn("satellite rejected frame", "seq", n.Sequence, "code", n.Code, "message", n.Message)
	c.resolve(n.Sequence, &dap2.ErrorInfo{Code: n.Code, Message: n.Message})
	return nil
}

func (c *conn) handlePing(f dap2.Frame, payload []byte) error {
	if c.satellite() != "" {
		_ = c.srv.sessions.Touch(c.sess.Identity.UUID)
	}
	_ = c.send(dap2.Frame{Type: dap2.TypePong, Flags: dap2.FlagPriority, Payload: payload})
	return nil
}

func (c *conn) handlePong(f dap2.Frame, payload []byte) error {
	if c.satellite() != "" {
		_ = c.srv.sessions.Touch(c.sess.Identity.UUID)
	}
	return nil
}

func (c *conn) handleDaemonOnly(f dap2.Frame, payload []byte) error {
	return &dap2.ErrorInfo{Code: dap2.CodeUnsupported,
		Message: f.Type.String() + " is only sent by the daemon"}
}

func notRegistered(err error) error {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrNotConnected) {
		return &dap2.ErrorInfo{Code: dap2.CodeNotRegistered, Message: "session is no longer attached to this connection"}
	}
	return err
}
