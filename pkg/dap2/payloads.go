package dap2

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Tier is the processing tier a satellite declares at registration.
type Tier string

const (
	// TierFull satellites run wake word, ASR and TTS locally and exchange text.
	TierFull Tier = "full"
	// TierAudio satellites upload captured audio and play back returned audio.
	TierAudio Tier = "audio"
)

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool { return t == TierFull || t == TierAudio }

// Identity identifies a satellite across reconnects and reboots.
type Identity struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	Location   string `json:"location"`
	HardwareID string `json:"hardware_id,omitempty"`
}

// Capabilities declares what a satellite can do locally and which optional
// protocol features it understands.
type Capabilities struct {
	LocalASR    bool   `json:"local_asr"`
	LocalTTS    bool   `json:"local_tts"`
	WakeWord    bool   `json:"wake_word"`
	Streaming   bool   `json:"streaming"`
	Compression bool   `json:"compression,omitempty"`
	AudioCodec  string `json:"audio_codec,omitempty"`
}

// Register is the payload of a Register frame.
type Register struct {
	Identity        Identity     `json:"identity"`
	Tier            Tier         `json:"tier"`
	Capabilities    Capabilities `json:"capabilities"`
	ProtocolVersion int          `json:"protocol_version"`
}

// Validate checks the registration for required fields.
func (r Register) Validate() error {
	var errs []error
	if _, err := uuid.Parse(r.Identity.UUID); err != nil {
		errs = append(errs, fmt.Errorf("identity.uuid %q: %w", r.Identity.UUID, err))
	}
	if strings.TrimSpace(r.Identity.Name) == "" {
		errs = append(errs, errors.New("identity.name is required"))
	}
	if !r.Tier.IsValid() {
		errs = append(errs, fmt.Errorf("tier %q is not one of full, audio", r.Tier))
	}
	if r.ProtocolVersion < int(Version) {
		errs = append(errs, fmt.Errorf("protocol_version %d is not supported (minimum %d)", r.ProtocolVersion, Version))
	}
	return errors.Join(errs...)
}

// NegotiatedVersion returns the protocol version both peers speak.
func (r Register) NegotiatedVersion() int {
	return min(r.ProtocolVersion, int(Version))
}

// RegisterAck is the payload of a RegisterAck frame.
type RegisterAck struct {
	SessionID              string `json:"session_id"`
	ConversationRestored   bool   `json:"conversation_restored"`
	ConversationAgeSeconds *int64 `json:"conversation_age_seconds,omitempty"`
	ProtocolVersion        int    `json:"protocol_version"`
	KeepaliveSeconds       int    `json:"keepalive_seconds,omitempty"`
	MaxPayload             int    `json:"max_payload,omitempty"`
	Compression            bool   `json:"compression,omitempty"`
}

// Error codes carried in ResponseEnd errors and Nack frames.
const (
	CodeNotRegistered   = "not_registered"
	CodeQueryInProgress = "query_in_progress"
	CodeInvalidPayload  = "invalid_payload"
	CodeUnknownType     = "unknown_type"
	CodeUnsupported     = "unsupported"
	CodeRegistration    = "registration_rejected"
	CodeTimeout         = "timeout"
	CodeUpstream        = "upstream_failure"
	CodeCancelled       = "cancelled"
	CodeNoSpeech        = "no_speech"
)

// ErrorInfo is a machine-readable code plus a human-readable message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string { return e.Code + ": " + e.Message }

// ResponseEnd is the payload of a ResponseEnd frame. Error is nil on success.
type ResponseEnd struct {
	Error *ErrorInfo `json:"error,omitempty"`
}

// Nack is the payload of a Nack frame.
type Nack struct {
	Sequence uint32 `json:"sequence"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Command is the payload of a daemon-to-satellite Command frame.
type Command struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Status is the payload of a satellite-to-daemon Status frame.
type Status struct {
	State    string         `json:"state"`
	Volume   *int           `json:"volume,omitempty"`
	Muted    bool           `json:"muted,omitempty"`
	Battery  *int           `json:"battery,omitempty"`
	Firmware string         `json:"firmware,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// JSONFrame marshals v as the payload of a frame of type t.
func JSONFrame(t Type, v any) (Frame, error) {
	if t.Kind() != KindJSON {
		return Frame{}, fmt.Errorf("dap2: %s does not carry a JSON payload", t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("dap2: marshal %s: %w", t, err)
	}
	return Frame{Type: t, Payload: b}, nil
}

// DecodeJSON unmarshals a JSON payload into v.
func DecodeJSON(t Type, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return nil
}

// TextFrame returns a text frame of type t.
func TextFrame(t Type, text string) Frame {
	return Frame{Type: t, Payload: []byte(text)}
}

// AckFrame returns an Ack frame acknowledging seq.
func AckFrame(seq uint32) Frame {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, seq)
	return Frame{Type: TypeAck, Payload: p}
}

// AckedSequence returns the sequence number an Ack payload acknowledges.
func AckedSequence(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: Ack: want 4 bytes, got %d", ErrInvalidPayload, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}
