package dap2

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Type is the DAP2 message type carried in header byte 3.
type Type uint8

const (
	TypeRegister       Type = 0x01
	TypeRegisterAck    Type = 0x02
	TypeQuery          Type = 0x03
	TypeQueryAudio     Type = 0x04
	TypeResponse       Type = 0x05
	TypeResponseStream Type = 0x06
	TypeResponseEnd    Type = 0x07
	TypeResponseAudio  Type = 0x08
	TypeCommand        Type = 0x09
	TypeStatus         Type = 0x0A
	TypeAck            Type = 0x0B
	TypeNack           Type = 0x0C
	TypePing           Type = 0x0D
	TypePong           Type = 0x0E
)

// PayloadKind describes how a message type's payload is interpreted.
type PayloadKind uint8

const (
	// KindOpaque payloads are carried verbatim (ping nonces).
	KindOpaque PayloadKind = iota
	// KindJSON payloads are UTF-8 JSON objects.
	KindJSON
	// KindText payloads are UTF-8 text.
	KindText
	// KindBinary payloads are raw audio bytes.
	KindBinary
	// KindSequence payloads are a single 4-byte big-endian sequence number.
	KindSequence
)

type typeInfo struct {
	name string
	kind PayloadKind
}

var catalog = map[Type]typeInfo{
	TypeRegister:       {"Register", KindJSON},
	TypeRegisterAck:    {"RegisterAck", KindJSON},
	TypeQuery:          {"Query", KindText},
	TypeQueryAudio:     {"QueryAudio", KindBinary},
	TypeResponse:       {"Response", KindText},
	TypeResponseStream: {"ResponseStream", KindText},
	TypeResponseEnd:    {"ResponseEnd", KindJSON},
	TypeResponseAudio:  {"ResponseAudio", KindBinary},
	TypeCommand:        {"Command", KindJSON},
	TypeStatus:         {"Status", KindJSON},
	TypeAck:            {"Ack", KindSequence},
	TypeNack:           {"Nack", KindJSON},
	TypePing:           {"Ping", KindOpaque},
	TypePong:           {"Pong", KindOpaque},
}

// Types returns every message type in the catalog, in wire order.
func Types() []Type {
	out := make([]Type, 0, len(catalog))
	for t := TypeRegister; t <= TypePong; t++ {
		out = append(out, t)
	}
	return out
}

// String returns the catalog name of t, or "Type(0xNN)" when unknown.
func (t Type) String() string {
	if info, ok := catalog[t]; ok {
		return info.name
	}
	return fmt.Sprintf("Type(0x%02x)", uint8(t))
}

// Known reports whether t is part of the catalog.
func (t Type) Known() bool {
	_, ok := catalog[t]
	return ok
}

// Kind returns the payload kind of t. Unknown types are opaque.
func (t Type) Kind() PayloadKind {
	return catalog[t].kind
}

var (
	// ErrUnknownType is returned by Validate for types outside the catalog.
	ErrUnknownType = errors.New("dap2: unknown message type")

	// ErrInvalidPayload is returned by Validate when a payload does not match
	// the shape its type requires.
	ErrInvalidPayload = errors.New("dap2: invalid payload")
)

// Validate checks that a decoded (and decompressed) payload matches the shape
// its message type requires. Binary and opaque payloads are never inspected.
func Validate(t Type, payload []byte) error {
	info, ok := catalog[t]
	if !ok {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(t))
	}
	switch info.kind {
	case KindJSON:
		if !json.Valid(payload) {
			return fmt.Errorf("%w: %s: not valid JSON", ErrInvalidPayload, info.name)
		}
	case KindText:
		if !utf8.Valid(payload) {
			return fmt.Errorf("%w: %s: not valid UTF-8", ErrInvalidPayload, info.name)
		}
	case KindSequence:
		if len(payload) != 4 {
			return fmt.Errorf("%w: %s: want 4 bytes, got %d", ErrInvalidPayload, info.name, len(payload))
		}
	}
	return nil
}
