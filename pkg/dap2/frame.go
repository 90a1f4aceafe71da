// Package dap2 implements the DAP2 wire protocol spoken between Dawn satellites
// and the dawnd daemon: the fixed binary frame, its checksum, the message
// catalog and the structured control payloads.
//
// Frame layout (big-endian, 15-byte header):
//
//	[2 bytes] magic "DA" (0x4441)
//	[1 byte]  protocol version
//	[1 byte]  message type
//	[1 byte]  flags
//	[4 bytes] payload length
//	[4 bytes] sequence number
//	[2 bytes] CRC-16/CCITT-FALSE over bytes 0..12 followed by the payload
//	[N bytes] payload
//
// The codec is pure: [Encode] and [Decode] never perform I/O. [Reader] and
// [Writer] adapt it to byte streams (TCP, TLS, WebSocket).
package dap2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic identifies the DAP protocol family ("DA").
	Magic uint16 = 0x4441

	// Version is the protocol version spoken by this package.
	Version byte = 2

	// HeaderSize is the number of bytes preceding the payload.
	HeaderSize = 15

	// MaxPayloadLimit is the hard upper bound on a payload regardless of
	// configuration. Encoding larger payloads fails.
	MaxPayloadLimit = 16 << 20

	// DefaultMaxPayload is the default decode limit used when none is configured.
	DefaultMaxPayload = 1 << 20

	// WebSocketPath is the HTTP path that upgrades to DAP2 over WebSocket.
	WebSocketPath = "/dap2"

	// WebSocketSubprotocol is negotiated on every DAP2 WebSocket. Each binary
	// message carries whole frames.
	WebSocketSubprotocol = "dap2"
)

// Flags is the per-frame flag bitfield.
type Flags uint8

const (
	// FlagStreaming marks a frame that is followed by more frames of the same
	// logical message (audio upload chunks, audio response chunks).
	FlagStreaming Flags = 1 << iota

	// FlagCompressed marks a zstd-compressed payload.
	FlagCompressed

	// FlagAckRequested asks the receiver to answer with an Ack frame.
	FlagAckRequested

	// FlagPriority marks a frame that should jump the sender's queue.
	FlagPriority
)

// Has reports whether all bits of x are set in f.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Frame is a single DAP2 protocol unit.
type Frame struct {
	Type     Type
	Flags    Flags
	Sequence uint32
	Payload  []byte
}

// ErrMalformedFrame is matched (via errors.Is) by every decode failure caused
// by bad magic, version, checksum, or length.
var ErrMalformedFrame = errors.New("dap2: malformed frame")

// ErrPayloadTooLarge is returned by Encode when the payload exceeds [MaxPayloadLimit].
var ErrPayloadTooLarge = errors.New("dap2: payload exceeds maximum size")

// Reason classifies a malformed frame. Values are stable and used as metric labels.
type Reason string

const (
	ReasonMagic     Reason = "bad_magic"
	ReasonVersion   Reason = "bad_version"
	ReasonChecksum  Reason = "checksum"
	ReasonOversize  Reason = "oversize"
	ReasonLength    Reason = "length"
	ReasonTruncated Reason = "truncated"
)

// MalformedError describes why a frame failed validation.
type MalformedError struct {
	Reason Reason
	Detail string
}

func (e *MalformedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("dap2: malformed frame: %s", e.Reason)
	}
	return fmt.Sprintf("dap2: malformed frame: %s: %s", e.Reason, e.Detail)
}

// Is makes every MalformedError match [ErrMalformedFrame].
func (e *MalformedError) Is(target error) bool { return target == ErrMalformedFrame }

// Desynced reports whether a stream reader can no longer locate the next
// frame boundary after this error. Such errors require closing the stream.
func (e *MalformedError) Desynced() bool {
	return e.Reason == ReasonMagic || e.Reason == ReasonOversize
}

// ReasonOf returns the malformation reason carried by err, or "" when err is
// not a decode failure.
func ReasonOf(err error) Reason {
	var me *MalformedError
	if errors.As(err, &me) {
		return me.Reason
	}
	return ""
}

func malformed(r Reason, format string, args ...any) error {
	return &MalformedError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// putHeader writes the first 13 header bytes (everything but the checksum).
func putHeader(b []byte, f Frame) {
	binary.BigEndian.PutUint16(b[0:2], Magic)
	b[2] = Version
	b[3] = byte(f.Type)
	b[4] = byte(f.Flags)
	binary.BigEndian.PutUint32(b[5:9], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(b[9:13], f.Sequence)
}

// AppendFrame appends the encoded form of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLimit {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	hdr := dst[start : start+HeaderSize]
	putHeader(hdr, f)
	binary.BigEndian.PutUint16(hdr[13:15], Checksum(hdr[:13], f.Payload))
	return append(dst, f.Payload...), nil
}

// Encode returns the wire representation of f.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// Decode parses exactly one frame occupying all of buf. maxPayload bounds the
// declared payload length; values <= 0 select [DefaultMaxPayload].
//
// The returned payload aliases buf. An empty payload decodes as nil, so a
// round trip treats nil and empty payloads as equal.
func Decode(buf []byte, maxPayload int) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, malformed(ReasonTruncated, "%d bytes", len(buf))
	}
	hdr := buf[:HeaderSize]
	n, err := checkHeader(hdr, maxPayload)
	if err != nil {
		return Frame{}, err
	}
	if len(buf)-HeaderSize != n {
		return Frame{}, malformed(ReasonLength, "declared %d, have %d", n, len(buf)-HeaderSize)
	}
	payload := buf[HeaderSize:]
	if err := verify(hdr, payload); err != nil {
		return Frame{}, err
	}
	return frameOf(hdr, payload), nil
}

// checkHeader validates magic, version and declared length and returns the
// declared payload length.
func checkHeader(hdr []byte, maxPayload int) (int, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if m := binary.BigEndian.Uint16(hdr[0:2]); m != Magic {
		return 0, malformed(ReasonMagic, "0x%04x", m)
	}
	n := binary.BigEndian.Uint32(hdr[5:9])
	if uint64(n) > uint64(maxPayload) {
		return 0, malformed(ReasonOversize, "%d > %d", n, maxPayload)
	}
	if hdr[2] != Version {
		return int(n), malformed(ReasonVersion, "got %d, want %d", hdr[2], Version)
	}
	return int(n), nil
}

func verify(hdr, payload []byte) error {
	want := binary.BigEndian.Uint16(hdr[13:15])
	if got := Checksum(hdr[:13], payload); got != want {
		return malformed(ReasonChecksum, "got 0x%04x, want 0x%04x", got, want)
	}
	return nil
}

func frameOf(hdr, payload []byte) Frame {
	if len(payload) == 0 {
		payload = nil
	}
	return Frame{
		Type:     Type(hdr[3]),
		Flags:    Flags(hdr[4]),
		Sequence: binary.BigEndian.Uint32(hdr[9:13]),
		Payload:  payload,
	}
}

// Reader reads consecutive frames from a byte stream.
// It is not safe for concurrent use.
type Reader struct {
	r          io.Reader
	maxPayload int
	hdr        [HeaderSize]byte
}

// NewReader returns a Reader that rejects payloads larger than maxPayload.
func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// ReadFrame reads the next frame. It returns io.EOF when the stream ends
// cleanly between frames. Malformed frames whose length could still be
// determined are consumed entirely so the next call starts on a frame
// boundary; see [MalformedError.Desynced].
func (r *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, malformed(ReasonTruncated, "short header")
		}
		return Frame{}, err
	}
	n, herr := checkHeader(r.hdr[:], r.maxPayload)
	if me, ok := herr.(*MalformedError); ok && me.Desynced() {
		return Frame{}, herr
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, malformed(ReasonTruncated, "short payload")
		}
		return Frame{}, fmt.Errorf("dap2: read payload: %w", err)
	}
	if herr != nil {
		return Frame{}, herr
	}
	if err := verify(r.hdr[:], payload); err != nil {
		return Frame{}, err
	}
	return frameOf(r.hdr[:], payload), nil
}

// Writer encodes frames onto a byte stream. It is not safe for concurrent
// use; a connection owns exactly one writer goroutine.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes f and writes it with a single Write call so that
// message-oriented transports see one frame per message.
func (w *Writer) WriteFrame(f Frame) error {
	var err error
	w.buf, err = AppendFrame(w.buf[:0], f)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("dap2: write frame: %w", err)
	}
	return nil
}
