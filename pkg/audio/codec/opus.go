package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/dawn/pkg/audio"
)

const (
	opusFrameMs = 20
	// maxOpusPacket is the largest packet the encoder may emit for one frame.
	maxOpusPacket = 4000
)

// Opus packs PCM into a sequence of 20 ms Opus packets. On the wire each
// packet is prefixed by its length as a big-endian uint16, so one DAP2
// payload carries many packets. The final frame is zero-padded.
type Opus struct {
	f         audio.Format
	frameSize int // samples per channel per frame
}

var _ Codec = (*Opus)(nil)

// NewOpus returns an Opus codec for f. Opus accepts 8, 12, 16, 24 or 48 kHz
// with one or two channels.
func NewOpus(f audio.Format) (*Opus, error) {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("codec: opus: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return nil, fmt.Errorf("codec: opus: unsupported channel count %d", f.Channels)
	}
	return &Opus{f: f, frameSize: f.SampleRate * opusFrameMs / 1000}, nil
}

// Name implements Codec.
func (*Opus) Name() string { return NameOpus }

// Format implements Codec.
func (o *Opus) Format() audio.Format { return o.f }

// Encode implements Codec.
func (o *Opus) Encode(pcm []byte) ([]byte, error) {
	enc, err := gopus.NewEncoder(o.f.SampleRate, o.f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: opus: create encoder: %w", err)
	}

	samples := audio.Samples(pcm)
	perFrame := o.frameSize * o.f.Channels
	var out []byte
	for off := 0; off < len(samples); off += perFrame {
		frame := samples[off:min(off+perFrame, len(samples))]
		if len(frame) < perFrame {
			padded := make([]int16, perFrame)
			copy(padded, frame)
			frame = padded
		}
		packet, err := enc.Encode(frame, o.frameSize, maxOpusPacket)
		if err != nil {
			return nil, fmt.Errorf("codec: opus: encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

// Decode implements Codec.
func (o *Opus) Decode(data []byte) ([]byte, error) {
	dec, err := gopus.NewDecoder(o.f.SampleRate, o.f.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: opus: create decoder: %w", err)
	}

	var pcm []byte
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, errors.New("codec: opus: truncated packet length")
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if n == 0 || n > len(data) {
			return nil, fmt.Errorf("codec: opus: packet length %d exceeds remaining %d bytes", n, len(data))
		}
		samples, err := dec.Decode(data[:n], o.frameSize, false)
		if err != nil {
			return nil, fmt.Errorf("codec: opus: decode: %w", err)
		}
		pcm = append(pcm, audio.Bytes(samples)...)
		data = data[n:]
	}
	return pcm, nil
}
