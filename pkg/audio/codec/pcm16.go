package codec

import (
	"fmt"

	"github.com/MrWong99/dawn/pkg/audio"
)

// PCM16 is the identity codec: payloads are raw 16-bit little-endian PCM.
type PCM16 struct {
	F audio.Format
}

var _ Codec = PCM16{}

// Name implements Codec.
func (PCM16) Name() string { return NamePCM16 }

// Format implements Codec.
func (c PCM16) Format() audio.Format { return c.F }

// Encode implements Codec.
func (c PCM16) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%c.F.FrameSize() != 0 {
		return nil, fmt.Errorf("codec: pcm16: %d bytes is not a whole number of frames", len(pcm))
	}
	return pcm, nil
}

// Decode implements Codec.
func (c PCM16) Decode(data []byte) ([]byte, error) {
	if len(data)%c.F.FrameSize() != 0 {
		return nil, fmt.Errorf("codec: pcm16: %d bytes is not a whole number of frames", len(data))
	}
	return data, nil
}
