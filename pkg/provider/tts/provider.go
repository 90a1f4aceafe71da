// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The entry point is SynthesizeStream: it consumes text fragments as the LLM
// produces them and emits PCM as soon as each sentence is synthesised, so a
// satellite can start speaking before the whole reply exists.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/dawn/pkg/audio"
)

// Voice selects a voice on the backend.
type Voice struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// backend's default voice where the backend has one.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific attributes (model, speaker type, …).
	Metadata map[string]string
}

// Chunk is one piece of synthesised audio. A chunk with a non-nil Err is the
// last value on the channel and carries no PCM.
type Chunk struct {
	PCM []byte
	Err error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and returns
	// a channel of PCM chunks in Format(). The channel is closed when all text
	// has been synthesised, after an error chunk, or when ctx is cancelled.
	// Callers must drain the channel.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan Chunk, error)

	// Format is the PCM format of every emitted chunk.
	Format() audio.Format

	// ListVoices returns the voices currently available from the backend.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Collect drains ch and returns the concatenated PCM, or the first error chunk.
func Collect(ctx context.Context, ch <-chan Chunk) ([]byte, error) {
	var pcm []byte
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return pcm, ctx.Err()
			}
			if c.Err != nil {
				audio.Drain(ch)
				return nil, c.Err
			}
			pcm = append(pcm, c.PCM...)
		case <-ctx.Done():
			go audio.Drain(ch)
			return nil, ctx.Err()
		}
	}
}
