package resilience

import (
	"context"

	"github.com/MrWong99/dawn/pkg/audio"
	"github.com/MrWong99/dawn/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// The text channel can only be consumed once, so failover covers stream setup
// only; errors after that arrive as error chunks. Audio from a fallback whose
// native format differs from the primary's is converted to the primary's
// format.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	format audio.Format
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		format: primary.Format(),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of each backend.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

// Format implements [tts.Provider]. It is always the primary's format.
func (f *TTSFallback) Format() audio.Format { return f.format }

// SynthesizeStream consumes text fragments and returns a channel of audio
// chunks from the first healthy provider.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (<-chan tts.Chunk, error) {
		ch, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if from := p.Format(); from != f.format {
			return convertChunks(ctx, ch, from, f.format), nil
		}
		return ch, nil
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}

func convertChunks(ctx context.Context, in <-chan tts.Chunk, from, to audio.Format) <-chan tts.Chunk {
	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		defer audio.Drain(in)
		for c := range in {
			if c.Err == nil {
				c.PCM = audio.Convert(c.PCM, from, to)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
