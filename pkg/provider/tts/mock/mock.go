// Package mock provides a test double for the tts.Provider interface.
//
// Provider drains the text channel, records every fragment, and then emits
// the configured chunks, which lets tests assert both what was spoken and
// what audio reached the satellite.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	ch, _ := p.SynthesizeStream(ctx, textCh, tts.Voice{ID: "v1"})
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/dawn/pkg/audio"
	"github.com/MrWong99/dawn/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Call records a single invocation of SynthesizeStream.
type Call struct {
	Ctx   context.Context
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted after the text channel closes.
	Chunks [][]byte

	// StreamErr, if non-nil, is emitted as an error chunk after Chunks.
	StreamErr error

	// StartErr, if non-nil, is returned from SynthesizeStream.
	StartErr error

	// AudioFormat is returned by Format. The zero value means audio.Speech.
	AudioFormat audio.Format

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListErr, if non-nil, is returned from ListVoices.
	ListErr error

	// --- Call records ---

	Calls []Call
	text  []string
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Voice: voice})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.Chunks...)
	streamErr := p.StreamErr
	p.mu.Unlock()

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
	recv:
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					break recv
				}
				p.mu.Lock()
				p.text = append(p.text, frag)
				p.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case out <- tts.Chunk{PCM: c}:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			select {
			case out <- tts.Chunk{Err: streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.AudioFormat.Valid() {
		return audio.Speech
	}
	return p.AudioFormat
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListErr
}

// Text returns every fragment received so far, concatenated.
func (p *Provider) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.text, "")
}

// Reset clears all recorded calls and text.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.text = nil
}
