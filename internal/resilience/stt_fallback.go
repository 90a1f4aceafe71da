package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/dawn/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
//
// [stt.ErrNoSpeech] is a valid outcome, not a backend failure: it is returned
// as-is without trying the next backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of each backend.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// Transcribe sends the utterance to the first healthy provider.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	noSpeech := false
	tr, err := ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.Transcript, error) {
		tr, err := p.Transcribe(ctx, req)
		if errors.Is(err, stt.ErrNoSpeech) {
			noSpeech = true
			return tr, nil
		}
		return tr, err
	})
	if err != nil {
		return stt.Transcript{}, err
	}
	if noSpeech {
		return tr, stt.ErrNoSpeech
	}
	return tr, nil
}
