// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Satellites of the audio tier upload one complete utterance per query, so the
// daemon transcribes in batch: the whole PCM buffer goes in, one Transcript
// comes out. Providers that talk to streaming services (Deepgram) feed the
// buffer through their stream internally and return the committed result.
//
// Implementations must be safe for concurrent use; one provider serves every
// connected satellite.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/dawn/pkg/audio"
)

// ErrNoSpeech is returned when the audio contains nothing the recogniser
// could turn into text (silence or noise only).
var ErrNoSpeech = errors.New("stt: no speech detected")

// Request is one utterance to transcribe.
type Request struct {
	// PCM is 16-bit signed little-endian audio in Format.
	PCM []byte

	// Format of PCM. The zero value means [audio.Speech].
	Format audio.Format

	// Language is a BCP-47 hint ("en", "de-DE"). Empty lets the provider
	// default or auto-detect.
	Language string
}

// AudioFormat returns r.Format, defaulting to [audio.Speech].
func (r Request) AudioFormat() audio.Format {
	if !r.Format.Valid() {
		return audio.Speech
	}
	return r.Format
}

// Transcript is the recognised text of one utterance.
type Transcript struct {
	Text string

	// Confidence in [0, 1]; zero when the provider does not report one.
	Confidence float64

	// Duration is the length of the submitted audio.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises the speech in req. It returns ErrNoSpeech when the
	// audio yields no text, and ctx.Err() (possibly wrapped) on cancellation.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
