// Package orchestrator turns one satellite query into a stream of response
// chunks.
//
// The connection layer sees only the [Orchestrator] interface: it submits a
// [Request] and drains the returned channel until it closes, or cancels the
// context when the satellite goes away. Everything behind the interface (ASR,
// conversation history, the language model and speech synthesis) is the
// orchestrator's business.
//
// [Cascade] is the production implementation: optional STT, history lookup,
// a streamed LLM completion and optional TTS, run as one cancellable pipeline.
package orchestrator

import (
	"context"
	"errors"
)

var (
	// ErrEmptyQuery is returned for a request with neither text nor audio.
	ErrEmptyQuery = errors.New("orchestrator: empty query")

	// ErrAudioUnsupported is returned when audio is submitted to an
	// orchestrator without speech recognition, or an audio reply is requested
	// without speech synthesis.
	ErrAudioUnsupported = errors.New("orchestrator: audio not supported")
)

// Request is one query from a satellite.
type Request struct {
	// SatelliteUUID identifies the asking satellite. Used for logging.
	SatelliteUUID string

	// HistoryID is the conversation-history handle of the session.
	HistoryID string

	// Location is the satellite's location tag, offered to the model as
	// context ("kitchen").
	Location string

	// Text is the query of a full-tier satellite.
	Text string

	// Audio is the encoded utterance of an audio-tier satellite. It takes
	// precedence over Text.
	Audio []byte

	// AudioCodec names the codec of Audio and of audio replies. Empty means
	// raw PCM.
	AudioCodec string

	// WantAudio requests synthesised audio chunks in addition to text.
	WantAudio bool
}

// Chunk is one piece of a response. Exactly one of the fields is set. A chunk
// with a non-nil Err is always the last value on the channel.
type Chunk struct {
	// Text is the next fragment of the reply text, in generation order.
	Text string

	// Audio is encoded reply audio in the request's codec.
	Audio []byte

	// Transcript, when non-empty, is what the daemon heard in an audio
	// query. It precedes all reply chunks.
	Transcript string

	Err error
}

// Orchestrator produces responses for satellite queries.
type Orchestrator interface {
	// Submit starts processing req and returns the response stream. The
	// channel is closed when the response is complete, after an error chunk,
	// or once ctx is cancelled. Callers must drain it.
	//
	// A non-nil error means the request was rejected before any work began.
	Submit(ctx context.Context, req Request) (<-chan Chunk, error)
}
