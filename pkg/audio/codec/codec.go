// Package codec converts between PCM and the audio encodings satellites may
// negotiate through capabilities.audio_codec.
//
// A Codec is stateless from the caller's view: Encode consumes a whole PCM
// buffer (one utterance or reply chunk) and Decode reverses it. Implementations
// that wrap stateful encoders create them per call so one Codec value can be
// shared by every connection.
package codec

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/dawn/pkg/audio"
)

// Names of the built-in codecs.
const (
	NamePCM16 = "pcm16"
	NameOpus  = "opus"
	NameADPCM = "adpcm"
)

// ErrUnsupported is returned by Lookup for a codec name no implementation is
// registered for.
var ErrUnsupported = errors.New("codec: unsupported")

// Codec encodes and decodes whole PCM buffers.
type Codec interface {
	// Name is the identifier satellites send in capabilities.audio_codec.
	Name() string

	// Format is the PCM format Encode expects and Decode produces.
	Format() audio.Format

	// Encode compresses pcm (16-bit LE in Format()).
	Encode(pcm []byte) ([]byte, error)

	// Decode expands data produced by Encode back into PCM.
	Decode(data []byte) ([]byte, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]func() (Codec, error){}
)

// Register makes a codec constructor available under name. Registering the
// same name twice replaces the earlier constructor.
func Register(name string, fn func() (Codec, error)) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(name)] = fn
}

// Lookup returns a new codec for name. An empty name selects pcm16.
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = NamePCM16
	}
	mu.RLock()
	fn, ok := registry[strings.ToLower(name)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	return fn()
}

// Names returns the sorted list of registered codec names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func init() {
	Register(NamePCM16, func() (Codec, error) { return PCM16{F: audio.Speech}, nil })
	Register(NameOpus, func() (Codec, error) { return NewOpus(audio.Speech) })
}
