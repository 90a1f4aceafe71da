// Package coqui provides a TTS provider backed by a local Coqui TTS server.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body; voices come from GET /studio_speakers.
//
// Both servers work one utterance per HTTP call, so SynthesizeStream cuts the
// incoming text into sentences and keeps a few requests in flight while
// emitting audio in sentence order.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	audio, err := p.SynthesizeStream(ctx, textCh, tts.Voice{ID: "p225"})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/dawn/pkg/audio"
	"github.com/MrWong99/dawn/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// sentenceLookahead is how many synthesis requests may be in flight.
	sentenceLookahead = 3

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithOutputFormat sets the PCM format of emitted audio. The model's native
// format is converted as needed. Defaults to [audio.Speech].
func WithOutputFormat(f audio.Format) Option {
	return func(p *Provider) { p.output = f }
}

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	output     audio.Format
	httpClient *http.Client
}

// New creates a Provider that targets the server at serverURL
// (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		output:     audio.Speech,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if !p.output.Valid() {
		return nil, fmt.Errorf("coqui: invalid output format %v", p.output)
	}
	return p, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format { return p.output }

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is empty for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

type pending struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty in XTTS mode")
	}

	out := make(chan tts.Chunk, 64)
	sentences := splitSentences(ctx, text)

	// queue preserves sentence order while requests run concurrently.
	queue := make(chan chan pending, sentenceLookahead)
	go func() {
		defer close(queue)
		for s := range sentences {
			res := make(chan pending, 1)
			select {
			case queue <- res:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, s, voice)
				res <- pending{pcm: pcm, err: err}
			}()
		}
	}()

	go func() {
		defer close(out)
		defer func() {
			for range queue {
			}
		}()
		for res := range queue {
			var r pending
			select {
			case r = <-res:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				select {
				case out <- tts.Chunk{Err: r.err}:
				case <-ctx.Done():
				}
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(pcmChunkSize, len(pcm))
				select {
				case out <- tts.Chunk{PCM: pcm[:n]}:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()

	return out, nil
}

// synthesize fetches one sentence and converts it to the output format.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.Voice) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeXTTS {
		body, merr := json.Marshal(xttsRequest{Text: sentence, SpeakerWav: voice.ID, Language: p.language})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		params := url.Values{}
		params.Set("text", sentence)
		if voice.ID != "" {
			params.Set("speaker_id", voice.ID)
		}
		if p.language != "" {
			params.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, native, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return audio.Convert(pcm, native, p.output), nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	if p.apiMode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := p.getJSON(ctx, studioSpeakersEndpoint, &speakers); err != nil {
			return nil, err
		}
		voices := make([]tts.Voice, 0, len(speakers))
		for name := range speakers {
			voices = append(voices, tts.Voice{
				ID: name, Name: name, Provider: "coqui",
				Metadata: map[string]string{"type": "studio"},
			})
		}
		slices.SortFunc(voices, func(a, b tts.Voice) int { return strings.Compare(a.ID, b.ID) })
		return voices, nil
	}

	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := details.ModelName
		if name == "" {
			name = "default"
		}
		return []tts.Voice{{
			ID: name, Name: name, Provider: "coqui",
			Metadata: map[string]string{"type": "single-speaker", "model_name": name},
		}}, nil
	}
	speakers := slices.Sorted(slices.Values(details.Speakers))
	voices := make([]tts.Voice, 0, len(speakers))
	for _, spk := range speakers {
		voices = append(voices, tts.Voice{
			ID: spk, Name: spk, Provider: "coqui",
			Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
		})
	}
	return voices, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s response: %w", path, err)
	}
	return nil
}

// splitSentences accumulates fragments from text and emits complete
// sentences. The remainder is flushed when text closes.
func splitSentences(ctx context.Context, text <-chan string) <-chan string {
	out := make(chan string, sentenceLookahead)
	go func() {
		defer close(out)
		var buf strings.Builder
		emit := func(s string) bool {
			if s = strings.TrimSpace(s); s == "" {
				return true
			}
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					emit(buf.String())
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					idx := findSentenceBoundary(s)
					if idx < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[idx+1:])
					if !emit(s[:idx+1]) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// findSentenceBoundary returns the index of the first '.', '!' or '?' that
// ends s or is followed by whitespace, or -1. "Dr.Who" and "3.14" do not
// split.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
