package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/dawn/pkg/audio"
	"github.com/MrWong99/dawn/pkg/provider/tts"
)

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		apiKey   string
		opts     []Option
		wantErr  bool
		wantRate int
	}{
		{name: "defaults", apiKey: "k", wantRate: 16000},
		{name: "24 kHz", apiKey: "k", opts: []Option{WithOutputFormat("pcm_24000")}, wantRate: 24000},
		{name: "empty key", apiKey: "", wantErr: true},
		{name: "mp3 output", apiKey: "k", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "no rate", apiKey: "k", opts: []Option{WithOutputFormat("pcm_")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.apiKey, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := p.Format(); got != (audio.Format{SampleRate: tt.wantRate, Channels: 1}) {
				t.Errorf("Format() = %+v", got)
			}
		})
	}
}

func TestWithBaseURL(t *testing.T) {
	t.Parallel()
	p, err := New("k", WithBaseURL("https://proxy.lan/"), WithModel("eleven_turbo_v2"))
	if err != nil {
		t.Fatal(err)
	}
	got := p.streamURL("voice 1")
	want := "wss://proxy.lan/v1/text-to-speech/voice%201/stream-input?model_id=eleven_turbo_v2&output_format=pcm_16000"
	if got != want {
		t.Errorf("streamURL =\n %s\nwant\n %s", got, want)
	}
}

// fakeServer answers every stream with one audio message per text fragment
// followed by a final message once the input ends.
type fakeServer struct {
	mu        sync.Mutex
	fragments []string
	apiKey    string
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg textMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		switch {
		case msg.XiAPIKey != "":
			f.mu.Lock()
			f.apiKey = msg.XiAPIKey
			f.mu.Unlock()
		case msg.Text == "":
			final, _ := json.Marshal(audioResponse{IsFinal: true})
			_ = conn.Write(ctx, websocket.MessageText, final)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		default:
			f.mu.Lock()
			f.fragments = append(f.fragments, msg.Text)
			f.mu.Unlock()
			resp, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte(msg.Text))})
			if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
				return
			}
		}
	}
}

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()
	fake := &fakeServer{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(srv.Close)

	p, err := New("secret", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	text := make(chan string, 3)
	text <- "Turning on"
	text <- "  "
	text <- "the lights."
	close(text)

	ch, err := p.SynthesizeStream(t.Context(), text, tts.Voice{ID: "rachel"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	pcm, err := tts.Collect(t.Context(), ch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got, want := string(pcm), "Turning on the lights. "; got != want {
		t.Errorf("pcm = %q, want %q", got, want)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.apiKey != "secret" {
		t.Errorf("api key = %q", fake.apiKey)
	}
	if len(fake.fragments) != 2 {
		t.Errorf("fragments = %q, blank fragment should be skipped", fake.fragments)
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
		msg, _ := json.Marshal(audioResponse{Error: "quota_exceeded", Message: "out of characters"})
		_ = conn.Write(r.Context(), websocket.MessageText, msg)
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	p, err := New("k", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	text := make(chan string)
	ch, err := p.SynthesizeStream(t.Context(), text, tts.Voice{ID: "rachel"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	_, err = tts.Collect(t.Context(), ch)
	if err == nil || !strings.Contains(err.Error(), "quota_exceeded") {
		t.Errorf("err = %v, want quota_exceeded", err)
	}
	close(text)
}

func TestSynthesizeStream_RequiresVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("k")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.Voice{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"abc","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`))
	}))
	t.Cleanup(srv.Close)

	p, _ := New("k", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(t.Context())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("got %d voices", len(voices))
	}
	v := voices[0]
	if v.ID != "abc" || v.Name != "Rachel" || v.Provider != "elevenlabs" ||
		v.Metadata["category"] != "premade" || v.Metadata["accent"] != "american" {
		t.Errorf("voice = %+v", v)
	}
}
