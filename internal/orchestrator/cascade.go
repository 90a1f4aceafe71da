package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/dawn/internal/history"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/pkg/audio"
	"github.com/MrWong99/dawn/pkg/audio/codec"
	"github.com/MrWong99/dawn/pkg/provider/llm"
	"github.com/MrWong99/dawn/pkg/provider/stt"
	"github.com/MrWong99/dawn/pkg/provider/tts"
)

const (
	// DefaultHistoryTurns is how many previous turns are sent to the model.
	DefaultHistoryTurns = 20

	// audioBlock is the span of reply audio encoded into one chunk. It is a
	// whole number of 20 ms codec frames.
	audioBlock = 200 * time.Millisecond

	// textBuf is the depth of the text channel feeding TTS.
	textBuf = 16
)

// Cascade implements [Orchestrator] as STT → LLM → TTS.
//
// Cascade is safe for concurrent use; every Submit runs its own pipeline.
type Cascade struct {
	llm   llm.Provider
	store history.Store

	stt      stt.Provider // nil: audio queries rejected
	tts      tts.Provider // nil: audio replies rejected
	voice    tts.Voice
	language string

	systemPrompt string
	historyTurns int
	temperature  float64
	maxTokens    int
	metrics      *observe.Metrics

	wg sync.WaitGroup
}

var _ Orchestrator = (*Cascade)(nil)

// Option is a functional option for configuring a Cascade.
type Option func(*Cascade)

// WithSTT enables audio queries.
func WithSTT(p stt.Provider) Option {
	return func(c *Cascade) { c.stt = p }
}

// WithTTS enables audio replies spoken with voice.
func WithTTS(p tts.Provider, voice tts.Voice) Option {
	return func(c *Cascade) {
		c.tts = p
		c.voice = voice
	}
}

// WithLanguage sets the language hint passed to STT.
func WithLanguage(lang string) Option {
	return func(c *Cascade) { c.language = lang }
}

// WithSystemPrompt sets the assistant persona sent with every completion.
func WithSystemPrompt(prompt string) Option {
	return func(c *Cascade) { c.systemPrompt = prompt }
}

// WithHistoryTurns sets how many previous turns are sent to the model.
// Zero disables history.
func WithHistoryTurns(n int) Option {
	return func(c *Cascade) { c.historyTurns = n }
}

// WithSampling sets the completion temperature and token cap.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(c *Cascade) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

// WithMetrics records stage latencies on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cascade) { c.metrics = m }
}

// NewCascade builds a Cascade around an LLM and a history store.
func NewCascade(l llm.Provider, store history.Store, opts ...Option) *Cascade {
	c := &Cascade{
		llm:          l,
		store:        store,
		historyTurns: DefaultHistoryTurns,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Submit implements [Orchestrator].
func (c *Cascade) Submit(ctx context.Context, req Request) (<-chan Chunk, error) {
	if len(req.Audio) == 0 && strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyQuery
	}
	var cd codec.Codec
	if len(req.Audio) > 0 || req.WantAudio {
		if len(req.Audio) > 0 && c.stt == nil {
			return nil, fmt.Errorf("%w: no speech recogniser configured", ErrAudioUnsupported)
		}
		if req.WantAudio && c.tts == nil {
			return nil, fmt.Errorf("%w: no speech synthesiser configured", ErrAudioUnsupported)
		}
		var err error
		if cd, err = codec.Lookup(req.AudioCodec); err != nil {
			return nil, err
		}
	}

	out := make(chan Chunk, 8)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		if err := c.run(ctx, req, cd, out); err != nil {
			select {
			case out <- Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Wait blocks until every pipeline started by Submit has finished.
func (c *Cascade) Wait() { c.wg.Wait() }

func (c *Cascade) run(ctx context.Context, req Request, cd codec.Codec, out chan<- Chunk) error {
	log := observe.Logger(ctx)

	text := strings.TrimSpace(req.Text)
	if len(req.Audio) > 0 {
		heard, err := c.transcribe(ctx, req, cd)
		if err != nil {
			return err
		}
		text = heard
		if !send(ctx, out, Chunk{Transcript: text}) {
			return ctx.Err()
		}
	}

	var turns []history.Turn
	if c.historyTurns > 0 && req.HistoryID != "" {
		var err error
		turns, err = c.store.Turns(ctx, req.HistoryID, c.historyTurns)
		if err != nil {
			log.Warn("load conversation history", "history_id", req.HistoryID, "err", err)
		}
	}

	start := time.Now()
	stream, err := c.llm.StreamCompletion(ctx, c.completionRequest(req, turns, text))
	if err != nil {
		c.metrics.RecordProviderError(ctx, "llm", "stream")
		return fmt.Errorf("orchestrator: llm: %w", err)
	}

	var (
		reply     strings.Builder
		textCh    chan string
		speech    <-chan error
		cancelTTS context.CancelFunc = func() {}
	)
	if req.WantAudio {
		var ttsCtx context.Context
		ttsCtx, cancelTTS = context.WithCancel(ctx)
		textCh = make(chan string, textBuf)
		audioCh, err := c.tts.SynthesizeStream(ttsCtx, textCh, c.voice)
		if err != nil {
			cancelTTS()
			go audio.Drain(stream)
			c.metrics.RecordProviderError(ctx, "tts", "synthesize")
			return fmt.Errorf("orchestrator: tts: %w", err)
		}
		speech = c.speak(ttsCtx, audioCh, cd, out)
	}
	defer cancelTTS()

	var llmErr, speechErr error
	spoken := speech == nil
loop:
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break loop
			}
			if chunk.FinishReason == llm.FinishReasonError {
				llmErr = &llm.StreamError{Message: chunk.Text}
				break loop
			}
			if chunk.Text == "" {
				continue
			}
			reply.WriteString(chunk.Text)
			if !send(ctx, out, Chunk{Text: chunk.Text}) {
				break loop
			}
			if spoken {
				continue
			}
			select {
			case textCh <- chunk.Text:
			case speechErr = <-speech:
				spoken = true
				if speechErr != nil {
					break loop
				}
			case <-ctx.Done():
				break loop
			}
		case speechErr = <-speech:
			// Synthesis only ends early when it fails.
			spoken = true
			if speechErr != nil {
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}
	go audio.Drain(stream)
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	if textCh != nil {
		close(textCh)
	}
	if llmErr != nil || speechErr != nil {
		cancelTTS()
	}
	if !spoken {
		if err := <-speech; speechErr == nil {
			speechErr = err
		}
	}
	switch {
	case llmErr != nil:
		c.metrics.RecordProviderError(ctx, "llm", "stream")
		return fmt.Errorf("orchestrator: llm: %w", llmErr)
	case speechErr != nil:
		return speechErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.remember(ctx, req.HistoryID, text, reply.String())
	return nil
}

func (c *Cascade) transcribe(ctx context.Context, req Request, cd codec.Codec) (string, error) {
	pcm, err := cd.Decode(req.Audio)
	if err != nil {
		return "", fmt.Errorf("orchestrator: decode %s audio: %w", cd.Name(), err)
	}
	start := time.Now()
	tr, err := c.stt.Transcribe(ctx, stt.Request{PCM: pcm, Format: cd.Format(), Language: c.language})
	c.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, stt.ErrNoSpeech) {
			c.metrics.RecordProviderError(ctx, "stt", "transcribe")
		}
		return "", fmt.Errorf("orchestrator: stt: %w", err)
	}
	observe.Logger(ctx).Debug("transcribed query", "text", tr.Text, "confidence", tr.Confidence)
	return tr.Text, nil
}

// speak encodes synthesised audio in audioBlock pieces and forwards it. The
// returned channel yields the synthesis error, or nil, once audio is done.
func (c *Cascade) speak(ctx context.Context, audioCh <-chan tts.Chunk, cd codec.Codec, out chan<- Chunk) <-chan error {
	done := make(chan error, 1)
	from, to := c.tts.Format(), cd.Format()
	block := int(to.SampleRate*int(audioBlock/time.Millisecond)/1000) * to.FrameSize()
	start := time.Now()

	go func() {
		defer audio.Drain(audioCh)
		var buf []byte
		flush := func(pcm []byte) error {
			enc, err := cd.Encode(pcm)
			if err != nil {
				return fmt.Errorf("orchestrator: encode %s audio: %w", cd.Name(), err)
			}
			if !send(ctx, out, Chunk{Audio: enc}) {
				return ctx.Err()
			}
			return nil
		}
		for chunk := range audioCh {
			if chunk.Err != nil {
				c.metrics.RecordProviderError(ctx, "tts", "synthesize")
				done <- fmt.Errorf("orchestrator: tts: %w", chunk.Err)
				return
			}
			buf = append(buf, audio.Convert(chunk.PCM, from, to)...)
			for len(buf) >= block {
				if err := flush(buf[:block]); err != nil {
					done <- err
					return
				}
				buf = buf[block:]
			}
		}
		if len(buf) > 0 {
			if err := flush(buf); err != nil {
				done <- err
				return
			}
		}
		c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		done <- ctx.Err()
	}()
	return done
}

func (c *Cascade) completionRequest(req Request, turns []history.Turn, text string) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	system := c.systemPrompt
	if req.Location != "" {
		system = strings.TrimSpace(system + "\n\nThe user is speaking from the " + req.Location + ".")
	}
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: system,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}
}

// remember appends the exchange to the conversation. Failures are logged; the
// reply has already been delivered.
func (c *Cascade) remember(ctx context.Context, historyID, query, reply string) {
	if historyID == "" || reply == "" {
		return
	}
	now := time.Now()
	for _, t := range []history.Turn{
		{Role: history.RoleUser, Text: query, At: now},
		{Role: history.RoleAssistant, Text: reply, At: now},
	} {
		if err := c.store.AppendTurn(ctx, historyID, t); err != nil {
			observe.Logger(ctx).Warn("append conversation turn", "history_id", historyID, "err", err)
			return
		}
	}
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
