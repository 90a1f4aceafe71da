package satellite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// State is a step of the full-tier interaction loop.
type State int

const (
	StateSilence State = iota
	StateWakewordListening
	StateCommandRecording
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateWakewordListening:
		return "wakeword_listening"
	case StateCommandRecording:
		return "command_recording"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions lists the legal moves. Every state may fall back to silence.
var transitions = map[State][]State{
	StateSilence:           {StateWakewordListening},
	StateWakewordListening: {StateCommandRecording, StateSilence},
	StateCommandRecording:  {StateProcessing, StateSilence},
	StateProcessing:        {StateSpeaking, StateSilence},
	StateSpeaking:          {StateSilence},
}

var (
	// ErrNoWakeWord is returned when an utterance does not start with the
	// configured wake word. The pipeline stays idle.
	ErrNoWakeWord = errors.New("satellite: no wake word")

	// ErrBusy is returned when an utterance arrives while the pipeline is
	// not idle.
	ErrBusy = errors.New("satellite: pipeline busy")
)

// Querier sends a recognised command to the daemon.
type Querier interface {
	Query(ctx context.Context, text string) (<-chan Chunk, error)
}

// Speaker plays an answer fragment, typically through local TTS.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// SpeakerFunc adapts a function to [Speaker].
type SpeakerFunc func(ctx context.Context, text string) error

// Speak implements [Speaker].
func (f SpeakerFunc) Speak(ctx context.Context, text string) error { return f(ctx, text) }

// PipelineConfig configures a [Pipeline].
type PipelineConfig struct {
	Querier Querier
	Speaker Speaker

	// WakeWord must prefix every utterance. Empty treats every utterance as
	// a command.
	WakeWord string

	// OnState, if set, observes every transition.
	OnState func(from, to State)
}

// Pipeline drives one utterance at a time through
// silence → wake word → command → processing → speaking → silence.
type Pipeline struct {
	cfg PipelineConfig

	mu    sync.Mutex
	state State
}

// NewPipeline returns an idle pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transition moves the pipeline to next when that move is legal.
func (p *Pipeline) Transition(next State) error {
	p.mu.Lock()
	from := p.state
	if !legal(from, next) {
		p.mu.Unlock()
		return fmt.Errorf("satellite: illegal transition %s → %s", from, next)
	}
	p.state = next
	p.mu.Unlock()

	if p.cfg.OnState != nil {
		p.cfg.OnState(from, next)
	}
	return nil
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HandleUtterance runs one utterance through the loop and returns the
// spoken answer. While the daemon is unreachable the local degraded answer is
// spoken and returned together with [ErrDegraded]. The pipeline is back in
// silence when HandleUtterance returns.
func (p *Pipeline) HandleUtterance(ctx context.Context, utterance string) (string, error) {
	if err := p.Transition(StateWakewordListening); err != nil {
		return "", ErrBusy
	}
	defer p.reset()

	command, ok := stripWakeWord(utterance, p.cfg.WakeWord)
	if !ok {
		return "", ErrNoWakeWord
	}
	if err := p.Transition(StateCommandRecording); err != nil {
		return "", err
	}
	if command == "" {
		return "", fmt.Errorf("%w: nothing said after the wake word", ErrNoWakeWord)
	}
	if err := p.Transition(StateProcessing); err != nil {
		return "", err
	}

	ch, err := p.cfg.Querier.Query(ctx, command)
	if errors.Is(err, ErrDegraded) {
		if serr := p.speak(ctx, DegradedReply); serr != nil {
			return "", serr
		}
		return DegradedReply, err
	}
	if err != nil {
		return "", err
	}

	var answer strings.Builder
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return answer.String(), nil
			}
			if chunk.Err != nil {
				return answer.String(), chunk.Err
			}
			if chunk.Text == "" {
				continue
			}
			if err := p.speak(ctx, chunk.Text); err != nil {
				return answer.String(), err
			}
			answer.WriteString(chunk.Text)
		case <-ctx.Done():
			return answer.String(), ctx.Err()
		}
	}
}

// speak enters the speaking state on the first fragment.
func (p *Pipeline) speak(ctx context.Context, text string) error {
	if p.State() != StateSpeaking {
		if err := p.Transition(StateSpeaking); err != nil {
			return err
		}
	}
	if p.cfg.Speaker == nil {
		return nil
	}
	return p.cfg.Speaker.Speak(ctx, text)
}

func (p *Pipeline) reset() {
	if p.State() != StateSilence {
		_ = p.Transition(StateSilence)
	}
}

// stripWakeWord returns the command following wake at the start of
// utterance, ignoring case and punctuation after the wake word.
func stripWakeWord(utterance, wake string) (string, bool) {
	utterance = strings.TrimSpace(utterance)
	wake = strings.TrimSpace(wake)
	if wake == "" {
		return utterance, true
	}
	if len(utterance) < len(wake) || !strings.EqualFold(utterance[:len(wake)], wake) {
		return "", false
	}
	rest := utterance[len(wake):]
	if rest != "" {
		r := []rune(rest)[0]
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return "", false
		}
	}
	return strings.TrimLeftFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}), true
}
