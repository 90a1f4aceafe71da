package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/dawn/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of each backend.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion sends the request to the first healthy provider and returns a
// streaming chunk channel.
//
// Failover covers the stream start and its first chunk: a backend whose first
// chunk is an error chunk counts as failed and the next one is tried. Once a
// text chunk has been forwarded, later errors reach the caller as error chunks.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		var first llm.Chunk
		select {
		case c, ok := <-ch:
			if !ok {
				out := make(chan llm.Chunk)
				close(out)
				return out, nil
			}
			first = c
		case <-ctx.Done():
			go drainLLM(ch)
			return nil, ctx.Err()
		}
		if first.FinishReason == llm.FinishReasonError {
			go drainLLM(ch)
			return nil, fmt.Errorf("llm stream: %s", first.Text)
		}
		return replay(ctx, first, ch), nil
	})
}

// replay returns a channel that yields first followed by everything from rest.
func replay(ctx context.Context, first llm.Chunk, rest <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer drainLLM(rest)
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for c := range rest {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func drainLLM(ch <-chan llm.Chunk) {
	for range ch {
	}
}
