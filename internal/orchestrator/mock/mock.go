// Package mock provides a scripted [orchestrator.Orchestrator] for connection
// and server tests.
//
// Example:
//
//	o := &mock.Orchestrator{Chunks: []orchestrator.Chunk{{Text: "I'll turn"}, {Text: " on the lights"}}}
//	ch, err := o.Submit(ctx, orchestrator.Request{Text: "turn on the lights"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/dawn/internal/orchestrator"
)

// Compile-time interface assertion.
var _ orchestrator.Orchestrator = (*Orchestrator)(nil)

// Orchestrator is a mock implementation of [orchestrator.Orchestrator]. It is
// safe for concurrent use.
type Orchestrator struct {
	mu sync.Mutex

	// Chunks are emitted in order for every Submit.
	Chunks []orchestrator.Chunk

	// ChunkDelay is slept before each chunk.
	ChunkDelay time.Duration

	// BlockAfter, when positive, makes the stream stop after that many chunks
	// and wait for ctx cancellation instead of closing.
	BlockAfter int

	// SubmitErr, if non-nil, is returned from Submit.
	SubmitErr error

	// Requests records every submitted request.
	Requests []orchestrator.Request

	cancelled int
	cancelCh  chan struct{}
}

// Submit implements [orchestrator.Orchestrator].
func (o *Orchestrator) Submit(ctx context.Context, req orchestrator.Request) (<-chan orchestrator.Chunk, error) {
	o.mu.Lock()
	o.Requests = append(o.Requests, req)
	if o.SubmitErr != nil {
		err := o.SubmitErr
		o.mu.Unlock()
		return nil, err
	}
	chunks := append([]orchestrator.Chunk(nil), o.Chunks...)
	delay, blockAfter := o.ChunkDelay, o.BlockAfter
	o.mu.Unlock()

	out := make(chan orchestrator.Chunk)
	go func() {
		defer close(out)
		for i, c := range chunks {
			if blockAfter > 0 && i == blockAfter {
				break
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					o.markCancelled()
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				o.markCancelled()
				return
			}
		}
		if blockAfter > 0 {
			<-ctx.Done()
			o.markCancelled()
		}
	}()
	return out, nil
}

func (o *Orchestrator) markCancelled() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled++
	if o.cancelCh == nil {
		o.cancelCh = make(chan struct{})
	}
	select {
	case <-o.cancelCh:
	default:
		close(o.cancelCh)
	}
}

// Cancelled returns a channel that is closed once any submission has observed
// its context being cancelled.
func (o *Orchestrator) Cancelled() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelCh == nil {
		o.cancelCh = make(chan struct{})
	}
	return o.cancelCh
}

// CancelCount returns how many submissions were cancelled mid-stream.
func (o *Orchestrator) CancelCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// Submitted returns a copy of the recorded requests.
func (o *Orchestrator) Submitted() []orchestrator.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]orchestrator.Request(nil), o.Requests...)
}
