// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "turn on the lights"}}
//	t, _ := p.Transcribe(ctx, stt.Request{PCM: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dawn/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Call records a single invocation of Transcribe.
type Call struct {
	Ctx context.Context
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Transcript

	// Err, if non-nil, is returned from Transcribe.
	Err error

	// Block makes Transcribe wait for ctx cancellation and return ctx.Err().
	Block bool

	// Calls records every call to Transcribe.
	Calls []Call
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})
	res, err, block := p.Result, p.Err, p.Block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	}
	return res, err
}

// CallCount returns the number of recorded calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
