package satellite

import (
	"context"
	"time"
)

// Default reconnection parameters.
const (
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// Backoff yields exponentially growing reconnect delays: Initial, doubling on
// every call to [Backoff.Next], capped at Max. With the defaults the sequence
// is 1s, 2s, 4s, 8s, 16s, 30s, 30s, …
//
// A Backoff is not safe for concurrent use; the reconnect loop owns it.
type Backoff struct {
	// Initial is the first delay. Defaults to 1s if zero.
	Initial time.Duration

	// Max is the upper limit on any delay. Defaults to 30s if zero.
	Max time.Duration

	next time.Duration
}

func (b *Backoff) bounds() (initial, maxDelay time.Duration) {
	initial, maxDelay = b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	return min(initial, maxDelay), maxDelay
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	initial, maxDelay := b.bounds()
	if b.next <= 0 {
		b.next = initial
	}
	d := min(b.next, maxDelay)
	b.next = min(2*d, maxDelay)
	return d
}

// Reset restarts the sequence at Initial. The client calls it after every
// acknowledged registration.
func (b *Backoff) Reset() { b.next = 0 }

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
