package driverd

import (
	"context"
	"math/rand"
	"time"
)

const (
	// DefaultReconnectBase is the initial reconnect delay.
	DefaultReconnectBase = 1 * time.Second
	// DefaultReconnectCap is the ceiling a reconnect delay backs off to.
	DefaultReconnectCap = 10 * time.Second
	// DefaultReconnectJitter is the +/- spread applied to each delay.
	DefaultReconnectJitter = 500 * time.Millisecond
)

// reconnectBackoff is an exponential back-off with jitter, adapted from the
// teacher's AdaptivePoll: the same double-until-ceiling shape, but Wait is
// context-aware (a cancelled Transport must not block its own teardown) and
// every delay is jittered rather than fixed, so a fleet of drivers losing
// their link at once doesn't reconnect in lockstep.
type reconnectBackoff struct {
	base   time.Duration
	cap    time.Duration
	jitter time.Duration
	cur    time.Duration
}

// NewReconnectBackoff builds the same exponential-backoff-with-jitter
// Transport uses internally between reconnect attempts, for callers (e.g.
// cmd/driverd) that assemble their own Transport outside NewModule and
// need to hand it a Backoff value explicitly.
func NewReconnectBackoff(base, cap_, jitter time.Duration) *reconnectBackoff {
	return newReconnectBackoff(base, cap_, jitter)
}

func newReconnectBackoff(base, cap_, jitter time.Duration) *reconnectBackoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if cap_ < base {
		cap_ = DefaultReconnectCap
	}
	if jitter < 0 {
		jitter = DefaultReconnectJitter
	}
	return &reconnectBackoff{base: base, cap: cap_, jitter: jitter, cur: base}
}

// Wait blocks for the current delay (or until ctx is cancelled), then
// doubles the delay up to the ceiling.
func (b *reconnectBackoff) Wait(ctx context.Context) error {
	d := b.next()
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *reconnectBackoff) next() time.Duration {
	d := b.cur
	if b.jitter > 0 {
		spread := int64(b.jitter)
		offset := rand.Int63n(2*spread+1) - spread
		d += time.Duration(offset)
		if d < 0 {
			d = 0
		}
	}
	b.cur *= 2
	if b.cur > b.cap {
		b.cur = b.cap
	}
	return d
}

// Reset returns the delay to its base value, e.g. once a connection
// succeeds and stays up past some grace period.
func (b *reconnectBackoff) Reset() {
	b.cur = b.base
}
