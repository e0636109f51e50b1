// Package backoff computes capped, jittered retry delays.
package backoff

import (
	"context"
	rand "math/rand/v2"
	"sync"
	"time"
)

const defaultBase = 50 * time.Millisecond

// Policy is a decorrelated jitter backoff with a cap.
//
// Given the previous delay, the next one is drawn from
// [Base, prev*Multiplier) and clamped to Max. The first delay is Base.
// A Policy is safe for concurrent use.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a policy. A non-zero seed makes the jitter deterministic.
func New(base, maxDelay time.Duration, multiplier float64, seed int64) *Policy {
	p := &Policy{Base: base, Max: maxDelay, Multiplier: multiplier}
	if seed != 0 {
		s1 := uint64(seed)
		p.rng = rand.New(rand.NewPCG(s1, s1^0x9e3779b97f4a7c15)) //nolint:gosec // non-crypto jitter
	}
	return p
}

// Next returns the delay following prev.
func (p *Policy) Next(prev time.Duration) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBase
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	if p.Max > 0 && p.Max < base {
		return p.Max
	}
	if prev <= 0 {
		return base
	}

	span := time.Duration(float64(prev)*mult) - base
	if span <= 0 {
		span = base
	}
	var jitter int64
	if p.rng != nil {
		p.mu.Lock()
		jitter = p.rng.Int64N(int64(span))
		p.mu.Unlock()
	} else {
		jitter = rand.Int64N(int64(span)) //nolint:gosec // non-crypto jitter
	}
	next := base + time.Duration(jitter)
	if p.Max > 0 && next > p.Max {
		return p.Max
	}
	return next
}

// Delay returns the wait before the next attempt: the larger of the
// computed backoff and a provider-imposed minimum.
func (p *Policy) Delay(prev, minimum time.Duration) time.Duration {
	d := p.Next(prev)
	if minimum > d {
		return minimum
	}
	return d
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
