// Package ratelimit provides the token bucket that bounds the write rate the
// pipeline presents to the canonical store.
//
// One Limiter is shared by every worker of a run so the aggregate rate, not the
// per-worker rate, respects the configured ceiling. Tokens refill lazily on each
// call from the elapsed time since the last one:
//
//	tokens = min(burst, tokens + elapsed_seconds * rate)
//
// Waiting goes through an injectable Clock, so tests drive time by hand.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentstation/migrator/pkg/errors"
)

// Limiter is a token bucket limiter.
type Limiter struct {
	lim        *rate.Limiter
	clock      Clock
	perSecond  float64
	burst      int
	maxAcquire int
	granted    atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used for refills and waiting.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithMaxAcquire declares the largest single Acquire the caller will make.
// New rejects a value larger than the burst, since such a call could never
// be satisfied.
func WithMaxAcquire(n int) Option {
	return func(l *Limiter) {
		l.maxAcquire = n
	}
}

// New creates a limiter releasing perSecond tokens per second with a bucket of
// burst tokens. The bucket starts full.
func New(perSecond float64, burst int, opts ...Option) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, errors.NewConfigError("ratelimit", fmt.Sprintf("rate must be positive, got %v", perSecond), nil)
	}
	if burst < 1 {
		return nil, errors.NewConfigError("ratelimit", fmt.Sprintf("burst must be at least 1, got %d", burst), nil)
	}
	l := &Limiter{clock: realClock{}, perSecond: perSecond, burst: burst}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxAcquire > burst {
		return nil, errors.NewConfigError("ratelimit",
			fmt.Sprintf("max acquire %d exceeds burst %d and could never be satisfied", l.maxAcquire, burst), nil)
	}
	l.lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	// anchor refills to the injected clock rather than the zero time
	l.lim.SetLimitAt(l.clock.Now(), rate.Limit(perSecond))
	return l, nil
}

// Acquire blocks until n tokens are available or ctx is done. A request larger
// than the burst fails immediately. When ctx ends while waiting, the tokens
// are returned to the bucket.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.clock.Now()
	r, delay, err := l.reserve(now, n)
	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-l.clock.After(delay):
		case <-ctx.Done():
			r.CancelAt(l.clock.Now())
			return ctx.Err()
		}
	}
	l.granted.Add(int64(n))
	return nil
}

// AcquireAll acquires n tokens in burst-sized steps, so callers can throttle a
// batch larger than the bucket.
func (l *Limiter) AcquireAll(ctx context.Context, n int) error {
	for n > 0 {
		step := min(n, l.burst)
		if err := l.Acquire(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (l *Limiter) reserve(now time.Time, n int) (*rate.Reservation, time.Duration, error) {
	if n > l.burst {
		return nil, 0, errors.NewValidationError("count", n,
			fmt.Sprintf("cannot acquire %d tokens from a bucket of %d", n, l.burst))
	}
	r := l.lim.ReserveN(now, n)
	if !r.OK() {
		return nil, 0, fmt.Errorf("reservation of %d tokens refused", n)
	}
	return r, r.DelayFrom(now), nil
}

// Tokens returns the number of tokens currently in the bucket. It is negative
// while callers are waiting on reservations.
func (l *Limiter) Tokens() float64 {
	return l.lim.TokensAt(l.clock.Now())
}

// Rate returns the sustained rate in tokens per second.
func (l *Limiter) Rate() float64 { return l.perSecond }

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int { return l.burst }

// Granted returns the total number of tokens released so far.
func (l *Limiter) Granted() int64 { return l.granted.Load() }
