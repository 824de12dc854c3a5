// Package reconnect throttles dev server reconnects with a capped,
// randomized exponential delay and a fixed attempt budget.
package reconnect

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned once the attempt budget is spent.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Default policy values.
const (
	DefaultInitial  = 500 * time.Millisecond
	DefaultCeiling  = 5 * time.Second
	DefaultAttempts = 1
	DefaultJitter   = 0.5
)

// Policy configures a Backoff.
type Policy struct {
	// Initial is the first delay before randomization.
	Initial time.Duration

	// Ceiling is a hard upper bound on every delay, randomization included.
	Ceiling time.Duration

	// Attempts is how many reconnects are allowed before giving up.
	Attempts int

	// Jitter is the randomization factor in [0, 1]. Negative means none.
	Jitter float64

	// Clock drives the waits. Nil means the wall clock.
	Clock clock.Clock
}

func (p Policy) withDefaults() Policy {
	if p.Ceiling <= 0 {
		p.Ceiling = DefaultCeiling
	}
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Initial > p.Ceiling {
		p.Initial = p.Ceiling
	}
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	return p
}

// Backoff hands out delays for one reconnect sequence. It is not safe for
// concurrent use; each session owns its own.
type Backoff struct {
	policy Policy
	exp    *backoff.ExponentialBackOff
	tries  int
}

// New creates a Backoff for p.
func New(p Policy) *Backoff {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Ceiling
	exp.RandomizationFactor = p.Jitter
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Clock = p.Clock
	exp.Reset()
	return &Backoff{policy: p, exp: exp}
}

// Policy returns the effective policy.
func (b *Backoff) Policy() Policy { return b.policy }

// Next returns the delay before the next attempt, or false when the budget
// is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.tries >= b.policy.Attempts {
		return 0, false
	}
	b.tries++
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.policy.Ceiling {
		d = b.policy.Ceiling
	}
	return d, true
}

// Remaining returns the attempts left in the budget.
func (b *Backoff) Remaining() int { return b.policy.Attempts - b.tries }

// Reset restores the full budget and the initial delay.
func (b *Backoff) Reset() {
	b.tries = 0
	b.exp.Reset()
}

// Wait sleeps for the next delay. It returns ErrExhausted when the budget is
// spent and ctx.Err() when ctx ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	d, ok := b.Next()
	if !ok {
		return ErrExhausted
	}
	timer := b.policy.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry waits and calls op until it succeeds or the budget is spent. The
// last op error is joined with ErrExhausted.
func (b *Backoff) Retry(ctx context.Context, op func(context.Context) error) error {
	var last error
	for {
		if err := b.Wait(ctx); err != nil {
			if errors.Is(err, ErrExhausted) && last != nil {
				return errors.Join(last, err)
			}
			return err
		}
		if last = op(ctx); last == nil {
			return nil
		}
	}
}
