// Package retry computes bounded exponential backoff for retryable
// autosave failures.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy describes an exponential backoff schedule.
//
// MaxAttempts is the number of retries after the first try, so an operation
// runs at most MaxAttempts+1 times. EnginePolicy allows six tries separated
// by the five delays 500, 1000, 2000, 4000 and 4000ms. A zero MaxDelay means
// no cap.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	JitterFrac   float64
}

// EnginePolicy is the flush retry schedule: the first try plus five retries
// after 500, 1000, 2000, 4000 and 4000ms.
func EnginePolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     4 * time.Second,
		MaxAttempts:  5,
	}
}

// LockPolicy is the lease acquisition retry schedule: the first try plus
// three retries after 500, 1000 and 2000ms.
func LockPolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  3,
	}
}

// Delay returns the un-jittered delay before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Schedule lists every delay the policy allows, in order.
func (p Policy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.MaxAttempts)
	for i := 1; i <= p.MaxAttempts; i++ {
		out = append(out, p.Delay(i))
	}
	return out
}

// Controller is the mutable retry state for one operation: an attempt
// counter plus the delay computed for it. The zero value is not usable;
// call NewController.
type Controller struct {
	policy  Policy
	attempt int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewController(p Policy) *Controller {
	return &Controller{
		policy: p,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next advances the attempt counter and returns the delay to wait before
// the retry. ok is false once MaxAttempts retries have been handed out;
// the counter is left unchanged in that case.
func (c *Controller) Next() (delay time.Duration, ok bool) {
	if c.attempt >= c.policy.MaxAttempts {
		return 0, false
	}
	c.attempt++
	d := c.policy.Delay(c.attempt)
	if c.policy.JitterFrac > 0 {
		c.mu.Lock()
		d = AddJitter(c.rng, d, c.policy.JitterFrac)
		c.mu.Unlock()
	}
	return d, true
}

// Attempt is the number of retries handed out so far.
func (c *Controller) Attempt() int { return c.attempt }

// Exhausted reports whether another Next would fail.
func (c *Controller) Exhausted() bool { return c.attempt >= c.policy.MaxAttempts }

// Reset returns the controller to its initial state.
func (c *Controller) Reset() { c.attempt = 0 }

func (c *Controller) Policy() Policy { return c.policy }

// AddJitter spreads d uniformly over [d*(1-frac), d*(1+frac)].
func AddJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepFunc is the injectable form of Wait.
type SleepFunc func(ctx context.Context, d time.Duration) error
