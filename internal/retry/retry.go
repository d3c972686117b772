// Package retry provides the single retry/backoff combinator used by every
// call-site that talks to an external system (engine, gateway, inference).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sre-sentinel/sentinel/internal/clock"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	Attempts   int           // total attempts, including the first
	Base       time.Duration // delay before the second attempt
	Multiplier float64       // backoff growth factor
	Cap        time.Duration // upper bound on any single delay
	Jitter     float64       // fraction of the delay randomised, in [0,1]
}

// Permanent wraps an error to stop retrying immediately.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Stop marks err as not retryable.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return Permanent{Err: err}
}

// Do runs fn until it succeeds, the policy is exhausted, the error is marked
// permanent, or ctx is cancelled. The last error is returned on failure.
func Do(ctx context.Context, clk clock.Clock, p Policy, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if attempt == p.Attempts {
			break
		}
		select {
		case <-clk.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Delay returns the backoff before the attempt following attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		// Spread the delay in [d*(1-jitter), d] to avoid thundering herds.
		d -= rand.Float64() * p.Jitter * d
	}
	return time.Duration(d)
}
