// Package retry implements the exponential-backoff-with-jitter policy
// §7 assigns to TransientIO errors: retried up to a configured maximum
// elapsed time, surfaced only once retries are exhausted. No package in
// this module calls Do: catalog, object-store, and ingester-RPC calls are
// made once and their errors are returned to the caller unretried.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cuemby/tsdbcore/pkg/errs"
)

// Policy configures a backoff run.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
}

// DefaultPolicy starts fast, caps quickly, and gives up after a few
// seconds rather than retrying forever.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
	}
}

// Do runs fn, retrying on errors classified errs.TransientIO until it
// succeeds, ctx is canceled, or the policy's MaxElapsedTime is exceeded.
// Any other error kind (or an unclassified error) is returned immediately
// without retrying — retrying a non-transient failure only delays
// surfacing a bug.
func Do(ctx context.Context, p Policy, fn func() error) error {
	deadline := time.Now().Add(p.MaxElapsedTime)
	interval := p.InitialInterval

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if errs.KindOf(err) != errs.TransientIO {
			return err
		}
		if time.Now().Add(interval).After(deadline) {
			return err
		}

		wait := jitter(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		interval = time.Duration(float64(interval) * p.Multiplier)
		if interval > p.MaxInterval {
			interval = p.MaxInterval
		}
	}
}

// jitter returns a duration uniformly distributed in [d/2, 2*(d/2)]
// (integer halves, so d itself is included when d is even), so
// concurrent retriers don't all wake up in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}
