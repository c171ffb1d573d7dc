package engine

import (
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy holds the effective backoff parameters for one task.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxBackoff time.Duration
	Jitter     bool
}

// Delay computes the backoff before retry attempt retryCount+1:
// base * 2^retryCount, capped at MaxBackoff. With Jitter set, the result is
// replaced by a uniform random duration in [0, delay], which spreads
// concurrent retries of failing fan-outs.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	b := retry.WithCappedDuration(p.MaxBackoff, retry.NewExponential(p.BaseDelay))
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}
