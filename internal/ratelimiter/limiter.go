package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle smooths calls into the delivery provider with a token bucket.
// Burst equals the rate so no capacity is saved up beyond one second's worth.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows ratePerSec provider calls per second. Zero disables it.
func NewThrottle(ratePerSec int) *Throttle {
	if ratePerSec <= 0 {
		return &Throttle{}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

// Wait blocks until a token is available. It only fails when ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return ctx.Err()
	}
	return t.limiter.Wait(ctx)
}
