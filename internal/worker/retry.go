package worker

import (
	"math"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/config"
)

// RetryPolicy decides how long a transiently failed item waits and when it
// gives up.
//
//	attempt 0 -> BaseDelay
//	attempt n -> BaseDelay * Multiplier^n, clamped to MaxBackoff
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxBackoff time.Duration
}

func RetryPolicyFrom(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		MaxBackoff: cfg.MaxBackoff,
	}
}

// Backoff returns the delay before retry number n (zero-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n))
	if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether an item that has now failed failures times must
// be dead-lettered.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxRetries
}
