package breaker

import (
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Config tunes the delivery circuit breaker.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// State is the persisted breaker record for one target. Transitions are
// evaluated lazily when a call arrives; nothing runs on a timer.
type State struct {
	State                domain.CircuitStateName `json:"state"`
	ConsecutiveFailures  int                     `json:"consecutive_failures"`
	LastFailureAt        time.Time               `json:"last_failure_at,omitempty"`
	HalfOpenProbesIssued int                     `json:"half_open_probes_issued"`
	HalfOpenSuccesses    int                     `json:"half_open_successes"`
	// ChangedAt is when the breaker last entered its current state.
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

func closedState() State {
	return State{State: domain.CircuitClosed}
}

// allow decides whether one call may proceed at now and returns the state to
// persist. retryAfter is set when the call is refused.
func (s State) allow(now time.Time, cfg Config) (next State, ok bool, retryAfter time.Duration) {
	switch s.State {
	case domain.CircuitOpen:
		if elapsed := now.Sub(s.LastFailureAt); elapsed < cfg.ResetTimeout {
			return s, false, cfg.ResetTimeout - elapsed
		}
		s.State = domain.CircuitHalfOpen
		s.ChangedAt = now
		s.HalfOpenProbesIssued = 1
		s.HalfOpenSuccesses = 0
		return s, true, 0

	case domain.CircuitHalfOpen:
		if s.HalfOpenProbesIssued < cfg.HalfOpenMaxCalls {
			s.HalfOpenProbesIssued++
			return s, true, 0
		}
		// A probe that never reported would otherwise pin the breaker here.
		elapsed := now.Sub(s.ChangedAt)
		if elapsed < cfg.ResetTimeout {
			return s, false, cfg.ResetTimeout - elapsed
		}
		s.ChangedAt = now
		s.HalfOpenProbesIssued = 1
		s.HalfOpenSuccesses = 0
		return s, true, 0

	default:
		return s, true, 0
	}
}

func (s State) onSuccess(now time.Time, cfg Config) State {
	switch s.State {
	case domain.CircuitClosed:
		s.ConsecutiveFailures = 0
	case domain.CircuitHalfOpen:
		s.HalfOpenSuccesses++
		if s.HalfOpenSuccesses >= cfg.HalfOpenMaxCalls {
			s = closedState()
			s.ChangedAt = now
		}
	}
	return s
}

func (s State) onFailure(now time.Time, cfg Config) State {
	switch s.State {
	case domain.CircuitClosed:
		s.ConsecutiveFailures++
		s.LastFailureAt = now
		if s.ConsecutiveFailures >= cfg.FailureThreshold {
			s.State = domain.CircuitOpen
			s.ChangedAt = now
		}
	case domain.CircuitHalfOpen:
		s.State = domain.CircuitOpen
		s.ConsecutiveFailures++
		s.LastFailureAt = now
		s.ChangedAt = now
		s.HalfOpenProbesIssued = 0
		s.HalfOpenSuccesses = 0
	}
	return s
}

// release returns a half-open slot taken by allow for a call that was never made.
func (s State) release() State {
	if s.State == domain.CircuitHalfOpen && s.HalfOpenProbesIssued > s.HalfOpenSuccesses {
		s.HalfOpenProbesIssued--
	}
	return s
}

// view is the state an operator should see at now: an OPEN breaker whose
// reset timeout has elapsed reports HALF_OPEN even before the next call.
func (s State) view(now time.Time, cfg Config) State {
	if s.State == domain.CircuitOpen && now.Sub(s.LastFailureAt) >= cfg.ResetTimeout {
		s.State = domain.CircuitHalfOpen
		s.HalfOpenProbesIssued = 0
		s.HalfOpenSuccesses = 0
	}
	return s
}
