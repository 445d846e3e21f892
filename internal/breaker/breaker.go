// Package breaker implements the delivery circuit breaker. State lives in the
// shared store so every worker process sees the same breaker, and every
// mutation is a compare-and-swap so concurrent workers never lose an update.
package breaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/store"
)

const (
	keyPrefix     = "circuit:"
	maxCASRetries = 16
)

// ErrContention is returned when a CAS loop gives up.
var ErrContention = errors.New("breaker: too much contention on state record")

// Breaker guards calls to a delivery target.
type Breaker struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger

	// OnStateChange is called after a transition is persisted.
	OnStateChange func(target string, from, to domain.CircuitStateName)
}

func New(s store.Store, cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		store:         s,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		OnStateChange: func(string, domain.CircuitStateName, domain.CircuitStateName) {},
	}
}

// Allow returns nil when a call to target may proceed, or a
// *domain.CircuitOpenError. Storage failures fail open.
func (b *Breaker) Allow(ctx context.Context, target string, now time.Time) error {
	var (
		ok         bool
		retryAfter time.Duration
	)
	err := b.update(ctx, target, func(s State) State {
		var next State
		next, ok, retryAfter = s.allow(now, b.cfg)
		return next
	})
	if err != nil {
		b.logger.Warn("circuit state unavailable, allowing call",
			zap.String("target", target), zap.Error(err))
		return nil
	}
	if !ok {
		return &domain.CircuitOpenError{Target: target, RetryAfter: retryAfter}
	}
	return nil
}

// RecordSuccess reports a successful call to target.
func (b *Breaker) RecordSuccess(ctx context.Context, target string, now time.Time) {
	err := b.update(ctx, target, func(s State) State { return s.onSuccess(now, b.cfg) })
	if err != nil {
		b.logger.Warn("failed to record circuit success", zap.String("target", target), zap.Error(err))
	}
}

// RecordFailure reports a transient failure of target.
func (b *Breaker) RecordFailure(ctx context.Context, target string, now time.Time) {
	err := b.update(ctx, target, func(s State) State { return s.onFailure(now, b.cfg) })
	if err != nil {
		b.logger.Warn("failed to record circuit failure", zap.String("target", target), zap.Error(err))
	}
}

// Release hands back the permission granted by Allow when the caller deferred
// the call before reaching target. Only a HALF_OPEN trial slot is affected.
func (b *Breaker) Release(ctx context.Context, target string) {
	err := b.update(ctx, target, func(s State) State { return s.release() })
	if err != nil {
		b.logger.Warn("failed to release half-open slot", zap.String("target", target), zap.Error(err))
	}
}

// Snapshot returns the state of target as of now without mutating it.
func (b *Breaker) Snapshot(ctx context.Context, target string, now time.Time) (State, error) {
	s, _, err := b.load(ctx, target)
	if err != nil {
		return closedState(), err
	}
	return s.view(now, b.cfg), nil
}

func (b *Breaker) load(ctx context.Context, target string) (State, []byte, error) {
	raw, err := b.store.Get(ctx, keyPrefix+target)
	if errors.Is(err, store.ErrNotFound) {
		return closedState(), nil, nil
	}
	if err != nil {
		return State{}, nil, fmt.Errorf("load circuit %s: %w", target, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, nil, fmt.Errorf("decode circuit %s: %w", target, err)
	}
	if s.State == "" {
		s.State = domain.CircuitClosed
	}
	return s, raw, nil
}

// update applies fn to the stored state with a bounded CAS loop. fn must be
// pure; it may run several times.
func (b *Breaker) update(ctx context.Context, target string, fn func(State) State) error {
	key := keyPrefix + target
	for i := 0; i < maxCASRetries; i++ {
		cur, raw, err := b.load(ctx, target)
		if err != nil {
			return err
		}
		next := fn(cur)
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode circuit %s: %w", target, err)
		}
		if raw != nil && bytes.Equal(raw, encoded) {
			return nil
		}
		swapped, err := b.store.CompareAndSwap(ctx, key, raw, encoded, 0)
		if err != nil {
			return fmt.Errorf("swap circuit %s: %w", target, err)
		}
		if swapped {
			if cur.State != next.State {
				b.logger.Info("circuit state change",
					zap.String("target", target),
					zap.String("from", string(cur.State)),
					zap.String("to", string(next.State)),
				)
				b.OnStateChange(target, cur.State, next.State)
			}
			return nil
		}
	}
	return ErrContention
}
