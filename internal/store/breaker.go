package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// BreakerConfig tunes the store-level breaker.
type BreakerConfig struct {
	Enabled      bool
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// BreakerStore wraps a networked Store with a gobreaker circuit so that an
// unreachable backend fails fast with domain.ErrStoreUnavailable instead of
// making every caller wait out its own timeout.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

var _ Store = (*BreakerStore)(nil)

// NewBreakerStore returns next unchanged when the breaker is disabled.
func NewBreakerStore(next Store, cfg BreakerConfig, logger *zap.Logger, onStateChange func(from, to gobreaker.State)) Store {
	if !cfg.Enabled {
		return next
	}
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onStateChange != nil {
				onStateChange(from, to)
			}
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state for health checks.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func run[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	v, _ := res.(T)
	return v, err
}

func exec(b *BreakerStore, fn func() error) error {
	_, err := run(b, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (b *BreakerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return run(b, func() (bool, error) { return b.next.SetNX(ctx, key, value, ttl) })
}

func (b *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	return run(b, func() ([]byte, error) { return b.next.Get(ctx, key) })
}

func (b *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return exec(b, func() error { return b.next.Set(ctx, key, value, ttl) })
}

func (b *BreakerStore) Delete(ctx context.Context, keys ...string) error {
	return exec(b, func() error { return b.next.Delete(ctx, keys...) })
}

func (b *BreakerStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	return run(b, func() (bool, error) { return b.next.CompareAndSwap(ctx, key, old, next, ttl) })
}

type incrResult struct {
	allowed bool
	blocked int
}

func (b *BreakerStore) IncrWithinLimits(ctx context.Context, counters []Counter) (bool, int, error) {
	r, err := run(b, func() (incrResult, error) {
		allowed, blocked, err := b.next.IncrWithinLimits(ctx, counters)
		return incrResult{allowed, blocked}, err
	})
	if err != nil {
		return false, -1, err
	}
	return r.allowed, r.blocked, nil
}

func (b *BreakerStore) Counts(ctx context.Context, keys ...string) ([]int64, error) {
	return run(b, func() ([]int64, error) { return b.next.Counts(ctx, keys...) })
}

func (b *BreakerStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return exec(b, func() error { return b.next.ZAdd(ctx, key, member, score) })
}

func (b *BreakerStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	return run(b, func() (bool, error) { return b.next.ZRem(ctx, key, member) })
}

func (b *BreakerStore) ZPopByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	return run(b, func() ([]string, error) { return b.next.ZPopByScore(ctx, key, max, limit) })
}

func (b *BreakerStore) ZCard(ctx context.Context, key string) (int64, error) {
	return run(b, func() (int64, error) { return b.next.ZCard(ctx, key) })
}

type zhead struct {
	member string
	score  float64
	ok     bool
}

func (b *BreakerStore) ZHead(ctx context.Context, key string) (string, float64, bool, error) {
	h, err := run(b, func() (zhead, error) {
		member, score, ok, err := b.next.ZHead(ctx, key)
		return zhead{member, score, ok}, err
	})
	return h.member, h.score, h.ok, err
}

func (b *BreakerStore) SAdd(ctx context.Context, key, member string) error {
	return exec(b, func() error { return b.next.SAdd(ctx, key, member) })
}

func (b *BreakerStore) SRem(ctx context.Context, key, member string) error {
	return exec(b, func() error { return b.next.SRem(ctx, key, member) })
}

func (b *BreakerStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return run(b, func() ([]string, error) { return b.next.SMembers(ctx, key) })
}

// Ping bypasses the breaker so health checks see the real backend state.
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *BreakerStore) Close() error {
	return b.next.Close()
}
