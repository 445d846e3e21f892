// Package store defines the small capability set the pipeline needs from its
// backing store. Queue partitions, rate-limit counters, breaker state and
// dedup entries are all expressed in terms of these operations so that any
// backend (in-process, Redis) can host them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Counter is one window counter taking part in an atomic admission check.
// Limit == 0 means unlimited: the counter is incremented but never blocks.
type Counter struct {
	Key   string
	Limit int64
	TTL   time.Duration
}

// Store is implemented by MemoryStore, RedisStore and the BreakerStore decorator.
type Store interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// CompareAndSwap replaces key's value with next only if it currently equals
	// old. A nil old means the key must not exist. A nil next deletes the key.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)

	// IncrWithinLimits increments every counter, or none of them when any
	// limited counter is already at its limit. blocked is the index of the
	// first counter that denied, or -1.
	IncrWithinLimits(ctx context.Context, counters []Counter) (allowed bool, blocked int, err error)
	Counts(ctx context.Context, keys ...string) ([]int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key, member string) (bool, error)
	// ZPopByScore removes and returns up to limit members with score <= max,
	// lowest score first. Removal happens before the members are returned.
	ZPopByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZHead(ctx context.Context, key string) (member string, score float64, ok bool, err error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
