// Package dedup suppresses repeated enqueues that share a dedup key within a
// time window.
package dedup

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/store"
)

const (
	keyPrefix  = "notifications:dedup:"
	DefaultTTL = 5 * time.Minute
)

// Hooks are optional metric callbacks.
type Hooks struct {
	OnDuplicate func()
	OnFailOpen  func()
}

// Deduplicator claims dedup keys with a single atomic SetNX so two concurrent
// enqueues with the same key can never both win.
type Deduplicator struct {
	store  store.Store
	ttl    time.Duration
	logger *zap.Logger
	hooks  Hooks
}

func New(s store.Store, ttl time.Duration, logger *zap.Logger, hooks Hooks) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if hooks.OnDuplicate == nil {
		hooks.OnDuplicate = func() {}
	}
	if hooks.OnFailOpen == nil {
		hooks.OnFailOpen = func() {}
	}
	return &Deduplicator{store: s, ttl: ttl, logger: logger, hooks: hooks}
}

// Check records candidateID under key unless a live entry exists. When one
// does, it returns the original id and duplicate=true. An empty key is never a
// duplicate. Store failures fail open: the item is admitted.
func (d *Deduplicator) Check(ctx context.Context, key, candidateID string) (string, bool) {
	if key == "" {
		return "", false
	}
	k := keyPrefix + key

	claimed, err := d.store.SetNX(ctx, k, []byte(candidateID), d.ttl)
	if err != nil {
		d.failOpen(key, err)
		return "", false
	}
	if claimed {
		return "", false
	}

	existing, err := d.store.Get(ctx, k)
	if errors.Is(err, store.ErrNotFound) {
		// Expired between SetNX and Get; try once more to claim it.
		claimed, err = d.store.SetNX(ctx, k, []byte(candidateID), d.ttl)
		if err != nil {
			d.failOpen(key, err)
			return "", false
		}
		if claimed {
			return "", false
		}
		existing, err = d.store.Get(ctx, k)
	}
	if err != nil {
		d.failOpen(key, err)
		return "", false
	}

	d.hooks.OnDuplicate()
	return string(existing), true
}

// Release drops the entry for key if it still points at id. Used when the
// enqueue that claimed the key did not end up queueing anything.
func (d *Deduplicator) Release(ctx context.Context, key, id string) {
	if key == "" {
		return
	}
	if _, err := d.store.CompareAndSwap(ctx, keyPrefix+key, []byte(id), nil, 0); err != nil {
		d.logger.Warn("dedup release failed", zap.String("dedup_key", key), zap.Error(err))
	}
}

func (d *Deduplicator) failOpen(key string, err error) {
	d.hooks.OnFailOpen()
	d.logger.Warn("dedup store unavailable, admitting item",
		zap.String("dedup_key", key), zap.Error(err))
}
