package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/store"
)

// Config bounds the queue.
//
//	MaxPartitionDepth: a recipient partition holding this many items spills
//	                   further items into the shared overflow partition
//	OverflowCapacity:  once overflow is this deep, Insert fails with ErrQueueFull
//	TombstoneTTL:      how long an in-flight cancellation is remembered
type Config struct {
	MaxPartitionDepth int64
	OverflowCapacity  int64
	TombstoneTTL      time.Duration
}

// PriorityQueue keeps items in per-recipient sorted sets plus a dedicated
// critical partition. Item bodies live in separate records so a member can be
// popped atomically and then loaded; a missing record means the item was
// cancelled after it was popped.
type PriorityQueue struct {
	store store.Store
	cfg   Config
}

func New(s store.Store, cfg Config) *PriorityQueue {
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = 10 * time.Minute
	}
	return &PriorityQueue{store: s, cfg: cfg}
}

// Insert stores item and returns the partition it was placed in.
func (q *PriorityQueue) Insert(ctx context.Context, item domain.QueueItem) (string, error) {
	partition, err := q.choosePartition(ctx, item)
	if err != nil {
		return "", err
	}
	item.Partition = partition
	if err := q.put(ctx, item); err != nil {
		return "", err
	}
	return partition, nil
}

func (q *PriorityQueue) choosePartition(ctx context.Context, item domain.QueueItem) (string, error) {
	if item.Severity == domain.SeverityCritical {
		return CriticalPartition, nil
	}
	partition := UserPartition(item.RecipientID)
	if q.cfg.MaxPartitionDepth <= 0 {
		return partition, nil
	}
	depth, err := q.store.ZCard(ctx, partition)
	if err != nil {
		return "", fmt.Errorf("partition depth: %w", err)
	}
	if depth < q.cfg.MaxPartitionDepth {
		return partition, nil
	}
	if q.cfg.OverflowCapacity > 0 {
		over, err := q.store.ZCard(ctx, OverflowPartition)
		if err != nil {
			return "", fmt.Errorf("overflow depth: %w", err)
		}
		if over >= q.cfg.OverflowCapacity {
			return "", domain.ErrQueueFull
		}
	}
	return OverflowPartition, nil
}

// put writes the record before the index entry so a popped member always has
// a body to load unless it was cancelled.
func (q *PriorityQueue) put(ctx context.Context, item domain.QueueItem) error {
	b, err := encode(item)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, itemKey(item.ID), b, 0); err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	if err := q.store.ZAdd(ctx, item.Partition, item.ID, score(item.Partition, item)); err != nil {
		return fmt.Errorf("index item: %w", err)
	}
	if err := q.store.SAdd(ctx, PartitionsKey, item.Partition); err != nil {
		return fmt.Errorf("register partition: %w", err)
	}
	return nil
}

// DequeueReady atomically removes up to limit items whose scheduledFor <= now
// and returns them in score order. Popped items are owned by the caller until
// it calls Requeue, Reschedule or Complete.
//
// A member whose record cannot be read is put back as due at now, so a store
// hiccup between the pop and the loads delays it rather than orphaning it.
// The returned error reports those members alongside the items that loaded.
func (q *PriorityQueue) DequeueReady(ctx context.Context, partition string, limit int, now time.Time) ([]domain.QueueItem, error) {
	ids, err := q.store.ZPopByScore(ctx, partition, readyScore(partition, now), limit)
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", partition, err)
	}

	items := make([]domain.QueueItem, 0, len(ids))
	var errs []error
	for _, id := range ids {
		b, err := q.store.Get(ctx, itemKey(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load item %s: %w", id, err))
			if err := q.store.ZAdd(ctx, partition, id, readyScore(partition, now)); err != nil {
				errs = append(errs, fmt.Errorf("restore item %s: %w", id, err))
			}
			continue
		}
		item, err := decode(b)
		if err != nil {
			// An undecodable record can never be delivered; leave it out.
			errs = append(errs, fmt.Errorf("item %s: %w", id, err))
			continue
		}
		item.Partition = partition
		items = append(items, item)
	}

	if len(errs) == 0 {
		if err := q.prune(ctx, partition); err != nil {
			errs = append(errs, err)
		}
	}
	return items, errors.Join(errs...)
}

// prune unregisters an empty partition. The second ZCard closes the window in
// which an Insert lands between the emptiness check and the SRem.
func (q *PriorityQueue) prune(ctx context.Context, partition string) error {
	n, err := q.store.ZCard(ctx, partition)
	if err != nil || n > 0 {
		return err
	}
	if err := q.store.SRem(ctx, PartitionsKey, partition); err != nil {
		return err
	}
	n, err = q.store.ZCard(ctx, partition)
	if err != nil {
		return err
	}
	if n > 0 {
		return q.store.SAdd(ctx, PartitionsKey, partition)
	}
	return nil
}

// Requeue puts a failed item back with one more attempt recorded.
func (q *PriorityQueue) Requeue(ctx context.Context, item domain.QueueItem, at time.Time) error {
	item.Attempts++
	item.ScheduledFor = at
	return q.reinsert(ctx, item)
}

// Reschedule defers an item without charging an attempt. Used when delivery
// was never tried (rate limited, circuit open).
func (q *PriorityQueue) Reschedule(ctx context.Context, item domain.QueueItem, at time.Time) error {
	item.ScheduledFor = at
	return q.reinsert(ctx, item)
}

func (q *PriorityQueue) reinsert(ctx context.Context, item domain.QueueItem) error {
	if item.Partition == "" {
		_, err := q.Insert(ctx, item)
		return err
	}
	return q.put(ctx, item)
}

// Complete removes the records of items that reached a terminal state.
func (q *PriorityQueue) Complete(ctx context.Context, items ...domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items)*2)
	for _, it := range items {
		keys = append(keys, itemKey(it.ID), cancelKey(it.ID))
	}
	return q.store.Delete(ctx, keys...)
}

// Cancel removes a queued item. It returns false when the item is unknown or
// already in flight; in-flight items are tombstoned so the worker holding
// them can drop them before sending.
func (q *PriorityQueue) Cancel(ctx context.Context, id string) (bool, error) {
	b, err := q.store.Get(ctx, itemKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load item %s: %w", id, err)
	}
	item, err := decode(b)
	if err != nil {
		return false, err
	}

	removed, err := q.store.ZRem(ctx, item.Partition, id)
	if err != nil {
		return false, fmt.Errorf("unindex item %s: %w", id, err)
	}
	if removed {
		return true, q.store.Delete(ctx, itemKey(id))
	}

	if err := q.store.Set(ctx, cancelKey(id), []byte("1"), q.cfg.TombstoneTTL); err != nil {
		return false, fmt.Errorf("tombstone %s: %w", id, err)
	}
	return false, nil
}

// IsCancelled reports whether a cancellation arrived while id was in flight.
func (q *PriorityQueue) IsCancelled(ctx context.Context, id string) bool {
	_, err := q.store.Get(ctx, cancelKey(id))
	return err == nil
}

// Partitions lists every partition that may hold items.
func (q *PriorityQueue) Partitions(ctx context.Context) ([]string, error) {
	return q.store.SMembers(ctx, PartitionsKey)
}

func (q *PriorityQueue) Depth(ctx context.Context, partition string) (int64, error) {
	return q.store.ZCard(ctx, partition)
}

// HasReady reports whether partition holds at least one item due at now.
func (q *PriorityQueue) HasReady(ctx context.Context, partition string, now time.Time) (bool, error) {
	_, s, ok, err := q.store.ZHead(ctx, partition)
	if err != nil || !ok {
		return false, err
	}
	return s <= readyScore(partition, now), nil
}

// Stats sums depth over all partitions and reports how long the most overdue
// item has been waiting past its scheduled time.
func (q *PriorityQueue) Stats(ctx context.Context, now time.Time) (depth int64, oldestAge time.Duration, err error) {
	partitions, err := q.Partitions(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range partitions {
		n, err := q.store.ZCard(ctx, p)
		if err != nil {
			return 0, 0, err
		}
		depth += n
		_, s, ok, err := q.store.ZHead(ctx, p)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			continue
		}
		if age := now.Sub(scheduledAt(p, s)); age > oldestAge {
			oldestAge = age
		}
	}
	return depth, oldestAge, nil
}
