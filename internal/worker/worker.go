package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/batch"
	"github.com/notifyhub/delivery-pipeline/internal/breaker"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/provider"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
)

const (
	// minDefer keeps a deferred unit from becoming ready again within the same pass.
	minDefer = 100 * time.Millisecond
	// errorBackoff is how long a partition rests after a failed dequeue.
	errorBackoff = time.Second
)

// Settings are the per-worker knobs derived from config.
type Settings struct {
	// Target names the provider for the circuit breaker.
	Target       string
	DequeueLimit int
	SendTimeout  time.Duration
	BatchSize    int
	MaxBatchWait time.Duration
	Retry        RetryPolicy
}

// Worker drains one partition per job: it pops every ready item, assembles
// them into units, and pushes each unit through breaker, rate limiter,
// throttle and provider, settling every popped item before the job ends.
type Worker struct {
	id       int
	sched    *Scheduler
	q        *queue.PriorityQueue
	breaker  *breaker.Breaker
	limiter  *ratelimiter.Limiter
	throttle *ratelimiter.Throttle
	prov     provider.Provider
	dead     repository.DeadLetterRepository
	settings Settings
	logger   *zap.Logger
	hooks    MetricHooks

	now func() time.Time
}

// NewWorker constructs a worker. Nil hooks are replaced with no-ops.
func NewWorker(
	id int,
	sched *Scheduler,
	q *queue.PriorityQueue,
	br *breaker.Breaker,
	limiter *ratelimiter.Limiter,
	throttle *ratelimiter.Throttle,
	prov provider.Provider,
	dead repository.DeadLetterRepository,
	settings Settings,
	logger *zap.Logger,
	hooks MetricHooks,
) *Worker {
	if settings.DequeueLimit <= 0 {
		settings.DequeueLimit = 50
	}
	if settings.SendTimeout <= 0 {
		settings.SendTimeout = 10 * time.Second
	}
	return &Worker{
		id: id, sched: sched, q: q, breaker: br,
		limiter: limiter, throttle: throttle, prov: prov, dead: dead,
		settings: settings, logger: logger, hooks: hooks.withDefaults(),
		now: time.Now,
	}
}

// Run blocks until ctx is cancelled, draining one partition per iteration.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.Int("id", w.id))
	for {
		partition, ok := w.sched.Next(ctx)
		if !ok {
			w.logger.Info("worker stopping", zap.Int("id", w.id))
			return
		}
		w.process(ctx, partition)
	}
}

func (w *Worker) process(ctx context.Context, partition string) {
	log := w.logger.With(zap.String("partition", partition))
	// Popped items belong to this worker until settled, so bookkeeping must
	// finish even when shutdown cancels ctx mid-pass.
	bg := context.WithoutCancel(ctx)

	now := w.now()
	items, dequeueErr := w.q.DequeueReady(ctx, partition, w.settings.DequeueLimit, now)
	if dequeueErr != nil {
		log.Error("dequeue failed", zap.Error(dequeueErr))
		w.sched.Arm(partition, errorBackoff)
	}
	items = w.dropCancelled(bg, items, log)
	if len(items) == 0 {
		return
	}

	if wait, hold := w.holdForBatch(items, now); hold {
		w.release(bg, items, log)
		w.sched.Arm(partition, wait)
		log.Debug("holding batchable items", zap.Int("count", len(items)), zap.Duration("wait", wait))
		return
	}

	b := batch.Assemble(items, now)
	if n := b.MergedCount(); n > 0 {
		w.hooks.OnMerged(n)
	}
	for _, u := range b.Units {
		if ctx.Err() != nil {
			w.release(bg, u.Members, log)
			continue
		}
		w.deliver(ctx, u)
	}

	if ctx.Err() != nil || dequeueErr != nil {
		return
	}
	if ready, err := w.q.HasReady(ctx, partition, w.now()); err == nil && ready {
		w.sched.Trigger(partition)
	}
}

// dropCancelled settles items that were cancelled after they were popped.
func (w *Worker) dropCancelled(ctx context.Context, items []domain.QueueItem, log *zap.Logger) []domain.QueueItem {
	live := items[:0]
	for _, it := range items {
		if !w.q.IsCancelled(ctx, it.ID) {
			live = append(live, it)
			continue
		}
		log.Debug("item cancelled in flight", zap.String("item_id", it.ID))
		if err := w.q.Complete(ctx, it); err != nil {
			log.Warn("failed to clear cancelled item", zap.String("item_id", it.ID), zap.Error(err))
		}
	}
	return live
}

// holdForBatch returns true when every ready item is a fresh batchable
// non-critical item, there are fewer than BatchSize of them, and the oldest
// was enqueued less than MaxBatchWait ago. The returned duration is the time
// left. Items that were deferred or scheduled past that point go out as soon
// as they are due.
func (w *Worker) holdForBatch(items []domain.QueueItem, now time.Time) (time.Duration, bool) {
	if w.settings.BatchSize <= 1 || w.settings.MaxBatchWait <= 0 || len(items) >= w.settings.BatchSize {
		return 0, false
	}
	var oldest time.Time
	for _, it := range items {
		if !it.Batchable || it.Severity == domain.SeverityCritical || it.Attempts > 0 {
			return 0, false
		}
		if oldest.IsZero() || it.CreatedAt.Before(oldest) {
			oldest = it.CreatedAt
		}
	}
	left := w.settings.MaxBatchWait - now.Sub(oldest)
	if left <= 0 {
		return 0, false
	}
	return left, true
}

func (w *Worker) deliver(ctx context.Context, u batch.Unit) {
	bg := context.WithoutCancel(ctx)
	log := w.logger.With(
		zap.String("unit_id", u.Item.ID),
		zap.String("recipient_id", u.Item.RecipientID),
		zap.String("severity", string(u.Item.Severity)),
		zap.Int("members", len(u.Members)),
	)
	now := w.now()

	if err := w.breaker.Allow(bg, w.settings.Target, now); err != nil {
		var open *domain.CircuitOpenError
		retryAfter := time.Second
		if errors.As(err, &open) {
			retryAfter = max(open.RetryAfter, minDefer)
		}
		log.Debug("circuit open, deferring", zap.Duration("retry_after", retryAfter))
		w.reschedule(bg, u.Members, now.Add(retryAfter), log)
		return
	}

	if d := w.limiter.CheckAndReserve(bg, u.Item.RecipientID, u.Item.Severity, now); !d.Allowed {
		w.breaker.Release(bg, w.settings.Target)
		w.hooks.OnRateLimited()
		log.Debug("rate limited at send", zap.Error(d.Err()))
		w.reschedule(bg, u.Members, now.Add(max(d.RetryAfter, minDefer)), log)
		return
	}

	// Block here until the throughput throttle grants a token.
	if err := w.throttle.Wait(ctx); err != nil {
		w.breaker.Release(bg, w.settings.Target)
		w.release(bg, u.Members, log)
		return
	}

	msg := provider.Message{
		ID:          u.Item.ID,
		RecipientID: u.Item.RecipientID,
		Severity:    u.Item.Severity,
		Payload:     u.Item.Payload,
		ItemIDs:     memberIDs(u.Members),
		Merged:      u.Merged,
		SentAt:      now,
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.settings.SendTimeout)
	start := time.Now()
	sendErr := w.prov.Send(sendCtx, msg)
	latency := time.Since(start)
	cancel()

	switch {
	case sendErr == nil:
		w.breaker.RecordSuccess(bg, w.settings.Target, w.now())
		w.hooks.OnSent(u.Item.Severity, latency)
		if err := w.q.Complete(bg, u.Members...); err != nil {
			log.Error("failed to complete delivered items", zap.Error(err))
		}
		log.Info("notification sent", zap.Bool("merged", u.Merged), zap.Duration("latency", latency))

	case ctx.Err() != nil:
		// Shutdown interrupted the call; the attempt is not charged.
		w.breaker.Release(bg, w.settings.Target)
		w.release(bg, u.Members, log)

	case domain.IsPermanent(sendErr):
		// The provider answered, so its health is not in question.
		w.breaker.RecordSuccess(bg, w.settings.Target, w.now())
		w.hooks.OnFailed(domain.KindPermanent, latency)
		log.Warn("provider rejected notification", zap.Error(sendErr))
		w.deadLetter(bg, u.Members, domain.ReasonPermanent, sendErr, log)

	default:
		w.breaker.RecordFailure(bg, w.settings.Target, w.now())
		w.hooks.OnFailed(domain.KindTransient, latency)
		log.Warn("provider send failed", zap.Error(sendErr))
		w.handleTransient(bg, u.Members, sendErr, log)
	}
}

// handleTransient charges one failure to every member and either schedules a
// retry with backoff or dead-letters the member once its retries are spent.
func (w *Worker) handleTransient(ctx context.Context, members []domain.QueueItem, sendErr error, log *zap.Logger) {
	now := w.now()
	var exhausted []domain.QueueItem
	for _, m := range members {
		m.LastError = sendErr.Error()
		if w.settings.Retry.Exhausted(m.Attempts + 1) {
			m.Attempts++
			exhausted = append(exhausted, m)
			continue
		}
		next := now.Add(w.settings.Retry.Backoff(m.Attempts))
		if err := w.q.Requeue(ctx, m, next); err != nil {
			log.Error("failed to schedule retry", zap.String("item_id", m.ID), zap.Error(err))
			continue
		}
		log.Debug("retry scheduled",
			zap.String("item_id", m.ID),
			zap.Int("attempts", m.Attempts+1),
			zap.Time("next_attempt", next))
	}
	if len(exhausted) > 0 {
		w.deadLetter(ctx, exhausted, domain.ReasonRetriesExhausted, sendErr, log)
	}
}

func (w *Worker) deadLetter(ctx context.Context, members []domain.QueueItem, reason domain.DeadLetterReason, cause error, log *zap.Logger) {
	failedAt := w.now().UTC()
	for _, m := range members {
		m.LastError = cause.Error()
		if err := w.dead.Add(ctx, domain.DeadLetter{
			Item:      m,
			Reason:    reason,
			LastError: cause.Error(),
			FailedAt:  failedAt,
		}); err != nil {
			log.Error("failed to store dead letter", zap.String("item_id", m.ID), zap.Error(err))
		}
	}
	if err := w.q.Complete(ctx, members...); err != nil {
		log.Error("failed to clear dead-lettered items", zap.Error(err))
	}
	w.hooks.OnDeadLettered(reason, len(members))
	log.Warn("items dead-lettered", zap.String("reason", string(reason)), zap.Int("count", len(members)))
}

// reschedule defers members to at without charging an attempt.
func (w *Worker) reschedule(ctx context.Context, members []domain.QueueItem, at time.Time, log *zap.Logger) {
	for _, m := range members {
		if err := w.q.Reschedule(ctx, m, at); err != nil {
			log.Error("failed to reschedule item", zap.String("item_id", m.ID), zap.Error(err))
		}
	}
}

// release returns members untouched.
func (w *Worker) release(ctx context.Context, members []domain.QueueItem, log *zap.Logger) {
	for _, m := range members {
		if err := w.q.Reschedule(ctx, m, m.ScheduledFor); err != nil {
			log.Error("failed to release item", zap.String("item_id", m.ID), zap.Error(err))
		}
	}
}

func memberIDs(members []domain.QueueItem) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}
