package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/breaker"
	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/dedup"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/metrics"
	"github.com/notifyhub/delivery-pipeline/internal/preferences"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/store"
)

// Enqueue outcomes reported through Hooks.OnEnqueued.
const (
	OutcomeQueued      = "queued"
	OutcomeDuplicate   = "duplicate"
	OutcomeSuppressed  = "suppressed"
	OutcomeRateLimited = "rate_limited"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// Scheduler is the part of the trigger runner the service needs.
type Scheduler interface {
	Trigger(partition string)
	Arm(partition string, after time.Duration)
}

// DeliveryStats reports recent delivery figures for health.
type DeliveryStats interface {
	Snapshot(now time.Time) metrics.Snapshot
}

// Hooks are optional observation callbacks injected by main.
type Hooks struct {
	OnEnqueued func(outcome string)
	OnHealth   func(h domain.Health)
}

// Options are the pipeline knobs the service enforces at admission.
type Options struct {
	BatchSize         int
	MaxBatchWait      time.Duration
	MaxPayloadBytes   int
	DegradedErrorRate float64
	// BreakerTarget is the provider name the delivery breaker is keyed on.
	BreakerTarget string
}

// OptionsFrom maps config onto service options.
func OptionsFrom(cfg *config.Config) Options {
	target := cfg.Provider.Type
	if target == "" {
		target = "webhook"
	}
	return Options{
		BatchSize:         cfg.Pipeline.BatchSize,
		MaxBatchWait:      cfg.Pipeline.MaxBatchWait,
		MaxPayloadBytes:   cfg.Pipeline.MaxPayloadBytes,
		DegradedErrorRate: cfg.Pipeline.DegradedErrorRate,
		BreakerTarget:     target,
	}
}

// Deps are the collaborators of NotificationService.
type Deps struct {
	Store       store.Store
	Queue       *queue.PriorityQueue
	Dedup       *dedup.Deduplicator
	Limiter     *ratelimiter.Limiter
	Breaker     *breaker.Breaker
	Preferences preferences.Checker
	Scheduler   Scheduler
	DeadLetters repository.DeadLetterRepository
	Stats       DeliveryStats
}

// NotificationService is the producer-facing side of the pipeline.
// All admission rules (validation, preferences, dedup, rate limits, trigger
// policy) live here. HTTP handlers depend on this service, workers do not.
type NotificationService struct {
	deps   Deps
	opts   Options
	hooks  Hooks
	logger *zap.Logger

	now func() time.Time
}

func NewNotificationService(deps Deps, opts Options, hooks Hooks, logger *zap.Logger) *NotificationService {
	if deps.Preferences == nil {
		deps.Preferences = preferences.AllowAll{}
	}
	if hooks.OnEnqueued == nil {
		hooks.OnEnqueued = func(string) {}
	}
	if hooks.OnHealth == nil {
		hooks.OnHealth = func(domain.Health) {}
	}
	return &NotificationService{deps: deps, opts: opts, hooks: hooks, logger: logger, now: time.Now}
}

// Enqueue admits one notification.
//
// Order of checks: validation, user preferences (CRITICAL skips them), dedup,
// rate-limit pre-check, insert, trigger. A rate-limited item is still queued,
// scheduled for when the blocking window reopens.
func (s *NotificationService) Enqueue(
	ctx context.Context,
	recipientID string,
	payload domain.Payload,
	severity domain.Severity,
	opts domain.EnqueueOptions,
) (domain.EnqueueResult, error) {
	recipientID = strings.TrimSpace(recipientID)
	severity, err := s.validate(recipientID, payload, severity)
	if err != nil {
		return domain.EnqueueResult{}, err
	}

	now := s.now().UTC()
	scheduledFor := now
	if opts.ScheduledFor != nil && opts.ScheduledFor.After(now) {
		scheduledFor = opts.ScheduledFor.UTC()
	}
	log := s.logger.With(
		zap.String("recipient_id", recipientID),
		zap.String("severity", string(severity)),
		zap.String("category", payload.Category),
	)

	if severity != domain.SeverityCritical &&
		!s.deps.Preferences.IsAllowed(ctx, recipientID, payload.Category, scheduledFor) {
		s.hooks.OnEnqueued(OutcomeSuppressed)
		log.Debug("suppressed by user preferences")
		return domain.EnqueueResult{Suppressed: true}, nil
	}

	id := uuid.NewString()
	if opts.DedupKey != "" {
		if original, dup := s.deps.Dedup.Check(ctx, opts.DedupKey, id); dup {
			s.hooks.OnEnqueued(OutcomeDuplicate)
			log.Debug("duplicate enqueue", zap.String("dedup_key", opts.DedupKey), zap.String("id", original))
			return domain.EnqueueResult{ID: original, Queued: true, Duplicate: true}, nil
		}
	}

	result := domain.EnqueueResult{ID: id, Queued: true}
	if d := s.deps.Limiter.Check(ctx, recipientID, severity, now); !d.Allowed {
		retryAt := now.Add(d.RetryAfter)
		if retryAt.After(scheduledFor) {
			scheduledFor = retryAt
		}
		result.RateLimited = true
		result.RetryAfter = d.RetryAfter
		log.Info("rate limited at enqueue", zap.Error(d.Err()))
	}
	result.ScheduledFor = scheduledFor

	item := domain.QueueItem{
		ID:           id,
		RecipientID:  recipientID,
		Payload:      payload,
		Severity:     severity,
		ScheduledFor: scheduledFor,
		Batchable:    opts.Batchable && severity != domain.SeverityCritical,
		DedupKey:     opts.DedupKey,
		CreatedAt:    now,
	}

	partition, err := s.deps.Queue.Insert(ctx, item)
	if err != nil {
		if opts.DedupKey != "" {
			s.deps.Dedup.Release(ctx, opts.DedupKey, id)
		}
		if errors.Is(err, domain.ErrQueueFull) {
			return domain.EnqueueResult{}, err
		}
		return domain.EnqueueResult{}, fmt.Errorf("insert item: %w", err)
	}

	s.schedule(ctx, partition, item, now)

	if result.RateLimited {
		s.hooks.OnEnqueued(OutcomeRateLimited)
	} else {
		s.hooks.OnEnqueued(OutcomeQueued)
	}
	log.Debug("notification queued", zap.String("id", id), zap.String("partition", partition))
	return result, nil
}

// validate checks the request and returns the normalized severity.
func (s *NotificationService) validate(recipientID string, payload domain.Payload, severity domain.Severity) (domain.Severity, error) {
	if recipientID == "" {
		return "", domain.NewValidationError("recipient_id", domain.ErrInvalidRecipient)
	}
	sev, err := domain.ParseSeverity(string(severity))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.Title) == "" && strings.TrimSpace(payload.Body) == "" {
		return "", domain.NewValidationError("payload", domain.ErrEmptyPayload)
	}
	if s.opts.MaxPayloadBytes > 0 && payload.Size() > s.opts.MaxPayloadBytes {
		return "", domain.NewValidationError("payload", domain.ErrPayloadTooLarge)
	}
	return sev, nil
}

// schedule wakes a worker for the new item: critical and non-batchable due
// items go now, a batchable item goes when its partition reaches a full
// batch, otherwise the max-wait timer bounds how long it sits.
func (s *NotificationService) schedule(ctx context.Context, partition string, item domain.QueueItem, now time.Time) {
	if item.ScheduledFor.After(now) {
		s.deps.Scheduler.Arm(partition, item.ScheduledFor.Sub(now))
		return
	}
	if !item.Batchable {
		s.deps.Scheduler.Trigger(partition)
		return
	}
	depth, err := s.deps.Queue.Depth(ctx, partition)
	if err != nil {
		s.logger.Warn("partition depth unavailable, triggering", zap.String("partition", partition), zap.Error(err))
		s.deps.Scheduler.Trigger(partition)
		return
	}
	if depth >= int64(s.opts.BatchSize) {
		s.deps.Scheduler.Trigger(partition)
		return
	}
	s.deps.Scheduler.Arm(partition, s.opts.MaxBatchWait)
}

// Cancel removes a queued item. It returns false when the item is unknown or
// already being delivered; cancellation after dequeue is best effort.
func (s *NotificationService) Cancel(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	return s.deps.Queue.Cancel(ctx, id)
}

// DeadLetters returns the newest dead letters for operator inspection.
func (s *NotificationService) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	if limit > maxDeadLetterLimit {
		limit = maxDeadLetterLimit
	}
	return s.deps.DeadLetters.List(ctx, limit)
}

// GetHealth assembles the operational snapshot. Unhealthy means the backing
// store is unreachable; degraded means delivery is impaired (circuit not
// closed, or recent error rate at or above the threshold).
func (s *NotificationService) GetHealth(ctx context.Context) domain.Health {
	now := s.now()
	h := domain.Health{
		Status:       domain.StatusHealthy,
		CircuitState: domain.CircuitClosed,
		Checks:       map[string]string{},
		Timestamp:    now.UTC(),
	}

	if err := s.deps.Store.Ping(ctx); err != nil {
		h.Checks["store"] = err.Error()
		h.Status = domain.StatusUnhealthy
	} else {
		h.Checks["store"] = "ok"
	}

	if depth, oldest, err := s.deps.Queue.Stats(ctx, now); err != nil {
		h.Checks["queue"] = err.Error()
	} else {
		h.QueueDepth = depth
		h.OldestItemAgeMs = oldest.Milliseconds()
		h.Checks["queue"] = "ok"
	}

	if snap, err := s.deps.Breaker.Snapshot(ctx, s.opts.BreakerTarget, now); err != nil {
		h.Checks["circuit"] = err.Error()
	} else {
		h.CircuitState = snap.State
	}

	if n, err := s.deps.DeadLetters.Count(ctx); err != nil {
		h.Checks["dead_letters"] = err.Error()
	} else {
		h.DeadLetters = n
		h.Checks["dead_letters"] = "ok"
	}

	if s.deps.Stats != nil {
		st := s.deps.Stats.Snapshot(now)
		h.RecentErrorRate = st.ErrorRate
		h.ThroughputPerSec = st.Throughput
		h.AvgLatencyMs = float64(st.AvgLatency) / float64(time.Millisecond)
		if h.Status == domain.StatusHealthy && st.Sends+st.Failures > 0 &&
			s.opts.DegradedErrorRate > 0 && st.ErrorRate >= s.opts.DegradedErrorRate {
			h.Status = domain.StatusDegraded
		}
	}
	if h.Status == domain.StatusHealthy && h.CircuitState != domain.CircuitClosed {
		h.Status = domain.StatusDegraded
	}

	s.hooks.OnHealth(h)
	return h
}
