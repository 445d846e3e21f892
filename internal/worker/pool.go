package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/breaker"
	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/provider"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the pool constructor signature clean.
type MetricHooks struct {
	OnSent         func(sev domain.Severity, latency time.Duration)
	OnFailed       func(kind domain.DeliveryErrorKind, latency time.Duration)
	OnDeadLettered func(reason domain.DeadLetterReason, n int)
	OnRateLimited  func()
	OnMerged       func(n int)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnSent == nil {
		h.OnSent = func(domain.Severity, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.DeliveryErrorKind, time.Duration) {}
	}
	if h.OnDeadLettered == nil {
		h.OnDeadLettered = func(domain.DeadLetterReason, int) {}
	}
	if h.OnRateLimited == nil {
		h.OnRateLimited = func() {}
	}
	if h.OnMerged == nil {
		h.OnMerged = func(int) {}
	}
	return h
}

// SettingsFrom maps config onto worker settings.
func SettingsFrom(cfg *config.Config) Settings {
	target := cfg.Provider.Type
	if target == "" {
		target = "webhook"
	}
	return Settings{
		Target:       target,
		DequeueLimit: cfg.Pipeline.DequeueLimit,
		SendTimeout:  cfg.Provider.Timeout,
		BatchSize:    cfg.Pipeline.BatchSize,
		MaxBatchWait: cfg.Pipeline.MaxBatchWait,
		Retry:        RetryPolicyFrom(cfg.Retry),
	}
}

// Pool manages the lifecycle of all workers.
// All workers share the scheduler's job channel, so a partition is only ever
// picked up by whichever worker is free.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates cfg.Pipeline.Workers identical workers.
func NewPool(
	cfg *config.Config,
	sched *Scheduler,
	q *queue.PriorityQueue,
	br *breaker.Breaker,
	limiter *ratelimiter.Limiter,
	throttle *ratelimiter.Throttle,
	prov provider.Provider,
	dead repository.DeadLetterRepository,
	logger *zap.Logger,
	hooks MetricHooks,
) *Pool {
	total := cfg.Pipeline.Workers
	if total <= 0 {
		total = 1
	}
	settings := SettingsFrom(cfg)
	workers := make([]*Worker, total)

	for i := range workers {
		workers[i] = NewWorker(
			i, sched, q, br, limiter, throttle, prov, dead,
			settings,
			logger.With(zap.Int("worker_id", i)),
			hooks,
		)
	}

	return &Pool{workers: workers}
}

// Start launches all workers as goroutines.
// The provided ctx is forwarded to every worker; cancelling it
// triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight units settle.
func (p *Pool) Wait() {
	p.wg.Wait()
}
