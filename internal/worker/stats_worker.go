package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/queue"
)

// StatsWorker periodically samples queue depth and the age of the most
// overdue item so the gauges stay current between health polls.
type StatsWorker struct {
	q        *queue.PriorityQueue
	interval time.Duration
	report   func(depth int64, oldestAge time.Duration)
	logger   *zap.Logger
}

func NewStatsWorker(
	q *queue.PriorityQueue,
	interval time.Duration,
	report func(depth int64, oldestAge time.Duration),
	logger *zap.Logger,
) *StatsWorker {
	return &StatsWorker{q: q, interval: interval, report: report, logger: logger}
}

// Run ticks every interval and reports queue stats.
// Stops cleanly when ctx is cancelled.
func (sw *StatsWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("stats worker started", zap.Duration("interval", sw.interval))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("stats worker stopping")
			return
		case <-ticker.C:
			sw.poll(ctx)
		}
	}
}

func (sw *StatsWorker) poll(ctx context.Context) {
	depth, oldest, err := sw.q.Stats(ctx, time.Now())
	if err != nil {
		sw.logger.Warn("queue stats unavailable", zap.Error(err))
		return
	}
	sw.report(depth, oldest)
}
