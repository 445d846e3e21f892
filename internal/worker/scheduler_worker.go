package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/queue"
)

const defaultJobBuffer = 1024

// Scheduler is the single source of work for the pool. Event triggers,
// max-wait timers and the periodic sweep all end up as partition names on one
// channel; workers never pick partitions on their own.
//
// A partition is pending from the moment it is triggered until a worker takes
// it, and further triggers for a pending partition are dropped. A trigger
// that arrives while a worker is already draining the partition queues it
// again, so nothing enqueued mid-pass waits for the next sweep.
type Scheduler struct {
	q        *queue.PriorityQueue
	interval time.Duration
	logger   *zap.Logger

	jobs chan string

	mu      sync.Mutex
	pending map[string]bool
	timers  map[string]*armed
	offset  int
	stopped bool
}

// armed is a pending max-wait or due-time wakeup for one partition.
type armed struct {
	timer *time.Timer
	at    time.Time
}

func NewScheduler(q *queue.PriorityQueue, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		q:        q,
		interval: interval,
		logger:   logger,
		jobs:     make(chan string, defaultJobBuffer),
		pending:  make(map[string]bool),
		timers:   make(map[string]*armed),
	}
}

// Trigger asks for partition to be drained. It never blocks: when the job
// buffer is full the trigger is dropped and the next sweep picks it up.
func (s *Scheduler) Trigger(partition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pending[partition] {
		return
	}
	select {
	case s.jobs <- partition:
		s.pending[partition] = true
	default:
		s.logger.Debug("job buffer full, deferring to sweep", zap.String("partition", partition))
	}
}

// Arm schedules a one-shot Trigger after d. A partition has at most one
// timer and it always holds the earliest deadline: re-arming for a later time
// is a no-op, re-arming for an earlier time replaces the timer.
func (s *Scheduler) Arm(partition string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	at := time.Now().Add(d)
	if cur, ok := s.timers[partition]; ok {
		if !at.Before(cur.at) {
			return
		}
		cur.timer.Stop()
	}
	a := &armed{at: at}
	a.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers[partition] == a {
			delete(s.timers, partition)
		}
		s.mu.Unlock()
		s.Trigger(partition)
	})
	s.timers[partition] = a
}

// Next blocks until a partition is ready to be drained or ctx is done.
func (s *Scheduler) Next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case p := <-s.jobs:
		s.mu.Lock()
		delete(s.pending, p)
		if a, ok := s.timers[p]; ok {
			a.timer.Stop()
			delete(s.timers, p)
		}
		s.mu.Unlock()
		return p, true
	}
}

// Run sweeps once immediately, then every interval, until ctx is cancelled.
// The sweep is the safety net for dropped triggers, future-dated items and
// items left behind by a restart.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("sweep_interval", s.interval))
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.stop()
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	partitions, err := s.q.Partitions(ctx)
	if err != nil {
		s.logger.Error("sweep: list partitions", zap.Error(err))
		return
	}
	for _, p := range s.sweepOrder(partitions) {
		s.Trigger(p)
	}
}

// sweepOrder puts the critical partition first and rotates the rest so that
// no recipient is always served last.
func (s *Scheduler) sweepOrder(partitions []string) []string {
	out := make([]string, 0, len(partitions))
	rest := make([]string, 0, len(partitions))
	for _, p := range partitions {
		if p == queue.CriticalPartition {
			out = append(out, p)
			continue
		}
		rest = append(rest, p)
	}
	if len(rest) == 0 {
		return out
	}
	sort.Strings(rest)

	s.mu.Lock()
	start := s.offset % len(rest)
	s.offset++
	s.mu.Unlock()

	out = append(out, rest[start:]...)
	return append(out, rest[:start]...)
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for p, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, p)
	}
}
