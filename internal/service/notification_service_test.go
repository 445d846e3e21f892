package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/breaker"
	"github.com/notifyhub/delivery-pipeline/internal/dedup"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/metrics"
	"github.com/notifyhub/delivery-pipeline/internal/preferences"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/store"
)

var now = time.Date(2024, 7, 1, 15, 4, 20, 0, time.UTC)

type fakeScheduler struct {
	mu       sync.Mutex
	triggers []string
	arms     []string
}

func (f *fakeScheduler) Trigger(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, p)
}

func (f *fakeScheduler) Arm(p string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms = append(f.arms, p)
}

type pingStore struct {
	*store.MemoryStore
	pingErr error
}

func (p *pingStore) Ping(context.Context) error { return p.pingErr }

type fixture struct {
	svc     *NotificationService
	store   *pingStore
	q       *queue.PriorityQueue
	sched   *fakeScheduler
	limiter *ratelimiter.Limiter
	breaker *breaker.Breaker
	prefs   *preferences.Static
	stats   *metrics.Collector
	dead    *repository.MemoryDeadLetterRepository
	events  []string
}

func newFixture(t *testing.T, limits ratelimiter.Config, qcfg queue.Config) *fixture {
	t.Helper()
	f := &fixture{
		store: &pingStore{MemoryStore: store.NewMemoryStore()},
		sched: &fakeScheduler{},
		prefs: preferences.NewStatic(time.UTC),
		stats: metrics.NewCollector(time.Minute, 6),
		dead:  repository.NewMemoryDeadLetterRepository(10),
	}
	f.q = queue.New(f.store, qcfg)
	f.limiter = ratelimiter.New(f.store, limits, zap.NewNop())
	f.breaker = breaker.New(f.store, breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}, zap.NewNop())

	f.svc = NewNotificationService(Deps{
		Store:       f.store,
		Queue:       f.q,
		Dedup:       dedup.New(f.store, time.Minute, zap.NewNop(), dedup.Hooks{}),
		Limiter:     f.limiter,
		Breaker:     f.breaker,
		Preferences: f.prefs,
		Scheduler:   f.sched,
		DeadLetters: f.dead,
		Stats:       f.stats,
	}, Options{
		BatchSize:         5,
		MaxBatchWait:      30 * time.Second,
		MaxPayloadBytes:   512,
		DegradedErrorRate: 0.5,
		BreakerTarget:     "webhook",
	}, Hooks{
		OnEnqueued: func(outcome string) { f.events = append(f.events, outcome) },
	}, zap.NewNop())
	f.svc.now = func() time.Time { return now }
	return f
}

var taskDue = domain.Payload{Title: "Report due", Body: "Quarterly report is due today", Category: "task_due"}

func TestNotificationService_Enqueue(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})

	res, err := f.svc.Enqueue(context.Background(), "u1", taskDue, domain.SeverityHigh, domain.EnqueueOptions{})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.ID)
	assert.True(t, res.ScheduledFor.Equal(now), "scheduled for now, got %v", res.ScheduledFor)

	depth, err := f.q.Depth(context.Background(), queue.UserPartition("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.Equal(t, []string{queue.UserPartition("u1")}, f.sched.triggers, "non-batchable item should trigger its partition")
	assert.Equal(t, []string{OutcomeQueued}, f.events)
}

func TestNotificationService_Enqueue_NormalizesSeverity(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()

	res, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.Severity("CRITICAL"), domain.EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, res.Queued)

	depth, err := f.q.Depth(ctx, queue.CriticalPartition)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "upper-case critical lands in the critical partition")
}

func TestNotificationService_Enqueue_Validation(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()

	tests := []struct {
		name      string
		recipient string
		payload   domain.Payload
		severity  domain.Severity
		want      error
	}{
		{"missing recipient", "  ", taskDue, domain.SeverityNormal, domain.ErrInvalidRecipient},
		{"unknown severity", "u1", taskDue, domain.Severity("urgent"), domain.ErrInvalidSeverity},
		{"empty payload", "u1", domain.Payload{Category: "task_due"}, domain.SeverityNormal, domain.ErrEmptyPayload},
		{"payload too large", "u1", domain.Payload{Title: strings.Repeat("x", 600)}, domain.SeverityNormal, domain.ErrPayloadTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Enqueue(ctx, tc.recipient, tc.payload, tc.severity, domain.EnqueueOptions{})
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	parts, err := f.q.Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts, "rejected requests must not be queued")
}

func TestNotificationService_Enqueue_DedupReturnsOriginal(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()
	opts := domain.EnqueueOptions{DedupKey: "habit-42-2024-07-01"}

	first, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityNormal, opts)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	for i := 0; i < 3; i++ {
		again, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityNormal, opts)
		require.NoError(t, err)
		assert.True(t, again.Duplicate, "repeat %d", i)
		assert.Equal(t, first.ID, again.ID, "repeat %d", i)
	}

	depth, err := f.q.Depth(ctx, queue.UserPartition("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestNotificationService_Enqueue_PreferencesSuppress(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()
	f.prefs.OptOut("u1", "task_due")

	res, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityHigh, domain.EnqueueOptions{})
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.False(t, res.Queued)
	assert.Empty(t, res.ID)

	crit, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityCritical, domain.EnqueueOptions{})
	require.NoError(t, err)
	assert.True(t, crit.Queued, "critical bypasses preferences")
}

func TestNotificationService_Enqueue_RateLimitedIsScheduled(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{User: ratelimiter.Limits{PerMinute: 2}}, queue.Config{})
	ctx := context.Background()

	// Two sends already went out this minute.
	for i := 0; i < 2; i++ {
		require.True(t, f.limiter.CheckAndReserve(ctx, "u1", domain.SeverityNormal, now).Allowed, "send %d", i)
	}

	res, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityNormal, domain.EnqueueOptions{})
	require.NoError(t, err)
	boundary := now.Truncate(time.Minute).Add(time.Minute)
	assert.True(t, res.RateLimited)
	assert.True(t, res.Queued)
	assert.Equal(t, boundary.Sub(now), res.RetryAfter)
	assert.True(t, res.ScheduledFor.Equal(boundary), "scheduled at %v, got %v", boundary, res.ScheduledFor)

	ready, err := f.q.HasReady(ctx, queue.UserPartition("u1"), now)
	require.NoError(t, err)
	assert.False(t, ready, "item must not be ready before the window reopens")
	ready, err = f.q.HasReady(ctx, queue.UserPartition("u1"), boundary)
	require.NoError(t, err)
	assert.True(t, ready, "item must be ready at the window boundary")
	assert.Len(t, f.sched.arms, 1, "the deferred item arms a timer")
}

func TestNotificationService_Enqueue_BatchTrigger(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()
	opts := domain.EnqueueOptions{Batchable: true}

	for i := 0; i < 4; i++ {
		_, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityNormal, opts)
		require.NoError(t, err)
	}
	assert.Empty(t, f.sched.triggers, "partial batch should not trigger")
	assert.Len(t, f.sched.arms, 4, "partial batch should arm the max-wait timer")

	_, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityNormal, opts)
	require.NoError(t, err)
	assert.Len(t, f.sched.triggers, 1, "full batch should trigger")

	_, err = f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityCritical, opts)
	require.NoError(t, err)
	require.NotEmpty(t, f.sched.triggers)
	assert.Equal(t, queue.CriticalPartition, f.sched.triggers[len(f.sched.triggers)-1])
}

func TestNotificationService_Enqueue_QueueFullReleasesDedup(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{MaxPartitionDepth: 1, OverflowCapacity: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityLow, domain.EnqueueOptions{})
		require.NoError(t, err, "enqueue %d", i)
	}

	opts := domain.EnqueueOptions{DedupKey: "k"}
	_, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityLow, opts)
	require.ErrorIs(t, err, domain.ErrQueueFull)

	res, err := f.svc.Enqueue(ctx, "u2", taskDue, domain.SeverityLow, opts)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "a failed enqueue must not hold the dedup key")
}

func TestNotificationService_Cancel(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()

	res, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityNormal, domain.EnqueueOptions{})
	require.NoError(t, err)

	ok, err := f.svc.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel should report false")

	ok, err = f.svc.Cancel(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok, "unknown id cannot be cancelled")
}

func TestNotificationService_GetHealth(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, "u1", taskDue, domain.SeverityNormal, domain.EnqueueOptions{})
	require.NoError(t, err)
	f.svc.now = func() time.Time { return now.Add(3 * time.Second) }

	h := f.svc.GetHealth(ctx)
	assert.Equal(t, domain.StatusHealthy, h.Status, "checks: %v", h.Checks)
	assert.Equal(t, int64(1), h.QueueDepth)
	assert.Equal(t, int64(3000), h.OldestItemAgeMs)

	for i := 0; i < 2; i++ {
		f.breaker.RecordFailure(ctx, "webhook", now)
	}
	h = f.svc.GetHealth(ctx)
	assert.Equal(t, domain.StatusDegraded, h.Status, "open circuit should degrade")
	assert.Equal(t, domain.CircuitOpen, h.CircuitState)

	f.store.pingErr = errors.New("connection refused")
	h = f.svc.GetHealth(ctx)
	assert.Equal(t, domain.StatusUnhealthy, h.Status)
}

func TestNotificationService_GetHealth_ErrorRateDegrades(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	f.stats.Record(now, true, 10*time.Millisecond)
	f.stats.Record(now, false, 10*time.Millisecond)

	h := f.svc.GetHealth(context.Background())
	assert.Equal(t, domain.StatusDegraded, h.Status, "50%% errors at a 50%% threshold should degrade")
	assert.Equal(t, 0.5, h.RecentErrorRate)
}

func TestNotificationService_DeadLetters(t *testing.T) {
	f := newFixture(t, ratelimiter.Config{}, queue.Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, f.dead.Add(ctx, domain.DeadLetter{Item: domain.QueueItem{ID: id}, Reason: domain.ReasonPermanent, FailedAt: now}))
	}

	got, err := f.svc.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Item.ID, "newest first")
}
