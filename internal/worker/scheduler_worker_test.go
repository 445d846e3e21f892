package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.PriorityQueue) {
	t.Helper()
	q := queue.New(store.NewMemoryStore(), queue.Config{})
	s := NewScheduler(q, time.Hour, zap.NewNop())
	t.Cleanup(s.stop)
	return s, q
}

func nextWithin(t *testing.T, s *Scheduler, d time.Duration) (string, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Next(ctx)
}

func TestScheduler_TriggerCoalesces(t *testing.T) {
	s, _ := newTestScheduler(t)

	s.Trigger("p1")
	s.Trigger("p1")
	s.Trigger("p2")

	p, ok := nextWithin(t, s, time.Second)
	require.True(t, ok)
	assert.Equal(t, "p1", p)
	p, ok = nextWithin(t, s, time.Second)
	require.True(t, ok)
	assert.Equal(t, "p2", p)

	_, ok = nextWithin(t, s, 20*time.Millisecond)
	assert.False(t, ok, "duplicate trigger was coalesced")

	// Once taken, the partition can be triggered again.
	s.Trigger("p1")
	p, ok = nextWithin(t, s, time.Second)
	require.True(t, ok)
	assert.Equal(t, "p1", p)
}

func TestScheduler_ArmFiresOnce(t *testing.T) {
	s, _ := newTestScheduler(t)

	s.Arm("p1", 10*time.Millisecond)
	s.Arm("p1", time.Hour)

	p, ok := nextWithin(t, s, time.Second)
	require.True(t, ok)
	assert.Equal(t, "p1", p)
}

func TestScheduler_ArmEarlierDeadlineWins(t *testing.T) {
	s, _ := newTestScheduler(t)

	s.Arm("p1", time.Hour)
	s.Arm("p1", 20*time.Millisecond)

	p, ok := nextWithin(t, s, 500*time.Millisecond)
	require.True(t, ok, "the earlier deadline should replace the hour-long timer")
	assert.Equal(t, "p1", p)

	_, ok = nextWithin(t, s, 50*time.Millisecond)
	assert.False(t, ok, "the replaced timer must not fire as well")
}

func TestScheduler_StoppedIgnoresTriggers(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.stop()

	s.Trigger("p1")
	s.Arm("p2", time.Millisecond)

	_, ok := nextWithin(t, s, 30*time.Millisecond)
	assert.False(t, ok)
}

func TestScheduler_SweepOrder(t *testing.T) {
	s, _ := newTestScheduler(t)
	parts := []string{"u:c", queue.CriticalPartition, "u:a", "u:b"}

	first := s.sweepOrder(parts)
	second := s.sweepOrder(parts)
	third := s.sweepOrder(parts)

	assert.Equal(t, []string{queue.CriticalPartition, "u:a", "u:b", "u:c"}, first)
	assert.Equal(t, []string{queue.CriticalPartition, "u:b", "u:c", "u:a"}, second)
	assert.Equal(t, []string{queue.CriticalPartition, "u:c", "u:a", "u:b"}, third)
}

func TestScheduler_RunSweepsKnownPartitions(t *testing.T) {
	s, q := newTestScheduler(t)
	now := time.Now()
	_, err := q.Insert(context.Background(), domain.QueueItem{
		ID: "c1", RecipientID: "u1", Severity: domain.SeverityCritical,
		ScheduledFor: now, CreatedAt: now,
		Payload: domain.Payload{Title: "t", Category: "security"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	p, ok := nextWithin(t, s, time.Second)
	require.True(t, ok)
	assert.Equal(t, queue.CriticalPartition, p)

	cancel()
	<-done
}
