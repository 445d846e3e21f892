package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/store"
)

var t0 = time.Date(2024, 5, 10, 14, 30, 20, 0, time.UTC)

type downStore struct{ *store.MemoryStore }

func (downStore) IncrWithinLimits(context.Context, []store.Counter) (bool, int, error) {
	return false, -1, errors.New("unreachable")
}

func (downStore) Counts(context.Context, ...string) ([]int64, error) {
	return nil, errors.New("unreachable")
}

func TestCheckAndReserve_PerUserMinute(t *testing.T) {
	l := New(store.NewMemoryStore(), Config{User: Limits{PerMinute: 2}}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0)
		require.True(t, d.Allowed, "send %d", i)
	}

	d := l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0)
	require.False(t, d.Allowed)
	assert.Equal(t, Minute, d.Window)
	assert.Equal(t, "u1", d.Subject)
	assert.Equal(t, 40*time.Second, d.RetryAfter, "retry at the next minute boundary")

	var rl *domain.RateLimitedError
	require.True(t, errors.As(d.Err(), &rl))
	assert.ErrorIs(t, d.Err(), domain.ErrRateLimited)

	other := l.CheckAndReserve(ctx, "u2", domain.SeverityNormal, t0)
	assert.True(t, other.Allowed, "limits are per recipient")

	next := l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0.Add(40*time.Second))
	assert.True(t, next.Allowed, "new window admits again")
}

func TestCheckAndReserve_LargestWindowReported(t *testing.T) {
	l := New(store.NewMemoryStore(), Config{User: Limits{PerMinute: 1, PerHour: 1}}, zap.NewNop())
	ctx := context.Background()

	require.True(t, l.CheckAndReserve(ctx, "u1", domain.SeverityLow, t0).Allowed)
	d := l.CheckAndReserve(ctx, "u1", domain.SeverityLow, t0)
	require.False(t, d.Allowed)
	assert.Equal(t, Hour, d.Window)
	assert.Equal(t, 29*time.Minute+40*time.Second, d.RetryAfter)
}

func TestCheckAndReserve_CriticalBypassesUserLimit(t *testing.T) {
	l := New(store.NewMemoryStore(), Config{
		User:   Limits{PerMinute: 1},
		Global: Limits{PerMinute: 3},
	}, zap.NewNop())
	ctx := context.Background()

	require.True(t, l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0).Allowed)
	require.False(t, l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0).Allowed)

	assert.True(t, l.CheckAndReserve(ctx, "u1", domain.SeverityCritical, t0).Allowed)
	assert.True(t, l.CheckAndReserve(ctx, "u1", domain.SeverityCritical, t0).Allowed)

	d := l.CheckAndReserve(ctx, "u1", domain.SeverityCritical, t0)
	require.False(t, d.Allowed, "global valve still applies to critical")
	assert.Equal(t, GlobalSubject, d.Subject)
}

func TestCheckAndReserve_DeniedCallCountsNothing(t *testing.T) {
	l := New(store.NewMemoryStore(), Config{
		User:   Limits{PerMinute: 1},
		Global: Limits{PerMinute: 2},
	}, zap.NewNop())
	ctx := context.Background()

	require.True(t, l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0).Allowed)
	for i := 0; i < 5; i++ {
		require.False(t, l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0).Allowed)
	}
	assert.True(t, l.CheckAndReserve(ctx, "u2", domain.SeverityNormal, t0).Allowed,
		"denied u1 attempts must not consume global capacity")
}

func TestCheck_IsReadOnly(t *testing.T) {
	l := New(store.NewMemoryStore(), Config{User: Limits{PerMinute: 1}}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Check(ctx, "u1", domain.SeverityNormal, t0).Allowed)
	}
	require.True(t, l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0).Allowed)

	d := l.Check(ctx, "u1", domain.SeverityNormal, t0)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)
}

func TestLimiter_FailsOpen(t *testing.T) {
	l := New(downStore{store.NewMemoryStore()}, Config{User: Limits{PerMinute: 1}}, zap.NewNop())
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "u1", domain.SeverityNormal, t0).Allowed)
	assert.True(t, l.CheckAndReserve(ctx, "u1", domain.SeverityNormal, t0).Allowed)
}

func TestThrottle(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, NewThrottle(0).Wait(ctx))

	th := NewThrottle(1000)
	for i := 0; i < 10; i++ {
		require.NoError(t, th.Wait(ctx))
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, NewThrottle(0).Wait(cancelled))
}
