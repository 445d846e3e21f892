package preferences

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m int) time.Time {
	return time.Date(2024, 4, 4, h, m, 0, 0, time.UTC)
}

func TestWindow_Contains(t *testing.T) {
	overnight, ok, err := ParseWindow("22:00", "07:00")
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, overnight.Contains(at(23, 30)))
	assert.True(t, overnight.Contains(at(6, 59)))
	assert.False(t, overnight.Contains(at(7, 0)))
	assert.False(t, overnight.Contains(at(12, 0)))

	lunch, _, _ := ParseWindow("12:00", "13:00")
	assert.True(t, lunch.Contains(at(12, 30)))
	assert.False(t, lunch.Contains(at(13, 0)))

	_, ok, err = ParseWindow("", "")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseWindow("25:00", "07:00")
	assert.Error(t, err)
}

func TestStatic_IsAllowed(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(time.UTC)
	quiet, _, _ := ParseWindow("22:00", "07:00")
	s.SetQuietHours(quiet)
	s.OptOut("u1", "insight")
	dnd, _, _ := ParseWindow("09:00", "10:00")
	s.DoNotDisturb("u2", dnd)

	tests := []struct {
		name      string
		recipient string
		category  string
		when      time.Time
		want      bool
	}{
		{"daytime allowed", "u1", "task_due", at(12, 0), true},
		{"quiet hours", "u1", "task_due", at(23, 0), false},
		{"opted out category", "u1", "insight", at(12, 0), false},
		{"other user keeps category", "u2", "insight", at(12, 0), true},
		{"do not disturb", "u2", "task_due", at(9, 30), false},
		{"dnd is per user", "u1", "task_due", at(9, 30), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.IsAllowed(ctx, tc.recipient, tc.category, tc.when))
		})
	}
}

func TestStatic_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	s := NewStatic(loc)
	quiet, _, _ := ParseWindow("22:00", "07:00")
	s.SetQuietHours(quiet)

	// 20:00 UTC is 23:00 local.
	assert.False(t, s.IsAllowed(context.Background(), "u1", "task_due", at(20, 0)))
}

func TestAllowAll(t *testing.T) {
	assert.True(t, AllowAll{}.IsAllowed(context.Background(), "u", "c", time.Now()))
}
