package batch_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/delivery-pipeline/internal/batch"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

var now = time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

func qi(id, recipient, category string, sev domain.Severity, batchable bool) domain.QueueItem {
	return domain.QueueItem{
		ID:           id,
		RecipientID:  recipient,
		Severity:     sev,
		Batchable:    batchable,
		ScheduledFor: now,
		Payload: domain.Payload{
			Title:      "title " + id,
			Category:   category,
			EntityRefs: []domain.EntityRef{{Type: "task", ID: "e-" + id}},
		},
	}
}

func TestAssemble_MergesSameCategory(t *testing.T) {
	var items []domain.QueueItem
	for i := 0; i < 5; i++ {
		items = append(items, qi(fmt.Sprint(i), "u1", "task_due", domain.SeverityNormal, true))
	}

	b := batch.Assemble(items, now)

	require.Len(t, b.Units, 1)
	u := b.Units[0]
	assert.True(t, u.Merged)
	assert.Len(t, u.Members, 5)
	assert.Equal(t, 5, b.MergedCount())
	assert.Equal(t, "5 tasks due", u.Item.Payload.Title)
	assert.Equal(t, "title 0, title 1, title 2 and 2 more", u.Item.Payload.Body)
	assert.Equal(t, 5, u.Item.Payload.Data["count"])
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, u.Item.Payload.Data["item_ids"])
	assert.Len(t, u.Item.Payload.EntityRefs, 5)
	assert.NotEmpty(t, u.Item.ID)
	assert.Equal(t, domain.SeverityNormal, u.Item.Severity)
}

func TestAssemble_UnknownCategoryIsGeneric(t *testing.T) {
	items := []domain.QueueItem{
		qi("a", "u1", "mystery", domain.SeverityLow, true),
		qi("b", "u1", "mystery", domain.SeverityLow, true),
	}
	b := batch.Assemble(items, now)
	require.Len(t, b.Units, 1)
	assert.Equal(t, "2 notifications", b.Units[0].Item.Payload.Title)
}

func TestAssemble_MergeSafety(t *testing.T) {
	tests := []struct {
		name  string
		items []domain.QueueItem
	}{
		{"critical never merged", []domain.QueueItem{
			qi("a", "u1", "task_due", domain.SeverityCritical, true),
			qi("b", "u1", "task_due", domain.SeverityCritical, true),
		}},
		{"mixed severity", []domain.QueueItem{
			qi("a", "u1", "task_due", domain.SeverityNormal, true),
			qi("b", "u1", "task_due", domain.SeverityHigh, true),
		}},
		{"one member not batchable", []domain.QueueItem{
			qi("a", "u1", "task_due", domain.SeverityNormal, true),
			qi("b", "u1", "task_due", domain.SeverityNormal, false),
		}},
		{"single item", []domain.QueueItem{
			qi("a", "u1", "task_due", domain.SeverityNormal, true),
		}},
		{"different recipients", []domain.QueueItem{
			qi("a", "u1", "task_due", domain.SeverityNormal, true),
			qi("b", "u2", "task_due", domain.SeverityNormal, true),
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := batch.Assemble(tc.items, now)
			assert.Len(t, b.Units, len(tc.items))
			for _, u := range b.Units {
				assert.False(t, u.Merged)
				assert.Len(t, u.Members, 1)
				assert.Equal(t, u.Members[0].ID, u.Item.ID)
			}
		})
	}
}

func TestAssemble_Ordering(t *testing.T) {
	low := qi("low", "u1", "insight", domain.SeverityLow, false)
	normalLate := qi("normal-late", "u1", "streak", domain.SeverityNormal, false)
	normalLate.ScheduledFor = now.Add(time.Minute)
	normalEarly := qi("normal-early", "u2", "streak", domain.SeverityNormal, false)
	crit := qi("crit", "u3", "task_due", domain.SeverityCritical, false)

	b := batch.Assemble([]domain.QueueItem{low, normalLate, normalEarly, crit}, now)

	var got []string
	for _, u := range b.Units {
		got = append(got, u.Item.ID)
	}
	assert.Equal(t, []string{"crit", "normal-early", "normal-late", "low"}, got)
	assert.Equal(t, now, b.GeneratedAt)
}

func TestAssemble_MergedUnitTakesEarliestTimeAndMaxAttempts(t *testing.T) {
	a := qi("a", "u1", "habit_reminder", domain.SeverityHigh, true)
	a.ScheduledFor = now.Add(time.Minute)
	a.Attempts = 2
	b := qi("b", "u1", "habit_reminder", domain.SeverityHigh, true)
	b.Attempts = 1

	out := batch.Assemble([]domain.QueueItem{a, b}, now)
	require.Len(t, out.Units, 1)
	assert.Equal(t, now, out.Units[0].Item.ScheduledFor)
	assert.Equal(t, 2, out.Units[0].Item.Attempts)
	assert.Equal(t, "2 habit reminders", out.Units[0].Item.Payload.Title)
}
