package batch

import (
	"fmt"
	"strings"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

const maxListedTitles = 3

// policy describes how a category is summarised when merged.
type policy struct {
	noun   string // plural, used in "N <noun>"
	target string // screen the merged notification opens
}

var policies = map[string]policy{
	"habit_reminder": {noun: "habit reminders", target: "habits"},
	"task_due":       {noun: "tasks due", target: "tasks"},
	"note_shared":    {noun: "notes shared with you", target: "notes"},
	"insight":        {noun: "new insights", target: "insights"},
	"streak":         {noun: "streak updates", target: "streaks"},
}

var genericPolicy = policy{noun: "notifications", target: "inbox"}

func policyFor(category string) policy {
	if p, ok := policies[category]; ok {
		return p
	}
	return genericPolicy
}

func (p policy) summarize(category string, g []domain.QueueItem) domain.Payload {
	itemIDs := make([]string, 0, len(g))
	titles := make([]string, 0, maxListedTitles)
	var refs []domain.EntityRef
	var entityIDs []string
	seen := make(map[domain.EntityRef]bool)

	for _, it := range g {
		itemIDs = append(itemIDs, it.ID)
		if len(titles) < maxListedTitles && it.Payload.Title != "" {
			titles = append(titles, it.Payload.Title)
		}
		for _, ref := range it.Payload.EntityRefs {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			refs = append(refs, ref)
			entityIDs = append(entityIDs, ref.ID)
		}
	}

	body := strings.Join(titles, ", ")
	if rest := len(g) - len(titles); rest > 0 && len(titles) > 0 {
		body = fmt.Sprintf("%s and %d more", body, rest)
	}

	return domain.Payload{
		Title:      fmt.Sprintf("%d %s", len(g), p.noun),
		Body:       body,
		Category:   category,
		EntityRefs: refs,
		Data: map[string]any{
			"count":      len(g),
			"item_ids":   itemIDs,
			"entity_ids": entityIDs,
			"action_target": map[string]any{
				"screen":     p.target,
				"entity_ids": entityIDs,
			},
		},
	}
}
