// Package batch turns a set of ready queue items into send-ready units,
// merging same-category items for a recipient into one summary notification.
package batch

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Unit is one provider call. Members holds the queue items it settles: one for
// pass-through units, several for a merged unit.
type Unit struct {
	Item    domain.QueueItem
	Members []domain.QueueItem
	Merged  bool
}

// Batch is the ordered output of one assembly pass.
type Batch struct {
	Units       []Unit
	GeneratedAt time.Time
}

// MergedCount returns how many items were folded into merged units.
func (b Batch) MergedCount() int {
	n := 0
	for _, u := range b.Units {
		if u.Merged {
			n += len(u.Members)
		}
	}
	return n
}

type groupKey struct {
	recipient string
	category  string
}

// Assemble groups items by (recipient, category), merges the groups that are
// safe to merge and orders the result by severity, then by earliest due time.
// Ties keep the order in which groups first appeared in items.
func Assemble(items []domain.QueueItem, now time.Time) Batch {
	var order []groupKey
	groups := make(map[groupKey][]domain.QueueItem)
	for _, it := range items {
		k := groupKey{recipient: it.RecipientID, category: it.Payload.Category}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}

	units := make([]Unit, 0, len(items))
	for _, k := range order {
		g := groups[k]
		if mergeable(g) {
			units = append(units, merge(g))
			continue
		}
		for _, it := range g {
			units = append(units, Unit{Item: it, Members: []domain.QueueItem{it}})
		}
	}

	sort.SliceStable(units, func(i, j int) bool {
		ri, rj := units[i].Item.Severity.Rank(), units[j].Item.Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return units[i].Item.ScheduledFor.Before(units[j].Item.ScheduledFor)
	})

	return Batch{Units: units, GeneratedAt: now}
}

// mergeable: more than one member, all batchable, one severity, never critical.
func mergeable(g []domain.QueueItem) bool {
	if len(g) < 2 {
		return false
	}
	sev := g[0].Severity
	if sev == domain.SeverityCritical {
		return false
	}
	for _, it := range g {
		if !it.Batchable || it.Severity != sev {
			return false
		}
	}
	return true
}

func merge(g []domain.QueueItem) Unit {
	first := g[0]
	earliest := first.ScheduledFor
	attempts := 0
	for _, it := range g {
		if it.ScheduledFor.Before(earliest) {
			earliest = it.ScheduledFor
		}
		if it.Attempts > attempts {
			attempts = it.Attempts
		}
	}

	members := make([]domain.QueueItem, len(g))
	copy(members, g)

	return Unit{
		Item: domain.QueueItem{
			ID:           uuid.NewString(),
			RecipientID:  first.RecipientID,
			Payload:      policyFor(first.Payload.Category).summarize(first.Payload.Category, g),
			Severity:     first.Severity,
			ScheduledFor: earliest,
			Attempts:     attempts,
			Batchable:    true,
			Partition:    first.Partition,
			CreatedAt:    first.CreatedAt,
		},
		Members: members,
		Merged:  true,
	}
}
