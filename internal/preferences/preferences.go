// Package preferences answers whether a recipient wants a category of
// notification at a given moment.
package preferences

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Checker is the read-only preferences collaborator consulted before a
// non-critical item is admitted.
type Checker interface {
	IsAllowed(ctx context.Context, recipientID, category string, at time.Time) bool
}

// AllowAll admits everything.
type AllowAll struct{}

func (AllowAll) IsAllowed(context.Context, string, string, time.Time) bool { return true }

// Window is a daily time-of-day range in minutes since midnight. A window
// whose end is before its start wraps past midnight (22:00-07:00).
type Window struct {
	Start, End int
}

// ParseWindow parses "HH:MM" bounds. Two empty strings yield ok=false.
func ParseWindow(start, end string) (w Window, ok bool, err error) {
	if start == "" && end == "" {
		return Window{}, false, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return Window{}, false, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, false, err
	}
	return Window{Start: s, End: e}, true, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether the wall clock of t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// Static is an in-process Checker holding global quiet hours plus per-user
// opt-outs and do-not-disturb windows. It is safe for concurrent use.
type Static struct {
	mu         sync.RWMutex
	loc        *time.Location
	quietHours *Window
	optOuts    map[string]map[string]bool
	dnd        map[string][]Window
}

func NewStatic(loc *time.Location) *Static {
	if loc == nil {
		loc = time.UTC
	}
	return &Static{
		loc:     loc,
		optOuts: make(map[string]map[string]bool),
		dnd:     make(map[string][]Window),
	}
}

var _ Checker = (*Static)(nil)

// SetQuietHours applies w to every recipient.
func (s *Static) SetQuietHours(w Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quietHours = &w
}

// OptOut stops category from reaching recipientID.
func (s *Static) OptOut(recipientID string, categories ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.optOuts[recipientID]
	if !ok {
		m = make(map[string]bool)
		s.optOuts[recipientID] = m
	}
	for _, c := range categories {
		m[c] = true
	}
}

// DoNotDisturb adds a daily window during which recipientID gets nothing.
func (s *Static) DoNotDisturb(recipientID string, w Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dnd[recipientID] = append(s.dnd[recipientID], w)
}

func (s *Static) IsAllowed(_ context.Context, recipientID, category string, at time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.optOuts[recipientID][category] {
		return false
	}
	local := at.In(s.loc)
	if s.quietHours != nil && s.quietHours.Contains(local) {
		return false
	}
	for _, w := range s.dnd[recipientID] {
		if w.Contains(local) {
			return false
		}
	}
	return true
}
