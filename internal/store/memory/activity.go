package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"mallpanel.org/internal/audit"
)

// Append stores a copy of e. Entries are never modified afterwards.
func (s *Store) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	s.activity = append(s.activity, e)
	return nil
}

// Entries returns a snapshot of every stored entry in insertion order.
func (s *Store) Entries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Entry, len(s.activity))
	copy(out, s.activity)
	return out
}

func (s *Store) ListEntries(_ context.Context, f audit.Filter) ([]audit.ActivityEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(f.Search)
	var matched []audit.Entry
	for _, e := range s.activity {
		if !matchesFilter(e, f, search) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool { return lessEntry(matched[i], matched[j], f) })

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.PerPage
	if end > total {
		end = total
	}
	out := make([]audit.ActivityEntry, 0, end-start)
	for _, e := range matched[start:end] {
		actor := audit.Actor{ID: e.ActorID}
		if u, ok := s.users[e.ActorID]; ok {
			actor.Name = u.FullName
			actor.Email = u.Email
			actor.AvatarURL = u.AvatarURL
		}
		out = append(out, audit.ActivityEntry{Entry: e, Actor: actor})
	}
	return out, total, nil
}

func (s *Store) CountBy(_ context.Context, field audit.GroupField, since time.Time) ([]audit.Count, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, e := range s.activity {
		if e.CreatedAt.Before(since) {
			continue
		}
		key := e.Module
		if field == audit.GroupByAction {
			key = e.Action
		}
		counts[key]++
	}
	out := make([]audit.Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, audit.Count{Key: k, Count: c})
	}
	return out, nil
}

func (s *Store) CountByDay(_ context.Context, since time.Time) ([]audit.DayCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, e := range s.activity {
		if e.CreatedAt.Before(since) {
			continue
		}
		counts[e.CreatedAt.UTC().Format(time.DateOnly)]++
	}
	out := make([]audit.DayCount, 0, len(counts))
	for d, c := range counts {
		out = append(out, audit.DayCount{Day: d, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func matchesFilter(e audit.Entry, f audit.Filter, search string) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Module != "" && e.Module != f.Module {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
		return false
	}
	if search != "" &&
		!strings.Contains(strings.ToLower(e.ResourceName), search) &&
		!strings.Contains(strings.ToLower(e.Module), search) &&
		!strings.Contains(strings.ToLower(e.Action), search) {
		return false
	}
	return true
}

// lessEntry orders by the requested field, then newest first, then id.
func lessEntry(a, b audit.Entry, f audit.Filter) bool {
	var ka, kb string
	switch f.SortBy {
	case audit.SortAction:
		ka, kb = a.Action, b.Action
	case audit.SortModule:
		ka, kb = a.Module, b.Module
	case audit.SortActor:
		ka, kb = a.ActorID, b.ActorID
	}
	if ka != kb {
		if f.SortDesc {
			return ka > kb
		}
		return ka < kb
	}
	desc := f.SortDesc || f.SortBy != audit.SortCreatedAt
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if desc {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if desc {
		return a.ID > b.ID
	}
	return a.ID < b.ID
}
