package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	maxDays        = 366
	exportPageSize = 500
	maxExportRows  = 50000
)

// Sort fields accepted by ListActivity.
const (
	SortCreatedAt = "created_at"
	SortAction    = "action"
	SortModule    = "module"
	SortActor     = "actor_id"
)

// GroupField selects the column an aggregate is grouped by.
type GroupField string

const (
	GroupByModule GroupField = "module"
	GroupByAction GroupField = "action"
)

// Filter narrows ListActivity. StartDate and EndDate are inclusive bounds on CreatedAt.
type Filter struct {
	Search    string
	Action    string
	Module    string
	ActorID   string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	PerPage   int
	SortBy    string
	SortDesc  bool
}

// Normalize fills defaults: page 1, 20 per page (max 100), newest first.
func (f Filter) Normalize() (Filter, error) {
	f.Search = strings.TrimSpace(f.Search)
	f.Action = strings.TrimSpace(f.Action)
	f.Module = strings.TrimSpace(f.Module)
	f.ActorID = strings.TrimSpace(f.ActorID)
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
	switch f.SortBy {
	case "":
		f.SortBy = SortCreatedAt
		f.SortDesc = true
	case SortCreatedAt, SortAction, SortModule, SortActor:
	default:
		return Filter{}, fmt.Errorf("unsupported sort field %q", f.SortBy)
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return Filter{}, fmt.Errorf("end_date is before start_date")
	}
	return f, nil
}

// Offset is the number of rows skipped before the current page.
func (f Filter) Offset() int { return (f.Page - 1) * f.PerPage }

// Actor is the display information joined onto an entry. Fields are empty for
// the system actor and for users deleted since.
type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ActivityEntry is an Entry with its actor resolved.
type ActivityEntry struct {
	Entry
	Actor Actor `json:"actor"`
}

// Page is one page of activity.
type Page struct {
	Entries    []ActivityEntry `json:"entries"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PerPage    int             `json:"per_page"`
	TotalPages int             `json:"total_pages"`
}

// Count is one bucket of an aggregate.
type Count struct {
	Key   string `json:"key" db:"key"`
	Count int    `json:"count" db:"count"`
}

// DayCount is the number of entries on one UTC calendar day (YYYY-MM-DD).
type DayCount struct {
	Day   string `json:"day" db:"day"`
	Count int    `json:"count" db:"count"`
}

// Reader is the read side of the activity store.
type Reader interface {
	// ListEntries returns the page described by a normalized filter and the total match count.
	ListEntries(ctx context.Context, f Filter) ([]ActivityEntry, int, error)
	CountBy(ctx context.Context, field GroupField, since time.Time) ([]Count, error)
	CountByDay(ctx context.Context, since time.Time) ([]DayCount, error)
}

// Query serves activity listings and dashboard rollups.
type Query struct {
	store Reader
	now   func() time.Time
}

func NewQuery(store Reader, now func() time.Time) *Query {
	if now == nil {
		now = time.Now
	}
	return &Query{store: store, now: now}
}

// InvalidFilterError reports a filter the query cannot run.
type InvalidFilterError struct{ Err error }

func (e *InvalidFilterError) Error() string { return e.Err.Error() }
func (e *InvalidFilterError) Unwrap() error { return e.Err }

// ListActivity returns a page of entries with total count and page count.
func (q *Query) ListActivity(ctx context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, &InvalidFilterError{Err: err}
	}
	entries, total, err := q.store.ListEntries(ctx, f)
	if err != nil {
		return Page{}, err
	}
	if entries == nil {
		entries = []ActivityEntry{}
	}
	totalPages := 0
	if total > 0 {
		totalPages = (total + f.PerPage - 1) / f.PerPage
	}
	return Page{
		Entries:    entries,
		Total:      total,
		Page:       f.Page,
		PerPage:    f.PerPage,
		TotalPages: totalPages,
	}, nil
}

// AggregateByModule counts all entries per module, largest first.
func (q *Query) AggregateByModule(ctx context.Context) ([]Count, error) {
	return q.aggregate(ctx, GroupByModule)
}

// AggregateByAction counts all entries per action verb, largest first.
func (q *Query) AggregateByAction(ctx context.Context) ([]Count, error) {
	return q.aggregate(ctx, GroupByAction)
}

func (q *Query) aggregate(ctx context.Context, field GroupField) ([]Count, error) {
	counts, err := q.store.CountBy(ctx, field, time.Time{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Key < counts[j].Key
	})
	if counts == nil {
		counts = []Count{}
	}
	return counts, nil
}

// AggregateByDay returns one bucket per UTC day for the last n days including
// today, oldest first, with zero-filled gaps.
func (q *Query) AggregateByDay(ctx context.Context, lastNDays int) ([]DayCount, error) {
	if lastNDays < 1 || lastNDays > maxDays {
		return nil, &InvalidFilterError{Err: fmt.Errorf("days must be between 1 and %d", maxDays)}
	}
	today := q.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(lastNDays - 1))
	rows, err := q.store.CountByDay(ctx, since)
	if err != nil {
		return nil, err
	}
	byDay := make(map[string]int, len(rows))
	for _, r := range rows {
		byDay[r.Day] += r.Count
	}
	out := make([]DayCount, 0, lastNDays)
	for d := since; !d.After(today); d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		out = append(out, DayCount{Day: key, Count: byDay[key]})
	}
	return out, nil
}

var exportHeader = []string{
	"id", "created_at", "actor_id", "actor_name", "actor_email", "action", "module",
	"resource_type", "resource_id", "resource_name", "old_values", "new_values", "metadata",
}

// Export streams every entry matching f as CSV, newest first, and returns the row count.
func (q *Query) Export(ctx context.Context, f Filter, w io.Writer) (int, error) {
	f.Page = 1
	f.PerPage = exportPageSize
	f, err := f.Normalize()
	if err != nil {
		return 0, &InvalidFilterError{Err: err}
	}
	f.PerPage = exportPageSize
	// Pages are offsets; rows recorded while the export runs would shift them.
	if now := q.now().UTC(); f.EndDate == nil || f.EndDate.After(now) {
		f.EndDate = &now
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	rows := 0
	for {
		entries, total, err := q.store.ListEntries(ctx, f)
		if err != nil {
			return rows, err
		}
		for _, e := range entries {
			if err := cw.Write(exportRecord(e)); err != nil {
				return rows, err
			}
			rows++
			if rows >= maxExportRows {
				cw.Flush()
				return rows, cw.Error()
			}
		}
		if len(entries) < f.PerPage || f.Page*f.PerPage >= total {
			break
		}
		f.Page++
	}
	cw.Flush()
	return rows, cw.Error()
}

func exportRecord(e ActivityEntry) []string {
	return []string{
		e.ID,
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.ActorID,
		e.Actor.Name,
		e.Actor.Email,
		e.Action,
		e.Module,
		e.ResourceType,
		e.ResourceID,
		e.ResourceName,
		jsonCell(e.OldValues),
		jsonCell(e.NewValues),
		jsonCell(e.Metadata),
	}
}

func jsonCell(v Values) string {
	if len(v) == 0 {
		return ""
	}
	b, err := json.Marshal(map[string]any(v))
	if err != nil {
		return ""
	}
	return string(b)
}
