package audit_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/store/memory"
)

var baseTime = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

// seedActivity records the entries one minute apart starting at baseTime.
func seedActivity(t *testing.T, store *memory.Store, entries []audit.Entry) {
	t.Helper()
	for i, e := range entries {
		at := baseTime.Add(time.Duration(i) * time.Minute)
		audit.NewRecorder(store, audit.WithClock(func() time.Time { return at })).Record(context.Background(), e)
	}
	require.Len(t, store.Entries(), len(entries))
}

func sampleEntries() []audit.Entry {
	return []audit.Entry{
		{ActorID: "u1", Action: audit.ActionCreate, Module: "events", ResourceName: "Spring sale"},
		{ActorID: "u1", Action: audit.ActionUpdate, Module: "events", ResourceName: "Spring sale"},
		{ActorID: "u2", Action: audit.ActionCreate, Module: "blog", ResourceName: "Opening hours"},
		{ActorID: "u2", Action: audit.ActionDelete, Module: "roles", ResourceName: "editor"},
		{Action: audit.ActionLogin, Module: "auth"},
	}
}

func TestListActivityDefaultsNewestFirst(t *testing.T) {
	store := memory.New()
	seedActivity(t, store, sampleEntries())
	q := audit.NewQuery(store, nil)

	page, err := q.ListActivity(context.Background(), audit.Filter{PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "auth", page.Entries[0].Module)
	assert.Equal(t, "roles", page.Entries[1].Module)

	last, err := q.ListActivity(context.Background(), audit.Filter{PerPage: 2, Page: 3})
	require.NoError(t, err)
	require.Len(t, last.Entries, 1)
	assert.Equal(t, audit.ActionCreate, last.Entries[0].Action)

	beyond, err := q.ListActivity(context.Background(), audit.Filter{PerPage: 2, Page: 9})
	require.NoError(t, err)
	assert.NotNil(t, beyond.Entries)
	assert.Empty(t, beyond.Entries)
}

func TestListActivityFilters(t *testing.T) {
	store := memory.New()
	seedActivity(t, store, sampleEntries())
	q := audit.NewQuery(store, nil)
	ctx := context.Background()

	page, err := q.ListActivity(ctx, audit.Filter{Module: "events"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = q.ListActivity(ctx, audit.Filter{ActorID: "u2", Action: audit.ActionCreate})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = q.ListActivity(ctx, audit.Filter{Search: "SPRING"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	start := baseTime.Add(time.Minute)
	end := baseTime.Add(3 * time.Minute)
	page, err = q.ListActivity(ctx, audit.Filter{StartDate: &start, EndDate: &end})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total, "date bounds are inclusive")

	page, err = q.ListActivity(ctx, audit.Filter{SortBy: audit.SortModule})
	require.NoError(t, err)
	assert.Equal(t, "auth", page.Entries[0].Module)
}

func TestListActivityRejectsBadFilters(t *testing.T) {
	q := audit.NewQuery(memory.New(), nil)
	start := baseTime
	end := baseTime.Add(-time.Hour)

	_, err := q.ListActivity(context.Background(), audit.Filter{StartDate: &start, EndDate: &end})
	var ife *audit.InvalidFilterError
	assert.True(t, errors.As(err, &ife))

	_, err = q.ListActivity(context.Background(), audit.Filter{SortBy: "password_hash"})
	assert.True(t, errors.As(err, &ife))
}

func TestListActivityResolvesActor(t *testing.T) {
	store := memory.New()
	seedActivity(t, store, sampleEntries())
	page, err := audit.NewQuery(store, nil).ListActivity(context.Background(), audit.Filter{Module: "auth"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, audit.SystemActor, page.Entries[0].Actor.ID)
	assert.Empty(t, page.Entries[0].Actor.Name)
}

func TestAggregates(t *testing.T) {
	store := memory.New()
	seedActivity(t, store, sampleEntries())
	q := audit.NewQuery(store, nil)
	ctx := context.Background()

	byModule, err := q.AggregateByModule(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, byModule)
	assert.Equal(t, audit.Count{Key: "events", Count: 2}, byModule[0])
	assert.Equal(t, []audit.Count{{Key: "events", Count: 2}, {Key: "auth", Count: 1}, {Key: "blog", Count: 1}, {Key: "roles", Count: 1}}, byModule)

	byAction, err := q.AggregateByAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.Count{Key: audit.ActionCreate, Count: 2}, byAction[0])

	empty, err := audit.NewQuery(memory.New(), nil).AggregateByModule(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestAggregateByDayZeroFills(t *testing.T) {
	store := memory.New()
	seedActivity(t, store, sampleEntries())
	rec := audit.NewRecorder(store, audit.WithClock(func() time.Time { return baseTime.AddDate(0, 0, -2) }))
	rec.Record(context.Background(), audit.Entry{Action: audit.ActionCreate, Module: "vip"})

	q := audit.NewQuery(store, func() time.Time { return baseTime.Add(5 * time.Hour) })
	days, err := q.AggregateByDay(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []audit.DayCount{
		{Day: "2025-06-07", Count: 0},
		{Day: "2025-06-08", Count: 1},
		{Day: "2025-06-09", Count: 0},
		{Day: "2025-06-10", Count: 5},
	}, days)

	_, err = q.AggregateByDay(context.Background(), 0)
	var ife *audit.InvalidFilterError
	assert.True(t, errors.As(err, &ife))
	_, err = q.AggregateByDay(context.Background(), 367)
	assert.True(t, errors.As(err, &ife))
}

func TestExportWritesCSV(t *testing.T) {
	store := memory.New()
	seedActivity(t, store, sampleEntries())
	q := audit.NewQuery(store, nil)

	var buf bytes.Buffer
	n, err := q.Export(context.Background(), audit.Filter{Module: "events"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, audit.ActionUpdate, records[1][5], "newest first")
	assert.Equal(t, "Spring sale", records[1][9])
}

func TestExportPagesThroughLargeResults(t *testing.T) {
	store := memory.New()
	entries := make([]audit.Entry, 0, 1203)
	for i := 0; i < 1203; i++ {
		entries = append(entries, audit.Entry{Action: audit.ActionRead, Module: "contacts"})
	}
	seedActivity(t, store, entries)

	var buf bytes.Buffer
	n, err := audit.NewQuery(store, nil).Export(context.Background(), audit.Filter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1203, n)
}

// growingReader records a fresh entry every time a page is read.
type growingReader struct {
	*memory.Store
	at    time.Time
	reads int
}

func (g *growingReader) ListEntries(ctx context.Context, f audit.Filter) ([]audit.ActivityEntry, int, error) {
	entries, total, err := g.Store.ListEntries(ctx, f)
	g.reads++
	_ = g.Store.Append(ctx, audit.Entry{
		ID:        fmt.Sprintf("late-%d", g.reads),
		Action:    audit.ActionLogin,
		Module:    "auth",
		CreatedAt: g.at.Add(time.Duration(g.reads) * time.Second),
	})
	return entries, total, err
}

func TestExportIgnoresEntriesRecordedMidway(t *testing.T) {
	store := memory.New()
	entries := make([]audit.Entry, 0, 1100)
	for i := 0; i < 1100; i++ {
		entries = append(entries, audit.Entry{Action: audit.ActionRead, Module: "contacts"})
	}
	seedActivity(t, store, entries)
	now := baseTime.Add(48 * time.Hour)
	reader := &growingReader{Store: store, at: now}

	var buf bytes.Buffer
	n, err := audit.NewQuery(reader, func() time.Time { return now }).Export(context.Background(), audit.Filter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1100, n)
	assert.Equal(t, 3, reader.reads)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	seen := make(map[string]bool, len(records))
	for _, r := range records[1:] {
		assert.False(t, seen[r[0]], "row %s exported twice", r[0])
		seen[r[0]] = true
	}
	assert.Len(t, seen, 1100)
}
