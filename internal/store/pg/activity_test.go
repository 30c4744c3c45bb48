package pg

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mallpanel.org/internal/audit"
)

func TestAppendInsertsJSONValues(t *testing.T) {
	store, mock := newMockStore(t)

	e := audit.Entry{
		ID: "01J0000000000000000000000", ActorID: "u1", Action: "update", Module: "roles",
		ResourceType: "admin_role", ResourceID: "r1", ResourceName: "editor",
		OldValues: audit.Values{"color": "#111111"},
		NewValues: audit.Values{"color": "#222222"},
		CreatedAt: fixedAt,
	}
	mock.ExpectExec("insert into activity_logs").
		WithArgs(e.ID, "u1", "update", "roles", "admin_role", "r1", "editor",
			`{"color":"#111111"}`, `{"color":"#222222"}`, nil, fixedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Append(context.Background(), e))
}

func TestListEntriesFiltersAndJoinsActor(t *testing.T) {
	store, mock := newMockStore(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from activity_logs l where l.module = $1 and l.created_at >= $2")).
		WithArgs("roles", start).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("order by l.created_at desc, l.id desc limit $3 offset $4")).
		WithArgs("roles", start, 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "actor_id", "action", "module", "resource_type", "resource_id", "resource_name",
			"old_values", "new_values", "metadata", "created_at", "actor_name", "actor_email", "actor_avatar_url",
		}).AddRow("e1", "u1", "delete", "roles", "admin_role", "r1", "editor",
			[]byte(`{"name":"editor"}`), nil, nil, fixedAt, "Ada", "ada@example.com", ""))

	f, err := audit.Filter{Module: "roles", StartDate: &start}.Normalize()
	require.NoError(t, err)
	entries, total, err := store.ListEntries(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada", entries[0].Actor.Name)
	assert.Equal(t, "u1", entries[0].Actor.ID)
	assert.Equal(t, "editor", entries[0].OldValues["name"])
	assert.Nil(t, entries[0].NewValues)
}

func TestListEntriesEmptyResultSkipsPageQuery(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	f, err := audit.Filter{SortBy: audit.SortModule}.Normalize()
	require.NoError(t, err)
	entries, total, err := store.ListEntries(context.Background(), f)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, entries)
}

func TestListEntriesSecondarySortIsNewestFirst(t *testing.T) {
	cases := []struct {
		name  string
		f     audit.Filter
		order string
	}{
		{"module ascending", audit.Filter{SortBy: audit.SortModule}, "order by l.module asc, l.created_at desc, l.id desc limit"},
		{"actor descending", audit.Filter{SortBy: audit.SortActor, SortDesc: true}, "order by l.actor_id desc, l.created_at desc, l.id desc limit"},
		{"oldest first", audit.Filter{SortBy: audit.SortCreatedAt}, "order by l.created_at asc, l.id asc limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery("select count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
			mock.ExpectQuery(regexp.QuoteMeta(tc.order)).WillReturnRows(sqlmock.NewRows([]string{"id"}))

			f, err := tc.f.Normalize()
			require.NoError(t, err)
			_, _, err = store.ListEntries(context.Background(), f)
			require.NoError(t, err)
		})
	}
}

func TestCountByDay(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("to_char(date_trunc('day', created_at at time zone 'UTC'), 'YYYY-MM-DD') as day")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).AddRow("2025-06-01", 4).AddRow("2025-06-03", 1))

	days, err := store.CountByDay(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, []audit.DayCount{{Day: "2025-06-01", Count: 4}, {Day: "2025-06-03", Count: 1}}, days)
}

func TestCountByAction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("select action as key, count(*) as count")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("create", 7))

	counts, err := store.CountBy(context.Background(), audit.GroupByAction, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []audit.Count{{Key: "create", Count: 7}}, counts)
}
