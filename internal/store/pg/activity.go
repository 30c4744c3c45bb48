package pg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mallpanel.org/internal/audit"
)

var (
	_ audit.Appender = (*Store)(nil)
	_ audit.Reader   = (*Store)(nil)
)

var sortColumns = map[string]string{
	audit.SortCreatedAt: "l.created_at",
	audit.SortAction:    "l.action",
	audit.SortModule:    "l.module",
	audit.SortActor:     "l.actor_id",
}

const activityColumns = `l.id, l.actor_id, l.action, l.module, l.resource_type, l.resource_id, l.resource_name,
	l.old_values, l.new_values, l.metadata, l.created_at`

// Append inserts one activity row. The table rejects updates and deletes.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into activity_logs
			(id, actor_id, action, module, resource_type, resource_id, resource_name, old_values, new_values, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.ActorID, e.Action, e.Module, e.ResourceType, e.ResourceID, e.ResourceName,
		e.OldValues, e.NewValues, e.Metadata, e.CreatedAt)
	return err
}

type activityRow struct {
	audit.Entry
	ActorName      string `db:"actor_name"`
	ActorEmail     string `db:"actor_email"`
	ActorAvatarURL string `db:"actor_avatar_url"`
}

func (s *Store) ListEntries(ctx context.Context, f audit.Filter) ([]audit.ActivityEntry, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Search != "" {
		p := arg(likePattern(f.Search))
		where = append(where, fmt.Sprintf("(l.resource_name ilike %s or l.module ilike %s or l.action ilike %s)", p, p, p))
	}
	if f.Action != "" {
		where = append(where, "l.action = "+arg(f.Action))
	}
	if f.Module != "" {
		where = append(where, "l.module = "+arg(f.Module))
	}
	if f.ActorID != "" {
		where = append(where, "l.actor_id = "+arg(f.ActorID))
	}
	if f.StartDate != nil {
		where = append(where, "l.created_at >= "+arg(f.StartDate.UTC()))
	}
	if f.EndDate != nil {
		where = append(where, "l.created_at <= "+arg(f.EndDate.UTC()))
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.x.GetContext(ctx, &total, `select count(*) from activity_logs l`+clause, args...); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []audit.ActivityEntry{}, 0, nil
	}

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = sortColumns[audit.SortCreatedAt]
	}
	dir := "asc"
	if f.SortDesc {
		dir = "desc"
	}
	// Ties fall back to newest first; the id follows created_at's direction.
	order := fmt.Sprintf(" order by %s %s, l.id %s", col, dir, dir)
	if col != "l.created_at" {
		order = fmt.Sprintf(" order by %s %s, l.created_at desc, l.id desc", col, dir)
	}

	limit := arg(f.PerPage)
	offset := arg(f.Offset())
	var rows []activityRow
	if err := s.x.SelectContext(ctx, &rows, `
		select `+activityColumns+`,
			coalesce(u.full_name, '') as actor_name,
			coalesce(u.email, '') as actor_email,
			coalesce(u.avatar_url, '') as actor_avatar_url
		from activity_logs l
		left join admin_users u on u.id = l.actor_id`+clause+order+
		` limit `+limit+` offset `+offset, args...); err != nil {
		return nil, 0, err
	}
	out := make([]audit.ActivityEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, audit.ActivityEntry{
			Entry: r.Entry,
			Actor: audit.Actor{ID: r.ActorID, Name: r.ActorName, Email: r.ActorEmail, AvatarURL: r.ActorAvatarURL},
		})
	}
	return out, total, nil
}

func (s *Store) CountBy(ctx context.Context, field audit.GroupField, since time.Time) ([]audit.Count, error) {
	col := "module"
	if field == audit.GroupByAction {
		col = "action"
	}
	var out []audit.Count
	if err := s.x.SelectContext(ctx, &out, `
		select `+col+` as key, count(*) as count
		from activity_logs
		where created_at >= $1
		group by `+col, since.UTC()); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountByDay(ctx context.Context, since time.Time) ([]audit.DayCount, error) {
	var out []audit.DayCount
	if err := s.x.SelectContext(ctx, &out, `
		select to_char(date_trunc('day', created_at at time zone 'UTC'), 'YYYY-MM-DD') as day, count(*) as count
		from activity_logs
		where created_at >= $1
		group by 1
		order by 1
	`, since.UTC()); err != nil {
		return nil, err
	}
	return out, nil
}
