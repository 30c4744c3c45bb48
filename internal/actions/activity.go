package actions

import (
	"context"
	"io"
	"time"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
)

func (a *Actions) ListActivity(ctx context.Context, f audit.Filter) (audit.Page, error) {
	if _, err := a.authorize(ctx, auth.ModuleActivity, auth.ActionView); err != nil {
		return audit.Page{}, err
	}
	page, err := a.activity.ListActivity(ctx, f)
	if err != nil {
		return audit.Page{}, a.fail(ctx, "list activity", err)
	}
	return page, nil
}

func (a *Actions) AggregateByModule(ctx context.Context) ([]audit.Count, error) {
	if _, err := a.authorize(ctx, auth.ModuleActivity, auth.ActionView); err != nil {
		return nil, err
	}
	counts, err := a.activity.AggregateByModule(ctx)
	if err != nil {
		return nil, a.fail(ctx, "aggregate activity by module", err)
	}
	return counts, nil
}

func (a *Actions) AggregateByAction(ctx context.Context) ([]audit.Count, error) {
	if _, err := a.authorize(ctx, auth.ModuleActivity, auth.ActionView); err != nil {
		return nil, err
	}
	counts, err := a.activity.AggregateByAction(ctx)
	if err != nil {
		return nil, a.fail(ctx, "aggregate activity by action", err)
	}
	return counts, nil
}

func (a *Actions) AggregateByDay(ctx context.Context, lastNDays int) ([]audit.DayCount, error) {
	if _, err := a.authorize(ctx, auth.ModuleActivity, auth.ActionView); err != nil {
		return nil, err
	}
	days, err := a.activity.AggregateByDay(ctx, lastNDays)
	if err != nil {
		return nil, a.fail(ctx, "aggregate activity by day", err)
	}
	return days, nil
}

// SubscribeActivity streams entries recorded from now on until ctx ends.
func (a *Actions) SubscribeActivity(ctx context.Context) (<-chan audit.Entry, error) {
	if _, err := a.authorize(ctx, auth.ModuleActivity, auth.ActionView); err != nil {
		return nil, err
	}
	if a.feed == nil {
		return nil, ErrFeedDisabled
	}
	return a.feed.Subscribe(ctx), nil
}

// ExportActivity writes matching entries to w as CSV and records the export.
func (a *Actions) ExportActivity(ctx context.Context, f audit.Filter, w io.Writer) (int, error) {
	p, err := a.authorize(ctx, auth.ModuleActivity, auth.ActionExport)
	if err != nil {
		return 0, err
	}
	rows, err := a.activity.Export(ctx, f, w)
	if err != nil {
		return rows, a.fail(ctx, "export activity", err)
	}
	a.record(ctx, p, audit.Entry{
		Action:   audit.ActionExport,
		Module:   auth.ModuleActivity,
		Metadata: exportMetadata(f, rows),
	})
	return rows, nil
}

func exportMetadata(f audit.Filter, rows int) audit.Values {
	meta := audit.Values{"rows": rows}
	for k, v := range map[string]string{
		"search":   f.Search,
		"action":   f.Action,
		"module":   f.Module,
		"actor_id": f.ActorID,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	if f.StartDate != nil {
		meta["start_date"] = f.StartDate.UTC().Format(time.RFC3339)
	}
	if f.EndDate != nil {
		meta["end_date"] = f.EndDate.UTC().Format(time.RFC3339)
	}
	return meta
}
