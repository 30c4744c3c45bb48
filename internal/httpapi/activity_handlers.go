package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mallpanel.org/internal/audit"
)

const (
	defaultStatsDays = 30
	streamKeepAlive  = 15 * time.Second
)

func (a *API) handleListActivity(w http.ResponseWriter, r *http.Request) {
	f, err := parseActivityFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.actions.ListActivity(r.Context(), f)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleActivityByModule(w http.ResponseWriter, r *http.Request) {
	counts, err := a.actions.AggregateByModule(r.Context())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (a *API) handleActivityByAction(w http.ResponseWriter, r *http.Request) {
	counts, err := a.actions.AggregateByAction(r.Context())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (a *API) handleActivityByDay(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsDays
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}
	counts, err := a.actions.AggregateByDay(r.Context(), days)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": counts})
}

// handleExportActivity buffers the CSV so a failure can still be reported
// with a proper status code. Exports are capped in size by audit.Query.
func (a *API) handleExportActivity(w http.ResponseWriter, r *http.Request) {
	f, err := parseActivityFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var buf bytes.Buffer
	rows, err := a.actions.ExportActivity(r.Context(), f, &buf)
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	name := fmt.Sprintf("activity-%s.csv", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Total-Count", strconv.Itoa(rows))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleStreamActivity sends newly recorded entries as Server-Sent Events.
func (a *API) handleStreamActivity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := a.actions.SubscribeActivity(ctx)
	if err != nil {
		writeActionError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would otherwise cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
		case entry, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: activity\ndata: %s\n\n", entry.ID, payload)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func parseActivityFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		Search:  q.Get("search"),
		Action:  q.Get("action"),
		Module:  q.Get("module"),
		ActorID: q.Get("actor_id"),
		SortBy:  q.Get("sort_by"),
	}
	var err error
	if f.Page, err = queryInt(q.Get("page")); err != nil {
		return audit.Filter{}, fmt.Errorf("page must be an integer")
	}
	if f.PerPage, err = queryInt(q.Get("per_page")); err != nil {
		return audit.Filter{}, fmt.Errorf("per_page must be an integer")
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("sort"))) {
	case "", "desc":
		f.SortDesc = true
	case "asc":
		f.SortDesc = false
	default:
		return audit.Filter{}, fmt.Errorf("sort must be asc or desc")
	}
	if f.SortBy == "" {
		f.SortBy = audit.SortCreatedAt
	}
	if f.StartDate, err = parseDate(q.Get("start_date"), false); err != nil {
		return audit.Filter{}, fmt.Errorf("start_date: %w", err)
	}
	if f.EndDate, err = parseDate(q.Get("end_date"), true); err != nil {
		return audit.Filter{}, fmt.Errorf("end_date: %w", err)
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain end date
// covers the whole day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
