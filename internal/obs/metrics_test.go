package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/roles":                     "/v1/roles",
		"/v1/roles/abc":                 "/v1/roles/:id",
		"/v1/roles/abc/users":           "/v1/roles/:id/users",
		"/v1/roles/reorder":             "/v1/roles/reorder",
		"/v1/roles/abc/extra":           "/v1/roles/abc/extra",
		"/v1/users/abc/roles":           "/v1/users/:id/roles",
		"/v1/users/abc/status":          "/v1/users/:id/status",
		"/v1/users/abc/roles/x":         "/v1/users/abc/roles/x",
		"/v1/permissions/abc/status":    "/v1/permissions/:id/status",
		"/v1/activity/stats/modules":    "/v1/activity/stats/modules",
		"/v1/activity?page=2&per_page=": "/v1/activity",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/users/:id/roles", "202"))

	req := httptest.NewRequest(http.MethodPost, "/v1/users/01HZX/roles", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/users/:id/roles", "202"))
	if after-before != 1 {
		t.Fatalf("expected one counted request, got %v", after-before)
	}
}

func TestObserveAuthzDecision(t *testing.T) {
	before := testutil.ToFloat64(authzDecisions.WithLabelValues("events", "edit", "deny"))
	ObserveAuthzDecision("events", "edit", false)
	if got := testutil.ToFloat64(authzDecisions.WithLabelValues("events", "edit", "deny")) - before; got != 1 {
		t.Fatalf("expected deny counter to increase by 1, got %v", got)
	}
}
