package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mallpanel_ready",
		Help: "1 when the service passed its last readiness check.",
	})

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mallpanel_authz_decisions_total",
			Help: "Authorization gate decisions by module, action and result.",
		},
		[]string{"module", "action", "result"},
	)

	auditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mallpanel_audit_writes_total",
			Help: "Activity log writes by result.",
		},
		[]string{"result"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mallpanel_authz_cache_lookups_total",
			Help: "Authorization decision cache lookups by result.",
		},
		[]string{"result"},
	)

	initOnce sync.Once
)

// Init registers the service metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			serviceReady, authzDecisions, auditWrites, cacheLookups,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// ObserveAuthzDecision counts one gate decision.
func ObserveAuthzDecision(module, action string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	authzDecisions.WithLabelValues(module, action, result).Inc()
}

// ObserveAuditWrite counts one activity log write attempt. result is ok, failed or dropped.
func ObserveAuditWrite(result string) {
	auditWrites.WithLabelValues(result).Inc()
}

// ObserveCacheLookup counts one decision cache lookup. result is hit, miss or error.
func ObserveCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections whose second segment is an identifier, with the sub-resources allowed after it.
var idCollections = map[string]map[string]bool{
	"roles":       {"": true, "users": true, "permissions": true},
	"users":       {"": true, "roles": true, "status": true},
	"permissions": {"": true, "status": true},
}

// static second segments that must not be collapsed into :id.
var staticSegments = map[string]bool{
	"reorder": true,
	"stats":   true,
	"export":  true,
	"login":   true,
	"logout":  true,
	"me":      true,
}

// CanonicalPath collapses identifiers so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	subs, ok := idCollections[parts[1]]
	if !ok || staticSegments[parts[2]] {
		return p
	}
	sub := ""
	if len(parts) == 4 {
		sub = parts[3]
	}
	if len(parts) > 4 || !subs[sub] {
		return p
	}
	out := "/v1/" + parts[1] + "/:id"
	if sub != "" {
		out += "/" + sub
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
