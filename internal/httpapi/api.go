package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mallpanel.org/internal/actions"
	"mallpanel.org/internal/auth"
	"mallpanel.org/internal/obs"
)

const serviceName = "mallpanel-api"

// readinessChecker reports whether dependencies are reachable.
type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks the database and, when configured, Redis.
type ReadyProbe struct {
	DB    interface{ PingContext(context.Context) error }
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Options configures the HTTP layer.
type Options struct {
	Actions  *actions.Actions
	Sessions *auth.SessionManager
	Ready    readinessChecker
	Version  string
	Logger   *zap.Logger

	CookieName     string
	CookieSecure   bool
	AllowedOrigins []string
	MaxBodyBytes   int64
	RateBurst      int
	RatePerSecond  int
	// TrustedProxies lists peers whose X-Forwarded-For is believed.
	TrustedProxies []string
}

// API is the HTTP surface of the admin panel.
type API struct {
	mux      *http.ServeMux
	actions  *actions.Actions
	sessions *auth.SessionManager
	ready    readinessChecker
	version  string
	log      *zap.Logger

	cookieName   string
	cookieSecure bool
	origins      map[string]bool
	maxBody      int64
	rateBurst    int
	ratePerSec   int
	loginLimiter *limiterSet
	trusted      []netip.Prefix
}

func New(opts Options) (*API, error) {
	if opts.Actions == nil {
		return nil, errors.New("actions are required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	a := &API{
		mux:          http.NewServeMux(),
		actions:      opts.Actions,
		sessions:     opts.Sessions,
		ready:        opts.Ready,
		version:      opts.Version,
		log:          opts.Logger,
		cookieName:   opts.CookieName,
		cookieSecure: opts.CookieSecure,
		origins:      make(map[string]bool, len(opts.AllowedOrigins)),
		maxBody:      opts.MaxBodyBytes,
		rateBurst:    opts.RateBurst,
		ratePerSec:   opts.RatePerSecond,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	if a.cookieName == "" {
		a.cookieName = "mallpanel_session"
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			a.origins[o] = true
		}
	}
	trusted, err := ParseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a.trusted = trusted
	// Login gets its own, much smaller budget per client.
	a.loginLimiter = newLimiterSet(5, 0.2)

	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)

	a.mux.HandleFunc("GET /v1/permissions", a.handleListPermissions)
	a.mux.HandleFunc("PUT /v1/permissions/{id}/status", a.handleSetPermissionStatus)

	a.mux.HandleFunc("GET /v1/roles", a.handleListRoles)
	a.mux.HandleFunc("POST /v1/roles", a.handleCreateRole)
	a.mux.HandleFunc("PUT /v1/roles/reorder", a.handleReorderRoles)
	a.mux.HandleFunc("GET /v1/roles/{id}", a.handleGetRole)
	a.mux.HandleFunc("PUT /v1/roles/{id}", a.handleUpdateRole)
	a.mux.HandleFunc("DELETE /v1/roles/{id}", a.handleDeleteRole)
	a.mux.HandleFunc("GET /v1/roles/{id}/users", a.handleRoleUsers)

	a.mux.HandleFunc("GET /v1/users", a.handleListUsers)
	a.mux.HandleFunc("POST /v1/users", a.handleCreateUser)
	a.mux.HandleFunc("GET /v1/users/{id}", a.handleGetUser)
	a.mux.HandleFunc("PUT /v1/users/{id}", a.handleUpdateUser)
	a.mux.HandleFunc("DELETE /v1/users/{id}", a.handleDeleteUser)
	a.mux.HandleFunc("PUT /v1/users/{id}/status", a.handleSetUserStatus)
	a.mux.HandleFunc("GET /v1/users/{id}/roles", a.handleListUserRoles)
	a.mux.HandleFunc("PUT /v1/users/{id}/roles", a.handleSetUserRoles)

	a.mux.HandleFunc("GET /v1/activity", a.handleListActivity)
	a.mux.HandleFunc("GET /v1/activity/stats/modules", a.handleActivityByModule)
	a.mux.HandleFunc("GET /v1/activity/stats/actions", a.handleActivityByAction)
	a.mux.HandleFunc("GET /v1/activity/stats/days", a.handleActivityByDay)
	a.mux.HandleFunc("GET /v1/activity/export", a.handleExportActivity)
	a.mux.HandleFunc("GET /v1/activity/stream", a.handleStreamActivity)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RealIP(h, a.trusted)
	h = Recover(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		a.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeActionError maps the error kinds returned by actions onto status codes.
func writeActionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="mallpanel"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, actions.ErrFeedDisabled):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, auth.ErrStore):
		writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
