package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mallpanel.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// paths served without looking at credentials.
var publicPaths = map[string]bool{
	"/v1/auth/login": true,
	"/healthz":       true,
	"/readyz":        true,
	"/v1/info":       true,
	"/metrics":       true,
}

// withSession attaches the principal carried by the bearer token or the
// session cookie. Requests without credentials pass through unauthenticated;
// a token that does not validate is rejected.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, fromCookie, err := a.sessionToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mallpanel"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.sessions.Parse(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				if fromCookie {
					a.clearCookie(w)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="mallpanel", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			a.log.Error("session validation failed",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Error(err),
			)
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		if fromCookie && !safeMethod(r.Method) && !a.sameOrigin(r) {
			writeError(w, r, http.StatusForbidden, "cross-site request rejected")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionToken prefers the Authorization header over the cookie.
func (a *API) sessionToken(r *http.Request) (string, bool, error) {
	if header := r.Header.Get(authHeader); header != "" {
		token, err := extractBearerToken(header)
		return token, false, err
	}
	c, err := r.Cookie(a.cookieName)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return "", false, nil
	}
	return strings.TrimSpace(c.Value), true, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

// sameOrigin accepts cookie-authenticated mutations only from the API's own
// origin or a configured admin origin.
func (a *API) sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if ref := r.Header.Get("Referer"); ref != "" {
			if u, err := url.Parse(ref); err == nil && u.Host != "" {
				origin = u.Scheme + "://" + u.Host
			}
		}
	}
	if origin == "" {
		return r.Header.Get("Sec-Fetch-Site") != "cross-site"
	}
	if a.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (a *API) setCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
