package auth

import (
	"context"
	"time"
)

// Principal is the authenticated administrator making a request.
type Principal struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	SessionID string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// PrincipalProvider resolves the current principal, if any.
type PrincipalProvider interface {
	Resolve(ctx context.Context) (Principal, bool)
}

// PrincipalProviderFunc adapts a function to PrincipalProvider.
type PrincipalProviderFunc func(ctx context.Context) (Principal, bool)

func (f PrincipalProviderFunc) Resolve(ctx context.Context) (Principal, bool) { return f(ctx) }

// ContextProvider resolves the principal attached by the session middleware.
type ContextProvider struct{}

func (ContextProvider) Resolve(ctx context.Context) (Principal, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// UserIDFromContext returns the principal's user id if one is attached.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}
