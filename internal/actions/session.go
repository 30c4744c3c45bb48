package actions

import (
	"context"
	"errors"
	"strings"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
)

// LoginInfo describes the client attempting to log in.
type LoginInfo struct {
	IP        string
	UserAgent string
}

// Me is the current principal with its effective permissions.
type Me struct {
	User        auth.User `json:"user"`
	Permissions []string  `json:"permissions"`
}

// Login verifies credentials. Success is recorded under the user, failure
// under the system actor with the attempted email.
func (a *Actions) Login(ctx context.Context, email, password string, info LoginInfo) (auth.User, error) {
	user, err := a.rbac.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.audit.Record(ctx, audit.Entry{
				ActorID: audit.SystemActor,
				Action:  audit.ActionLoginFailed,
				Module:  auth.ModuleAuth,
				Metadata: audit.Values{
					"email":      strings.ToLower(strings.TrimSpace(email)),
					"reason":     "invalid_credentials",
					"ip":         info.IP,
					"user_agent": info.UserAgent,
				},
			})
			return auth.User{}, err
		}
		return auth.User{}, a.fail(ctx, "authenticate", err)
	}
	a.audit.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       audit.ActionLogin,
		Module:       auth.ModuleAuth,
		ResourceType: ResourceUser,
		ResourceID:   user.ID,
		ResourceName: user.FullName,
		Metadata:     audit.Values{"ip": info.IP, "user_agent": info.UserAgent},
	})
	return user, nil
}

// Logout records the end of the current principal's session.
func (a *Actions) Logout(ctx context.Context) (auth.Principal, error) {
	p, ok := a.principals.Resolve(ctx)
	if !ok || p.UserID == "" {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionLogout,
		Module:       auth.ModuleAuth,
		ResourceType: ResourceUser,
		ResourceID:   p.UserID,
		ResourceName: p.FullName,
	})
	return p, nil
}

// Me returns the current user. A deactivated or deleted account is unauthorized.
func (a *Actions) Me(ctx context.Context) (Me, error) {
	p, ok := a.principals.Resolve(ctx)
	if !ok || p.UserID == "" {
		return Me{}, auth.ErrUnauthorized
	}
	user, err := a.rbac.GetUser(ctx, p.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return Me{}, auth.ErrUnauthorized
	}
	if err != nil {
		return Me{}, a.fail(ctx, "get current user", err)
	}
	if !user.IsActive {
		return Me{}, auth.ErrUnauthorized
	}
	perms, err := a.rbac.UserPermissions(ctx, p.UserID)
	if err != nil {
		return Me{}, a.fail(ctx, "resolve permissions", err)
	}
	keys := make([]string, 0, len(perms))
	for _, perm := range perms {
		keys = append(keys, perm.Key())
	}
	return Me{User: user, Permissions: keys}, nil
}
