// Package actions is the entry point for every admin operation. Each call
// resolves the principal, asks the gate, runs the mutation and records the
// outcome in the activity log, in that order.
package actions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
)

// Resource types written to the activity log.
const (
	ResourceRole       = "admin_role"
	ResourceUser       = "admin_user"
	ResourcePermission = "admin_permission"
)

// Authorizer answers exact (module, action) checks for a user.
type Authorizer interface {
	CheckPermission(ctx context.Context, userID, module, action string) bool
}

// Recorder appends activity entries without reporting failures.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// ActivityFeed hands out live subscriptions to recorded entries.
type ActivityFeed interface {
	Subscribe(ctx context.Context) <-chan audit.Entry
}

// ErrFeedDisabled is returned by SubscribeActivity when no feed is configured.
var ErrFeedDisabled = errors.New("activity feed is disabled")

// Options wires the collaborators of Actions. Principals, Gate, RBAC, Activity
// and Audit are required.
type Options struct {
	Principals auth.PrincipalProvider
	Gate       Authorizer
	RBAC       *auth.RBACService
	Activity   *audit.Query
	Audit      Recorder
	Inviter    auth.Inviter
	Feed       ActivityFeed
	Logger     *zap.Logger
}

type Actions struct {
	principals auth.PrincipalProvider
	gate       Authorizer
	rbac       *auth.RBACService
	activity   *audit.Query
	audit      Recorder
	inviter    auth.Inviter
	feed       ActivityFeed
	log        *zap.Logger
}

func New(opts Options) (*Actions, error) {
	switch {
	case opts.Principals == nil:
		return nil, errors.New("principal provider is required")
	case opts.Gate == nil:
		return nil, errors.New("authorization gate is required")
	case opts.RBAC == nil:
		return nil, errors.New("rbac service is required")
	case opts.Activity == nil:
		return nil, errors.New("activity query is required")
	case opts.Audit == nil:
		return nil, errors.New("activity recorder is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	inviter := opts.Inviter
	if inviter == nil {
		inviter = auth.LogInviter{Log: log}
	}
	return &Actions{
		principals: opts.Principals,
		gate:       opts.Gate,
		rbac:       opts.RBAC,
		activity:   opts.Activity,
		audit:      opts.Audit,
		inviter:    inviter,
		feed:       opts.Feed,
		log:        log,
	}, nil
}

// authorize resolves the principal and checks module:action. Nothing else runs
// before it.
func (a *Actions) authorize(ctx context.Context, module, action string) (auth.Principal, error) {
	p, ok := a.principals.Resolve(ctx)
	if !ok || p.UserID == "" {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	if !a.gate.CheckPermission(ctx, p.UserID, module, action) {
		return auth.Principal{}, fmt.Errorf("%w: missing permission %s", auth.ErrForbidden, auth.PermissionKey(module, action))
	}
	return p, nil
}

// fail maps err onto the public error kinds. Unexpected errors become a
// *auth.StoreError and the cause is logged.
func (a *Actions) fail(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var ife *audit.InvalidFilterError
	if errors.As(err, &ife) {
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, ife.Error())
	}
	wrapped := auth.WrapStore(op, err)
	var se *auth.StoreError
	if errors.As(wrapped, &se) {
		a.log.Error("store operation failed",
			zap.String("op", op),
			zap.String("request_id", audit.RequestIDFromContext(ctx)),
			zap.Error(se.Err),
		)
	}
	return wrapped
}

func (a *Actions) record(ctx context.Context, p auth.Principal, e audit.Entry) {
	e.ActorID = p.UserID
	a.audit.Record(ctx, e)
}

func roleValues(r auth.Role) audit.Values {
	return audit.Values{
		"name":           r.Name,
		"display_name":   r.DisplayName,
		"description":    r.Description,
		"color":          r.Color,
		"is_active":      r.IsActive,
		"sort_order":     r.SortOrder,
		"permission_ids": r.PermissionIDs(),
	}
}

func userValues(u auth.User) audit.Values {
	return audit.Values{
		"email":      u.Email,
		"full_name":  u.FullName,
		"avatar_url": u.AvatarURL,
		"is_active":  u.IsActive,
		"role_ids":   u.RoleIDs(),
	}
}
