package actions

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
)

// CreateUserResult reports the new user and whether the invitation went out.
// TemporaryPassword is set only when it still has to be delivered by hand.
type CreateUserResult struct {
	User              auth.User `json:"user"`
	InvitationSent    bool      `json:"invitation_sent"`
	TemporaryPassword string    `json:"temporary_password,omitempty"`
}

func (a *Actions) ListUsers(ctx context.Context, filter auth.UserFilter) (auth.UserPage, error) {
	if _, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionView); err != nil {
		return auth.UserPage{}, err
	}
	page, err := a.rbac.ListUsers(ctx, filter)
	if err != nil {
		return auth.UserPage{}, a.fail(ctx, "list users", err)
	}
	return page, nil
}

func (a *Actions) GetUser(ctx context.Context, id string) (auth.User, error) {
	if _, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionView); err != nil {
		return auth.User{}, err
	}
	user, err := a.rbac.GetUser(ctx, id)
	if err != nil {
		return auth.User{}, a.fail(ctx, "get user", err)
	}
	return user, nil
}

// CreateUser stores the user with a generated temporary credential. With
// SendInvitation the credential goes to the inviter; a delivery failure does
// not undo the user.
func (a *Actions) CreateUser(ctx context.Context, in auth.UserInput) (CreateUserResult, error) {
	p, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionCreate)
	if err != nil {
		return CreateUserResult{}, err
	}
	created, err := a.rbac.CreateUser(ctx, p.UserID, in)
	if err != nil {
		return CreateUserResult{}, a.fail(ctx, "create user", err)
	}
	result := CreateUserResult{User: created.User}
	if in.SendInvitation {
		if err := a.inviter.Invite(ctx, created.User, created.TemporaryPassword); err != nil {
			a.log.Warn("invitation delivery failed",
				zap.String("user_id", created.User.ID),
				zap.Error(err),
			)
		} else {
			result.InvitationSent = true
		}
	}
	if !result.InvitationSent {
		result.TemporaryPassword = created.TemporaryPassword
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionCreate,
		Module:       auth.ModuleUsers,
		ResourceType: ResourceUser,
		ResourceID:   created.User.ID,
		ResourceName: created.User.FullName,
		NewValues:    userValues(created.User),
		Metadata:     audit.Values{"invitation_sent": result.InvitationSent},
	})
	return result, nil
}

func (a *Actions) UpdateUser(ctx context.Context, id string, in auth.UserInput) (auth.User, error) {
	p, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionEdit)
	if err != nil {
		return auth.User{}, err
	}
	before, err := a.rbac.GetUser(ctx, id)
	if err != nil {
		return auth.User{}, a.fail(ctx, "get user", err)
	}
	user, err := a.rbac.UpdateUser(ctx, p.UserID, id, in)
	if err != nil {
		return auth.User{}, a.fail(ctx, "update user", err)
	}
	oldValues, newValues := audit.Diff(userValues(before), userValues(user))
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionUpdate,
		Module:       auth.ModuleUsers,
		ResourceType: ResourceUser,
		ResourceID:   user.ID,
		ResourceName: user.FullName,
		OldValues:    oldValues,
		NewValues:    newValues,
	})
	return user, nil
}

// DeleteUser rejects deleting the acting principal with auth.ErrSelfDelete.
func (a *Actions) DeleteUser(ctx context.Context, id string) error {
	p, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionDelete)
	if err != nil {
		return err
	}
	if id == p.UserID {
		return auth.ErrSelfDelete
	}
	before, err := a.rbac.GetUser(ctx, id)
	if err != nil {
		return a.fail(ctx, "get user", err)
	}
	if err := a.rbac.DeleteUser(ctx, p.UserID, id); err != nil {
		return a.fail(ctx, "delete user", err)
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionDelete,
		Module:       auth.ModuleUsers,
		ResourceType: ResourceUser,
		ResourceID:   before.ID,
		ResourceName: before.FullName,
		OldValues:    userValues(before),
	})
	return nil
}

// ToggleUserStatus rejects deactivating the acting principal with auth.ErrSelfDeactivate.
func (a *Actions) ToggleUserStatus(ctx context.Context, id string, active bool) (auth.User, error) {
	p, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionEdit)
	if err != nil {
		return auth.User{}, err
	}
	if id == p.UserID && !active {
		return auth.User{}, auth.ErrSelfDeactivate
	}
	before, err := a.rbac.GetUser(ctx, id)
	if err != nil {
		return auth.User{}, a.fail(ctx, "get user", err)
	}
	user, err := a.rbac.ToggleUserStatus(ctx, p.UserID, id, active)
	if err != nil {
		return auth.User{}, a.fail(ctx, "toggle user status", err)
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionToggle,
		Module:       auth.ModuleUsers,
		ResourceType: ResourceUser,
		ResourceID:   user.ID,
		ResourceName: user.FullName,
		OldValues:    audit.Values{"is_active": before.IsActive},
		NewValues:    audit.Values{"is_active": user.IsActive},
	})
	return user, nil
}

// SetUserRoles replaces every role of the user with roleIDs.
func (a *Actions) SetUserRoles(ctx context.Context, userID string, roleIDs []string) (auth.User, error) {
	p, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionEdit)
	if err != nil {
		return auth.User{}, err
	}
	before, err := a.rbac.GetUser(ctx, userID)
	if err != nil {
		return auth.User{}, a.fail(ctx, "get user", err)
	}
	if err := a.rbac.SetUserRoles(ctx, p.UserID, userID, roleIDs); err != nil {
		return auth.User{}, a.fail(ctx, "set user roles", err)
	}
	// The assignment is committed from here on; a failed read must not
	// hide it from the caller or the activity log.
	after, err := a.rbac.GetUser(ctx, userID)
	if err != nil {
		a.log.Warn("reload user after role change failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		after = withRoleIDs(before, roleIDs)
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionUpdate,
		Module:       auth.ModuleUsers,
		ResourceType: ResourceUser,
		ResourceID:   after.ID,
		ResourceName: after.FullName,
		OldValues:    audit.Values{"role_ids": before.RoleIDs()},
		NewValues:    audit.Values{"role_ids": after.RoleIDs()},
	})
	return after, nil
}

// withRoleIDs returns u holding exactly roleIDs, known by id only.
func withRoleIDs(u auth.User, roleIDs []string) auth.User {
	seen := make(map[string]bool, len(roleIDs))
	roles := make([]auth.Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		roles = append(roles, auth.Role{ID: id})
	}
	u.Roles = roles
	return u
}

func (a *Actions) ListUserRoles(ctx context.Context, userID string) ([]auth.UserRole, error) {
	if _, err := a.authorize(ctx, auth.ModuleUsers, auth.ActionView); err != nil {
		return nil, err
	}
	roles, err := a.rbac.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, a.fail(ctx, "list user roles", err)
	}
	if roles == nil {
		roles = []auth.UserRole{}
	}
	return roles, nil
}
