package actions

import (
	"context"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
)

// --- permission catalog ---

func (a *Actions) ListPermissions(ctx context.Context, activeOnly bool) ([]auth.Permission, error) {
	if _, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionView); err != nil {
		return nil, err
	}
	perms, err := a.rbac.ListPermissions(ctx, activeOnly)
	if err != nil {
		return nil, a.fail(ctx, "list permissions", err)
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	return perms, nil
}

// SetPermissionActive retires or restores a catalog entry.
func (a *Actions) SetPermissionActive(ctx context.Context, id string, active bool) (auth.Permission, error) {
	p, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionEdit)
	if err != nil {
		return auth.Permission{}, err
	}
	before, err := a.rbac.GetPermission(ctx, id)
	if err != nil {
		return auth.Permission{}, a.fail(ctx, "get permission", err)
	}
	perm, err := a.rbac.SetPermissionActive(ctx, id, active)
	if err != nil {
		return auth.Permission{}, a.fail(ctx, "set permission status", err)
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionToggle,
		Module:       auth.ModuleRoles,
		ResourceType: ResourcePermission,
		ResourceID:   perm.ID,
		ResourceName: perm.Key(),
		OldValues:    audit.Values{"is_active": before.IsActive},
		NewValues:    audit.Values{"is_active": perm.IsActive},
	})
	return perm, nil
}

// --- roles ---

func (a *Actions) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if _, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionView); err != nil {
		return nil, err
	}
	roles, err := a.rbac.ListRoles(ctx)
	if err != nil {
		return nil, a.fail(ctx, "list roles", err)
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	return roles, nil
}

func (a *Actions) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if _, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionView); err != nil {
		return auth.Role{}, err
	}
	role, err := a.rbac.GetRole(ctx, id)
	if err != nil {
		return auth.Role{}, a.fail(ctx, "get role", err)
	}
	return role, nil
}

// CreateRole returns the new role without its permission list.
func (a *Actions) CreateRole(ctx context.Context, in auth.RoleInput) (auth.Role, error) {
	p, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionCreate)
	if err != nil {
		return auth.Role{}, err
	}
	role, err := a.rbac.CreateRole(ctx, in)
	if err != nil {
		return auth.Role{}, a.fail(ctx, "create role", err)
	}
	values := roleValues(role)
	permIDs := in.PermissionIDs
	if permIDs == nil {
		permIDs = []string{}
	}
	values["permission_ids"] = permIDs
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionCreate,
		Module:       auth.ModuleRoles,
		ResourceType: ResourceRole,
		ResourceID:   role.ID,
		ResourceName: role.DisplayName,
		NewValues:    values,
	})
	return role, nil
}

func (a *Actions) UpdateRole(ctx context.Context, id string, in auth.RoleInput) (auth.Role, error) {
	p, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionEdit)
	if err != nil {
		return auth.Role{}, err
	}
	before, err := a.rbac.GetRole(ctx, id)
	if err != nil {
		return auth.Role{}, a.fail(ctx, "get role", err)
	}
	role, err := a.rbac.UpdateRole(ctx, id, in)
	if err != nil {
		return auth.Role{}, a.fail(ctx, "update role", err)
	}
	oldValues, newValues := audit.Diff(roleValues(before), roleValues(role))
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionUpdate,
		Module:       auth.ModuleRoles,
		ResourceType: ResourceRole,
		ResourceID:   role.ID,
		ResourceName: role.DisplayName,
		OldValues:    oldValues,
		NewValues:    newValues,
	})
	return role, nil
}

// DeleteRole fails with auth.ErrRoleInUse while any user holds the role.
func (a *Actions) DeleteRole(ctx context.Context, id string) error {
	p, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionDelete)
	if err != nil {
		return err
	}
	before, err := a.rbac.GetRole(ctx, id)
	if err != nil {
		return a.fail(ctx, "get role", err)
	}
	if err := a.rbac.DeleteRole(ctx, id); err != nil {
		return a.fail(ctx, "delete role", err)
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionDelete,
		Module:       auth.ModuleRoles,
		ResourceType: ResourceRole,
		ResourceID:   before.ID,
		ResourceName: before.DisplayName,
		OldValues:    roleValues(before),
	})
	return nil
}

func (a *Actions) ReorderRoles(ctx context.Context, ids []string) error {
	p, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionEdit)
	if err != nil {
		return err
	}
	if err := a.rbac.ReorderRoles(ctx, ids); err != nil {
		return a.fail(ctx, "reorder roles", err)
	}
	a.record(ctx, p, audit.Entry{
		Action:       audit.ActionReorder,
		Module:       auth.ModuleRoles,
		ResourceType: ResourceRole,
		Metadata:     audit.Values{"role_ids": ids, "count": len(ids)},
	})
	return nil
}

func (a *Actions) ListUsersWithRole(ctx context.Context, roleID string) ([]auth.User, error) {
	if _, err := a.authorize(ctx, auth.ModuleRoles, auth.ActionView); err != nil {
		return nil, err
	}
	users, err := a.rbac.ListUsersWithRole(ctx, roleID)
	if err != nil {
		return nil, a.fail(ctx, "list users with role", err)
	}
	if users == nil {
		users = []auth.User{}
	}
	return users, nil
}
