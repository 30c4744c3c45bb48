package auth

import (
	"context"
	"time"
)

// PermissionStore persists the permission catalog.
type PermissionStore interface {
	// UpsertPermissions inserts catalog entries whose (module, action) pair has no active row yet.
	UpsertPermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context, activeOnly bool) ([]Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	SetPermissionActive(ctx context.Context, id string, active bool) (Permission, error)
}

// RoleStore persists roles and their permission links.
//
// CreateRole assigns sort_order max+1 and returns ErrConflict when the name is
// taken by any role regardless of case or active flag. UpdateRole never changes
// the name; a nil permissionIDs keeps the current set. DeleteRole returns
// ErrRoleInUse while any user holds the role.
type RoleStore interface {
	CreateRole(ctx context.Context, role Role, permissionIDs []string) (Role, error)
	UpdateRole(ctx context.Context, role Role, permissionIDs []string) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	GetRole(ctx context.Context, id string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ReorderRoles(ctx context.Context, ids []string) error
	ListUsersWithRole(ctx context.Context, roleID string) ([]User, error)
}

// UserStore persists users and their role assignments. Every method that takes
// roleIDs replaces the user's assignments inside the same transaction.
type UserStore interface {
	CreateUser(ctx context.Context, user User, roleIDs []string, assignedBy string) (User, error)
	UpdateUser(ctx context.Context, user User, roleIDs []string, assignedBy string) (User, error)
	SetUserActive(ctx context.Context, id string, active bool) (User, error)
	DeleteUser(ctx context.Context, id string) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]User, int, error)
	SetUserRoles(ctx context.Context, userID string, roleIDs []string, assignedBy string) error
	ListUserRoles(ctx context.Context, userID string) ([]UserRole, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// PermissionResolver returns the effective permission set of a user: the union
// of active permissions across the active roles of an active user.
type PermissionResolver interface {
	UserPermissions(ctx context.Context, userID string) ([]Permission, error)
}

// RBACStore is the full persistence contract of the access-control core.
type RBACStore interface {
	PermissionStore
	RoleStore
	UserStore
	PermissionResolver
}
