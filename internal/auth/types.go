package auth

import "time"

// Permission identifies one checkable (module, action) capability.
type Permission struct {
	ID          string    `json:"id" db:"id"`
	Module      string    `json:"module" db:"module"`
	Action      string    `json:"action" db:"action"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Description string    `json:"description,omitempty" db:"description"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Key returns the "module:action" form of the permission.
func (p Permission) Key() string { return PermissionKey(p.Module, p.Action) }

// Role is a named bundle of permissions. Name is fixed after creation.
type Role struct {
	ID          string       `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	DisplayName string       `json:"display_name" db:"display_name"`
	Description string       `json:"description,omitempty" db:"description"`
	Color       string       `json:"color" db:"color"`
	IsActive    bool         `json:"is_active" db:"is_active"`
	SortOrder   int          `json:"sort_order" db:"sort_order"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
	Permissions []Permission `json:"permissions,omitempty" db:"-"`
}

// PermissionIDs lists the ids of the attached permissions.
func (r Role) PermissionIDs() []string {
	out := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		out = append(out, p.ID)
	}
	return out
}

// User is an administrator account.
type User struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	FullName     string     `json:"full_name" db:"full_name"`
	AvatarURL    string     `json:"avatar_url,omitempty" db:"avatar_url"`
	PasswordHash string     `json:"-" db:"password_hash"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	Roles        []Role     `json:"roles,omitempty" db:"-"`
}

// RoleIDs lists the ids of the attached roles.
func (u User) RoleIDs() []string {
	out := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		out = append(out, r.ID)
	}
	return out
}

// UserRole links a user to a role.
type UserRole struct {
	UserID     string    `json:"user_id" db:"user_id"`
	RoleID     string    `json:"role_id" db:"role_id"`
	AssignedBy string    `json:"assigned_by" db:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at" db:"assigned_at"`
}

// RoleInput carries the mutable role fields for create and update. A nil
// PermissionIDs on update keeps the current grants; an empty non-nil slice
// revokes them all.
type RoleInput struct {
	Name          string
	DisplayName   string
	Description   string
	Color         string
	IsActive      bool
	PermissionIDs []string
}

// UserInput carries user fields for create and update. A nil RoleIDs on update
// keeps the current assignments; an empty non-nil slice clears them.
type UserInput struct {
	Email          string
	FullName       string
	AvatarURL      string
	IsActive       bool
	RoleIDs        []string
	SendInvitation bool
}

// CreatedUser is returned by user creation. TemporaryPassword is the plaintext
// credential handed to the invitation channel; only its hash is stored.
type CreatedUser struct {
	User              User   `json:"user"`
	TemporaryPassword string `json:"-"`
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	Search   string
	RoleID   string
	IsActive *bool
	Page     int
	PerPage  int
}

// UserPage is one page of users.
type UserPage struct {
	Users      []User `json:"users"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	TotalPages int    `json:"total_pages"`
}
