package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

const (
	defaultRoleColor = "#6B7280"
	defaultPerPage   = 20
	maxPerPage       = 100
)

var (
	roleNamePattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)
	roleColorPattern = regexp.MustCompile(`^#(?:[0-9A-Fa-f]{3}|[0-9A-Fa-f]{6})$`)
)

// Invalidator drops cached authorization decisions after access changes.
type Invalidator interface {
	ForgetUser(ctx context.Context, userID string)
	ForgetAll(ctx context.Context)
}

// RBACService validates and normalizes input before delegating to the store.
type RBACService struct {
	store       RBACStore
	invalidator Invalidator
	now         func() time.Time
}

// ServiceOption configures RBACService.
type ServiceOption func(*RBACService)

// WithInvalidator registers a cache that must forget decisions on access changes.
func WithInvalidator(inv Invalidator) ServiceOption {
	return func(s *RBACService) { s.invalidator = inv }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *RBACService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRBACService(store RBACStore, opts ...ServiceOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	s := &RBACService{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store exposes the underlying store for read paths such as the gate.
func (s *RBACService) Store() RBACStore { return s.store }

// --- permissions ---

// SyncCatalog makes sure every built-in permission exists.
func (s *RBACService) SyncCatalog(ctx context.Context) error {
	if err := s.store.UpsertPermissions(ctx, BuiltinCatalog()); err != nil {
		return err
	}
	s.forgetAll(ctx)
	return nil
}

func (s *RBACService) ListPermissions(ctx context.Context, activeOnly bool) ([]Permission, error) {
	return s.store.ListPermissions(ctx, activeOnly)
}

func (s *RBACService) GetPermission(ctx context.Context, id string) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.GetPermission(ctx, id)
}

// SetPermissionActive retires or restores a permission. Reactivation fails with
// ErrConflict when another active permission holds the same pair.
func (s *RBACService) SetPermissionActive(ctx context.Context, id string, active bool) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	p, err := s.store.SetPermissionActive(ctx, id, active)
	if err != nil {
		return Permission{}, err
	}
	s.forgetAll(ctx)
	return p, nil
}

// --- roles ---

func (s *RBACService) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	in, err := normalizeRoleInput(in)
	if err != nil {
		return Role{}, err
	}
	if !roleNamePattern.MatchString(in.Name) {
		return Role{}, fmt.Errorf("%w: role name must start with a letter and contain only letters, digits, '-' or '_'", ErrInvalidInput)
	}
	role := Role{
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Color:       in.Color,
		IsActive:    in.IsActive,
	}
	permIDs := in.PermissionIDs
	if permIDs == nil {
		permIDs = []string{}
	}
	return s.store.CreateRole(ctx, role, permIDs)
}

// UpdateRole replaces the mutable fields and, when given, the full permission
// set. The name
// is immutable: asking for another role's name is a conflict, any other change
// is rejected as invalid input.
func (s *RBACService) UpdateRole(ctx context.Context, id string, in RoleInput) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	in, err := normalizeRoleInput(in)
	if err != nil {
		return Role{}, err
	}
	current, err := s.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if in.Name != "" && !strings.EqualFold(in.Name, current.Name) {
		holder, err := s.store.GetRoleByName(ctx, in.Name)
		switch {
		case err == nil && holder.ID != current.ID:
			return Role{}, fmt.Errorf("%w: role name %q already exists", ErrConflict, in.Name)
		case err != nil && !errors.Is(err, ErrNotFound):
			return Role{}, err
		}
		return Role{}, fmt.Errorf("%w: role name cannot be changed", ErrInvalidInput)
	}
	current.DisplayName = in.DisplayName
	current.Description = in.Description
	current.Color = in.Color
	current.IsActive = in.IsActive
	updated, err := s.store.UpdateRole(ctx, current, in.PermissionIDs)
	if err != nil {
		return Role{}, err
	}
	s.forgetAll(ctx)
	return updated, nil
}

func (s *RBACService) DeleteRole(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.forgetAll(ctx)
	return nil
}

func (s *RBACService) GetRole(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, id)
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// ReorderRoles assigns sort_order 1..n following ids.
func (s *RBACService) ReorderRoles(ctx context.Context, ids []string) error {
	ids = dedupeStrings(ids)
	if len(ids) == 0 {
		return fmt.Errorf("%w: role_ids are required", ErrInvalidInput)
	}
	return s.store.ReorderRoles(ctx, ids)
}

func (s *RBACService) ListUsersWithRole(ctx context.Context, roleID string) ([]User, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.store.ListUsersWithRole(ctx, roleID)
}

// --- users ---

// CreateUser stores a new user with a generated temporary credential and the
// requested roles. actorID is recorded as assigned_by.
func (s *RBACService) CreateUser(ctx context.Context, actorID string, in UserInput) (CreatedUser, error) {
	in, err := normalizeUserInput(in)
	if err != nil {
		return CreatedUser{}, err
	}
	temp, err := GenerateTemporaryPassword()
	if err != nil {
		return CreatedUser{}, fmt.Errorf("generate credential: %w", err)
	}
	hash, err := HashPassword(temp)
	if err != nil {
		return CreatedUser{}, fmt.Errorf("hash credential: %w", err)
	}
	roleIDs := in.RoleIDs
	if roleIDs == nil {
		roleIDs = []string{}
	}
	user, err := s.store.CreateUser(ctx, User{
		Email:        in.Email,
		FullName:     in.FullName,
		AvatarURL:    in.AvatarURL,
		PasswordHash: hash,
		IsActive:     in.IsActive,
	}, roleIDs, actorOrSystem(actorID))
	if err != nil {
		return CreatedUser{}, err
	}
	return CreatedUser{User: user, TemporaryPassword: temp}, nil
}

// UpdateUser replaces the profile fields and, when RoleIDs is non-nil, the role set.
func (s *RBACService) UpdateUser(ctx context.Context, actorID, id string, in UserInput) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	in, err := normalizeUserInput(in)
	if err != nil {
		return User{}, err
	}
	if id == actorID && !in.IsActive {
		return User{}, ErrSelfDeactivate
	}
	current, err := s.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	current.Email = in.Email
	current.FullName = in.FullName
	current.AvatarURL = in.AvatarURL
	current.IsActive = in.IsActive
	updated, err := s.store.UpdateUser(ctx, current, in.RoleIDs, actorOrSystem(actorID))
	if err != nil {
		return User{}, err
	}
	s.forgetUser(ctx, id)
	return updated, nil
}

func (s *RBACService) DeleteUser(ctx context.Context, actorID, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if id == actorID {
		return ErrSelfDelete
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.forgetUser(ctx, id)
	return nil
}

func (s *RBACService) ToggleUserStatus(ctx context.Context, actorID, id string, active bool) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if id == actorID && !active {
		return User{}, ErrSelfDeactivate
	}
	user, err := s.store.SetUserActive(ctx, id, active)
	if err != nil {
		return User{}, err
	}
	s.forgetUser(ctx, id)
	return user, nil
}

// SetUserRoles replaces every role assignment of the user with roleIDs.
func (s *RBACService) SetUserRoles(ctx context.Context, actorID, userID string, roleIDs []string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	roleIDs = dedupeStrings(roleIDs)
	if roleIDs == nil {
		roleIDs = []string{}
	}
	if err := s.store.SetUserRoles(ctx, userID, roleIDs, actorOrSystem(actorID)); err != nil {
		return err
	}
	s.forgetUser(ctx, userID)
	return nil
}

func (s *RBACService) ListUserRoles(ctx context.Context, userID string) ([]UserRole, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.ListUserRoles(ctx, userID)
}

func (s *RBACService) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, id)
}

func (s *RBACService) ListUsers(ctx context.Context, filter UserFilter) (UserPage, error) {
	filter.Search = strings.TrimSpace(filter.Search)
	filter.RoleID = strings.TrimSpace(filter.RoleID)
	filter.Page, filter.PerPage = NormalizePage(filter.Page, filter.PerPage)
	users, total, err := s.store.ListUsers(ctx, filter)
	if err != nil {
		return UserPage{}, err
	}
	if users == nil {
		users = []User{}
	}
	return UserPage{
		Users:      users,
		Total:      total,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalPages: TotalPages(total, filter.PerPage),
	}, nil
}

// UserPermissions returns the effective permission set of the user.
func (s *RBACService) UserPermissions(ctx context.Context, userID string) ([]Permission, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.UserPermissions(ctx, userID)
}

// Authenticate verifies credentials of an active user and stamps last_login_at.
func (s *RBACService) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if !user.IsActive || VerifyPassword(user.PasswordHash, password) != nil {
		return User{}, ErrInvalidCredentials
	}
	now := s.now().UTC()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return User{}, err
	}
	user.LastLoginAt = &now
	return user, nil
}

func (s *RBACService) forgetUser(ctx context.Context, userID string) {
	if s.invalidator != nil {
		s.invalidator.ForgetUser(ctx, userID)
	}
}

func (s *RBACService) forgetAll(ctx context.Context) {
	if s.invalidator != nil {
		s.invalidator.ForgetAll(ctx)
	}
}

// NormalizePage clamps page to >= 1 and perPage to 1..100, defaulting to 20.
func NormalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}

// TotalPages is ceil(total / perPage).
func TotalPages(total, perPage int) int {
	if total <= 0 || perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

func normalizeRoleInput(in RoleInput) (RoleInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Description = strings.TrimSpace(in.Description)
	in.Color = strings.TrimSpace(in.Color)
	if in.DisplayName == "" {
		in.DisplayName = in.Name
	}
	if in.DisplayName == "" {
		return RoleInput{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if len(in.DisplayName) > 128 {
		return RoleInput{}, fmt.Errorf("%w: display_name is too long", ErrInvalidInput)
	}
	if in.Color == "" {
		in.Color = defaultRoleColor
	}
	if !roleColorPattern.MatchString(in.Color) {
		return RoleInput{}, fmt.Errorf("%w: color must be a hex value like #1F2937", ErrInvalidInput)
	}
	if in.PermissionIDs != nil {
		in.PermissionIDs = dedupeStrings(in.PermissionIDs)
		if in.PermissionIDs == nil {
			in.PermissionIDs = []string{}
		}
	}
	return in, nil
}

func normalizeUserInput(in UserInput) (UserInput, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	in.AvatarURL = strings.TrimSpace(in.AvatarURL)
	if in.Email == "" {
		return UserInput{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(in.Email)
	if err != nil || addr.Address != in.Email {
		return UserInput{}, fmt.Errorf("%w: email %q is not valid", ErrInvalidInput, in.Email)
	}
	if in.FullName == "" {
		return UserInput{}, fmt.Errorf("%w: full_name is required", ErrInvalidInput)
	}
	if in.RoleIDs != nil {
		in.RoleIDs = dedupeStrings(in.RoleIDs)
		if in.RoleIDs == nil {
			in.RoleIDs = []string{}
		}
	}
	return in, nil
}

func actorOrSystem(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return SystemActor
	}
	return actorID
}

// SystemActor is recorded when no principal performed the change.
const SystemActor = "system"

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
