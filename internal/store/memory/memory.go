// Package memory keeps the access-control tables and the activity log in
// process memory. It mirrors the Postgres store's semantics, transactions
// included, and backs tests and local runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
	"mallpanel.org/internal/ids"
)

var (
	_ auth.RBACStore = (*Store)(nil)
	_ audit.Appender = (*Store)(nil)
	_ audit.Reader   = (*Store)(nil)
)

type roleKey struct{ userID, roleID string }

// Store implements auth.RBACStore, audit.Appender and audit.Reader.
type Store struct {
	mu sync.RWMutex

	perms     map[string]auth.Permission
	roles     map[string]auth.Role
	users     map[string]auth.User
	rolePerms map[string]map[string]struct{} // role id -> permission ids
	userRoles map[roleKey]auth.UserRole
	activity  []audit.Entry

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		perms:     make(map[string]auth.Permission),
		roles:     make(map[string]auth.Role),
		users:     make(map[string]auth.User),
		rolePerms: make(map[string]map[string]struct{}),
		userRoles: make(map[roleKey]auth.UserRole),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time { return s.now().UTC() }

// --- permissions ---

func (s *Store) UpsertPermissions(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if s.activePermissionID(p.Module, p.Action) != "" {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.IsActive = true
		p.CreatedAt = s.clock()
		s.perms[p.ID] = p
	}
	return nil
}

func (s *Store) activePermissionID(module, action string) string {
	for id, p := range s.perms {
		if p.IsActive && p.Module == module && p.Action == action {
			return id
		}
	}
	return ""
}

func (s *Store) ListPermissions(_ context.Context, activeOnly bool) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) GetPermission(_ context.Context, id string) (auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	return p, nil
}

func (s *Store) SetPermissionActive(_ context.Context, id string, active bool) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	if active && !p.IsActive {
		if other := s.activePermissionID(p.Module, p.Action); other != "" && other != id {
			return auth.Permission{}, fmt.Errorf("%w: permission %s is already active", auth.ErrConflict, p.Key())
		}
	}
	p.IsActive = active
	s.perms[id] = p
	return p, nil
}

// --- roles ---

func (s *Store) CreateRole(_ context.Context, role auth.Role, permissionIDs []string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleIDByName(role.Name) != "" {
		return auth.Role{}, fmt.Errorf("%w: role name %q already exists", auth.ErrConflict, role.Name)
	}
	if err := s.checkPermissionIDs(permissionIDs); err != nil {
		return auth.Role{}, err
	}
	maxOrder := 0
	for _, r := range s.roles {
		if r.SortOrder > maxOrder {
			maxOrder = r.SortOrder
		}
	}
	now := s.clock()
	role.ID = ids.New()
	role.SortOrder = maxOrder + 1
	role.CreatedAt = now
	role.UpdatedAt = now
	role.Permissions = nil
	s.roles[role.ID] = role
	s.rolePerms[role.ID] = toSet(permissionIDs)
	return role, nil
}

func (s *Store) UpdateRole(_ context.Context, role auth.Role, permissionIDs []string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.roles[role.ID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	if permissionIDs != nil {
		if err := s.checkPermissionIDs(permissionIDs); err != nil {
			return auth.Role{}, err
		}
	}
	current.DisplayName = role.DisplayName
	current.Description = role.Description
	current.Color = role.Color
	current.IsActive = role.IsActive
	current.UpdatedAt = s.clock()
	s.roles[current.ID] = current
	if permissionIDs != nil {
		s.rolePerms[current.ID] = toSet(permissionIDs)
	}
	return s.roleWithPermissions(current), nil
}

func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	for k := range s.userRoles {
		if k.roleID == id {
			return auth.ErrRoleInUse
		}
	}
	delete(s.rolePerms, id)
	delete(s.roles, id)
	return nil
}

func (s *Store) GetRole(_ context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return s.roleWithPermissions(r), nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.roleIDByName(name)
	if id == "" {
		return auth.Role{}, auth.ErrNotFound
	}
	return s.roleWithPermissions(s.roles[id]), nil
}

func (s *Store) ListRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sortRoles(out)
	return out, nil
}

func (s *Store) ReorderRoles(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.roles[id]; !ok {
			return fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
		}
	}
	now := s.clock()
	for i, id := range ids {
		r := s.roles[id]
		r.SortOrder = i + 1
		r.UpdatedAt = now
		s.roles[id] = r
	}
	return nil
}

func (s *Store) ListUsersWithRole(_ context.Context, roleID string) ([]auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.User
	for k := range s.userRoles {
		if k.roleID == roleID {
			if u, ok := s.users[k.userID]; ok {
				out = append(out, u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullName != out[j].FullName {
			return out[i].FullName < out[j].FullName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) roleIDByName(name string) string {
	for id, r := range s.roles {
		if strings.EqualFold(r.Name, name) {
			return id
		}
	}
	return ""
}

func (s *Store) checkPermissionIDs(permissionIDs []string) error {
	for _, id := range permissionIDs {
		if _, ok := s.perms[id]; !ok {
			return fmt.Errorf("%w: permission %s", auth.ErrNotFound, id)
		}
	}
	return nil
}

func (s *Store) roleWithPermissions(r auth.Role) auth.Role {
	perms := make([]auth.Permission, 0, len(s.rolePerms[r.ID]))
	for pid := range s.rolePerms[r.ID] {
		if p, ok := s.perms[pid]; ok {
			perms = append(perms, p)
		}
	}
	sortPermissions(perms)
	r.Permissions = perms
	return r
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, user auth.User, roleIDs []string, assignedBy string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userIDByEmail(user.Email) != "" {
		return auth.User{}, fmt.Errorf("%w: email %s is already registered", auth.ErrConflict, user.Email)
	}
	if err := s.checkRoleIDs(roleIDs); err != nil {
		return auth.User{}, err
	}
	now := s.clock()
	user.ID = ids.New()
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Roles = nil
	s.users[user.ID] = user
	s.replaceUserRoles(user.ID, roleIDs, assignedBy, now)
	return s.userWithRoles(user), nil
}

func (s *Store) UpdateUser(_ context.Context, user auth.User, roleIDs []string, assignedBy string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[user.ID]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	if other := s.userIDByEmail(user.Email); other != "" && other != user.ID {
		return auth.User{}, fmt.Errorf("%w: email %s is already registered", auth.ErrConflict, user.Email)
	}
	if roleIDs != nil {
		if err := s.checkRoleIDs(roleIDs); err != nil {
			return auth.User{}, err
		}
	}
	now := s.clock()
	current.Email = strings.ToLower(user.Email)
	current.FullName = user.FullName
	current.AvatarURL = user.AvatarURL
	current.IsActive = user.IsActive
	current.UpdatedAt = now
	s.users[current.ID] = current
	if roleIDs != nil {
		s.replaceUserRoles(current.ID, roleIDs, assignedBy, now)
	}
	return s.userWithRoles(current), nil
}

func (s *Store) SetUserActive(_ context.Context, id string, active bool) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	u.IsActive = active
	u.UpdatedAt = s.clock()
	s.users[id] = u
	return s.userWithRoles(u), nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return auth.ErrNotFound
	}
	for k := range s.userRoles {
		if k.userID == id {
			delete(s.userRoles, k)
		}
	}
	delete(s.users, id)
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return s.userWithRoles(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.userIDByEmail(email)
	if id == "" {
		return auth.User{}, auth.ErrNotFound
	}
	return s.userWithRoles(s.users[id]), nil
}

func (s *Store) ListUsers(_ context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(f.Search)
	var matched []auth.User
	for _, u := range s.users {
		if search != "" && !strings.Contains(strings.ToLower(u.FullName), search) && !strings.Contains(strings.ToLower(u.Email), search) {
			continue
		}
		if f.RoleID != "" {
			if _, ok := s.userRoles[roleKey{u.ID, f.RoleID}]; !ok {
				continue
			}
		}
		if f.IsActive != nil && u.IsActive != *f.IsActive {
			continue
		}
		matched = append(matched, u)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	start := (f.Page - 1) * f.PerPage
	if start > total {
		start = total
	}
	end := start + f.PerPage
	if end > total {
		end = total
	}
	out := make([]auth.User, 0, end-start)
	for _, u := range matched[start:end] {
		out = append(out, s.userWithRoles(u))
	}
	return out, total, nil
}

func (s *Store) SetUserRoles(_ context.Context, userID string, roleIDs []string, assignedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if err := s.checkRoleIDs(roleIDs); err != nil {
		return err
	}
	s.replaceUserRoles(userID, roleIDs, assignedBy, s.clock())
	return nil
}

func (s *Store) ListUserRoles(_ context.Context, userID string) ([]auth.UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, auth.ErrNotFound
	}
	var out []auth.UserRole
	for k, ur := range s.userRoles {
		if k.userID == userID {
			out = append(out, ur)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

func (s *Store) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	at = at.UTC()
	u.LastLoginAt = &at
	s.users[id] = u
	return nil
}

func (s *Store) UserPermissions(_ context.Context, userID string) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || !u.IsActive {
		return nil, nil
	}
	seen := map[string]struct{}{}
	var out []auth.Permission
	for k := range s.userRoles {
		if k.userID != userID {
			continue
		}
		r, ok := s.roles[k.roleID]
		if !ok || !r.IsActive {
			continue
		}
		for pid := range s.rolePerms[r.ID] {
			p, ok := s.perms[pid]
			if !ok || !p.IsActive {
				continue
			}
			if _, dup := seen[pid]; dup {
				continue
			}
			seen[pid] = struct{}{}
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) userIDByEmail(email string) string {
	for id, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return id
		}
	}
	return ""
}

func (s *Store) checkRoleIDs(roleIDs []string) error {
	for _, id := range roleIDs {
		if _, ok := s.roles[id]; !ok {
			return fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
		}
	}
	return nil
}

func (s *Store) replaceUserRoles(userID string, roleIDs []string, assignedBy string, at time.Time) {
	for k := range s.userRoles {
		if k.userID == userID {
			delete(s.userRoles, k)
		}
	}
	for _, rid := range roleIDs {
		s.userRoles[roleKey{userID, rid}] = auth.UserRole{
			UserID:     userID,
			RoleID:     rid,
			AssignedBy: assignedBy,
			AssignedAt: at,
		}
	}
}

func (s *Store) userWithRoles(u auth.User) auth.User {
	var roles []auth.Role
	for k := range s.userRoles {
		if k.userID == u.ID {
			if r, ok := s.roles[k.roleID]; ok {
				roles = append(roles, r)
			}
		}
	}
	sortRoles(roles)
	u.Roles = roles
	return u
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sortPermissions(perms []auth.Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Module != perms[j].Module {
			return perms[i].Module < perms[j].Module
		}
		if perms[i].Action != perms[j].Action {
			return perms[i].Action < perms[j].Action
		}
		return perms[i].ID < perms[j].ID
	})
}

func sortRoles(roles []auth.Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].SortOrder != roles[j].SortOrder {
			return roles[i].SortOrder < roles[j].SortOrder
		}
		return roles[i].Name < roles[j].Name
	})
}
