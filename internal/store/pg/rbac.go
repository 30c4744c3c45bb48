package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"mallpanel.org/internal/auth"
	"mallpanel.org/internal/ids"
)

var _ auth.RBACStore = (*Store)(nil)

const (
	permissionColumns = `p.id, p.module, p.action, p.display_name, p.description, p.is_active, p.created_at`
	roleColumns       = `r.id, r.name, r.display_name, r.description, r.color, r.is_active, r.sort_order, r.created_at, r.updated_at`
	userColumns       = `u.id, u.email, u.full_name, u.avatar_url, u.password_hash, u.is_active, u.last_login_at, u.created_at, u.updated_at`
)

// --- permissions ---

func (s *Store) UpsertPermissions(ctx context.Context, perms []auth.Permission) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range perms {
			id := p.ID
			if id == "" {
				id = ids.New()
			}
			if _, err := tx.ExecContext(ctx, `
				insert into admin_permissions (id, module, action, display_name, description, is_active)
				values ($1, $2, $3, $4, $5, true)
				on conflict (module, action) where is_active do nothing
			`, id, p.Module, p.Action, p.DisplayName, p.Description); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListPermissions(ctx context.Context, activeOnly bool) ([]auth.Permission, error) {
	query := `select ` + permissionColumns + ` from admin_permissions p`
	if activeOnly {
		query += ` where p.is_active`
	}
	query += ` order by p.module, p.action, p.id`
	var perms []auth.Permission
	if err := s.x.SelectContext(ctx, &perms, query); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	var p auth.Permission
	err := s.x.GetContext(ctx, &p, `select `+permissionColumns+` from admin_permissions p where p.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, auth.ErrNotFound
	}
	return p, err
}

func (s *Store) SetPermissionActive(ctx context.Context, id string, active bool) (auth.Permission, error) {
	var p auth.Permission
	err := s.x.GetContext(ctx, &p, `
		update admin_permissions p set is_active = $2
		where p.id = $1
		returning `+permissionColumns, id, active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, auth.ErrNotFound
	}
	if isPgCode(err, pgErrUniqueViolation) {
		return auth.Permission{}, fmt.Errorf("%w: another active permission holds this module and action", auth.ErrConflict)
	}
	return p, err
}

// --- roles ---

func (s *Store) CreateRole(ctx context.Context, role auth.Role, permissionIDs []string) (auth.Role, error) {
	role.ID = ids.New()
	role.Permissions = nil
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			insert into admin_roles (id, name, display_name, description, color, is_active, sort_order)
			select $1, $2, $3, $4, $5, $6, coalesce(max(sort_order), 0) + 1 from admin_roles
			returning sort_order, created_at, updated_at
		`, role.ID, role.Name, role.DisplayName, role.Description, role.Color, role.IsActive).
			Scan(&role.SortOrder, &role.CreatedAt, &role.UpdatedAt)
		if isPgCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("%w: role name %q already exists", auth.ErrConflict, role.Name)
		}
		if err != nil {
			return err
		}
		return insertRolePermissions(ctx, tx, role.ID, permissionIDs)
	})
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) UpdateRole(ctx context.Context, role auth.Role, permissionIDs []string) (auth.Role, error) {
	var updated auth.Role
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update admin_roles
			set display_name = $2, description = $3, color = $4, is_active = $5, updated_at = now()
			where id = $1
		`, role.ID, role.DisplayName, role.Description, role.Color, role.IsActive)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return auth.ErrNotFound
		}
		if permissionIDs != nil {
			if _, err := tx.ExecContext(ctx, `delete from admin_role_permissions where role_id = $1`, role.ID); err != nil {
				return err
			}
			if err := insertRolePermissions(ctx, tx, role.ID, permissionIDs); err != nil {
				return err
			}
		}
		updated, err = roleWhere(ctx, tx, `r.id = $1`, role.ID)
		return err
	})
	if err != nil {
		return auth.Role{}, err
	}
	return updated, nil
}

func insertRolePermissions(ctx context.Context, tx *sqlx.Tx, roleID string, permissionIDs []string) error {
	for _, pid := range permissionIDs {
		_, err := tx.ExecContext(ctx, `
			insert into admin_role_permissions (role_id, permission_id) values ($1, $2)
			on conflict do nothing
		`, roleID, pid)
		if isPgCode(err, pgErrForeignKeyViolation) {
			return fmt.Errorf("%w: permission %s", auth.ErrNotFound, pid)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `select 1 from admin_roles where id = $1 for update`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		var holders int
		if err := tx.QueryRowContext(ctx, `select count(*) from admin_user_roles where role_id = $1`, id).Scan(&holders); err != nil {
			return err
		}
		if holders > 0 {
			return auth.ErrRoleInUse
		}
		if _, err := tx.ExecContext(ctx, `delete from admin_role_permissions where role_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `delete from admin_roles where id = $1`, id)
		if isPgCode(err, pgErrForeignKeyViolation) {
			return auth.ErrRoleInUse
		}
		return err
	})
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	return roleWhere(ctx, s.x, `r.id = $1`, id)
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (auth.Role, error) {
	return roleWhere(ctx, s.x, `lower(r.name) = lower($1)`, name)
}

// roleWhere runs on the pool or inside a transaction, so writes can return
// the row they committed.
func roleWhere(ctx context.Context, q sqlx.ExtContext, cond string, arg any) (auth.Role, error) {
	var role auth.Role
	err := sqlx.GetContext(ctx, q, &role, `select `+roleColumns+` from admin_roles r where `+cond, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	if err := sqlx.SelectContext(ctx, q, &role.Permissions, `
		select `+permissionColumns+`
		from admin_role_permissions rp
		join admin_permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.module, p.action, p.id
	`, role.ID); err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	var roles []auth.Role
	if err := s.x.SelectContext(ctx, &roles, `select `+roleColumns+` from admin_roles r order by r.sort_order, r.name`); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) ReorderRoles(ctx context.Context, roleIDs []string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i, id := range roleIDs {
			res, err := tx.ExecContext(ctx, `update admin_roles set sort_order = $2, updated_at = now() where id = $1`, id, i+1)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
			}
		}
		return nil
	})
}

func (s *Store) ListUsersWithRole(ctx context.Context, roleID string) ([]auth.User, error) {
	var users []auth.User
	if err := s.x.SelectContext(ctx, &users, `
		select `+userColumns+`
		from admin_users u
		join admin_user_roles ur on ur.user_id = u.id
		where ur.role_id = $1
		order by u.full_name, u.id
	`, roleID); err != nil {
		return nil, err
	}
	return users, nil
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, user auth.User, roleIDs []string, assignedBy string) (auth.User, error) {
	user.ID = ids.New()
	user.Email = strings.ToLower(user.Email)
	var created auth.User
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			insert into admin_users (id, email, full_name, avatar_url, password_hash, is_active)
			values ($1, $2, $3, $4, $5, $6)
			returning created_at, updated_at
		`, user.ID, user.Email, user.FullName, user.AvatarURL, user.PasswordHash, user.IsActive).
			Scan(&user.CreatedAt, &user.UpdatedAt)
		if isPgCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("%w: email %s is already registered", auth.ErrConflict, user.Email)
		}
		if err != nil {
			return err
		}
		if err := insertUserRoles(ctx, tx, user.ID, roleIDs, assignedBy); err != nil {
			return err
		}
		created, err = userWhere(ctx, tx, `u.id = $1`, user.ID)
		return err
	})
	if err != nil {
		return auth.User{}, err
	}
	return created, nil
}

func (s *Store) UpdateUser(ctx context.Context, user auth.User, roleIDs []string, assignedBy string) (auth.User, error) {
	var updated auth.User
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update admin_users
			set email = $2, full_name = $3, avatar_url = $4, is_active = $5, updated_at = now()
			where id = $1
		`, user.ID, strings.ToLower(user.Email), user.FullName, user.AvatarURL, user.IsActive)
		if isPgCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("%w: email %s is already registered", auth.ErrConflict, user.Email)
		}
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return auth.ErrNotFound
		}
		if roleIDs != nil {
			if err := replaceUserRoles(ctx, tx, user.ID, roleIDs, assignedBy); err != nil {
				return err
			}
		}
		updated, err = userWhere(ctx, tx, `u.id = $1`, user.ID)
		return err
	})
	if err != nil {
		return auth.User{}, err
	}
	return updated, nil
}

func (s *Store) SetUserActive(ctx context.Context, id string, active bool) (auth.User, error) {
	var updated auth.User
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `update admin_users set is_active = $2, updated_at = now() where id = $1`, id, active)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return auth.ErrNotFound
		}
		updated, err = userWhere(ctx, tx, `u.id = $1`, id)
		return err
	})
	if err != nil {
		return auth.User{}, err
	}
	return updated, nil
}

// DeleteUser removes the user; role assignments go with it via cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from admin_users where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	return userWhere(ctx, s.x, `u.id = $1`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return userWhere(ctx, s.x, `lower(u.email) = lower($1)`, email)
}

func userWhere(ctx context.Context, q sqlx.ExtContext, cond string, arg any) (auth.User, error) {
	var user auth.User
	err := sqlx.GetContext(ctx, q, &user, `select `+userColumns+` from admin_users u where `+cond, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	users := []auth.User{user}
	if err := attachRoles(ctx, q, users); err != nil {
		return auth.User{}, err
	}
	return users[0], nil
}

func (s *Store) ListUsers(ctx context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Search != "" {
		p := arg(likePattern(f.Search))
		where = append(where, fmt.Sprintf("(u.full_name ilike %s or u.email ilike %s)", p, p))
	}
	if f.RoleID != "" {
		where = append(where, fmt.Sprintf("exists (select 1 from admin_user_roles ur where ur.user_id = u.id and ur.role_id = %s)", arg(f.RoleID)))
	}
	if f.IsActive != nil {
		where = append(where, "u.is_active = "+arg(*f.IsActive))
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.x.GetContext(ctx, &total, `select count(*) from admin_users u`+clause, args...); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []auth.User{}, 0, nil
	}

	limit := arg(f.PerPage)
	offset := arg((f.Page - 1) * f.PerPage)
	var users []auth.User
	if err := s.x.SelectContext(ctx, &users,
		`select `+userColumns+` from admin_users u`+clause+
			` order by u.created_at desc, u.id desc limit `+limit+` offset `+offset, args...); err != nil {
		return nil, 0, err
	}
	if err := attachRoles(ctx, s.x, users); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

type userRoleRow struct {
	UserID string `db:"user_id"`
	auth.Role
}

// attachRoles loads the roles of every user in one query.
func attachRoles(ctx context.Context, q sqlx.ExtContext, users []auth.User) error {
	if len(users) == 0 {
		return nil
	}
	userIDs := make([]string, len(users))
	for i, u := range users {
		userIDs[i] = u.ID
	}
	query, args, err := sqlx.In(`
		select ur.user_id, `+roleColumns+`
		from admin_user_roles ur
		join admin_roles r on r.id = ur.role_id
		where ur.user_id in (?)
		order by r.sort_order, r.name
	`, userIDs)
	if err != nil {
		return err
	}
	var rows []userRoleRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return err
	}
	byUser := make(map[string][]auth.Role, len(users))
	for _, row := range rows {
		byUser[row.UserID] = append(byUser[row.UserID], row.Role)
	}
	for i := range users {
		users[i].Roles = byUser[users[i].ID]
	}
	return nil
}

func (s *Store) SetUserRoles(ctx context.Context, userID string, roleIDs []string, assignedBy string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `select 1 from admin_users where id = $1 for update`, userID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		return replaceUserRoles(ctx, tx, userID, roleIDs, assignedBy)
	})
}

func replaceUserRoles(ctx context.Context, tx *sqlx.Tx, userID string, roleIDs []string, assignedBy string) error {
	if _, err := tx.ExecContext(ctx, `delete from admin_user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	return insertUserRoles(ctx, tx, userID, roleIDs, assignedBy)
}

func insertUserRoles(ctx context.Context, tx *sqlx.Tx, userID string, roleIDs []string, assignedBy string) error {
	for _, rid := range roleIDs {
		_, err := tx.ExecContext(ctx, `
			insert into admin_user_roles (user_id, role_id, assigned_by) values ($1, $2, $3)
			on conflict do nothing
		`, userID, rid, assignedBy)
		if isPgCode(err, pgErrForeignKeyViolation) {
			return fmt.Errorf("%w: role %s", auth.ErrNotFound, rid)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListUserRoles(ctx context.Context, userID string) ([]auth.UserRole, error) {
	var exists bool
	if err := s.x.GetContext(ctx, &exists, `select exists (select 1 from admin_users where id = $1)`, userID); err != nil {
		return nil, err
	}
	if !exists {
		return nil, auth.ErrNotFound
	}
	var out []auth.UserRole
	if err := s.x.SelectContext(ctx, &out, `
		select user_id, role_id, assigned_by, assigned_at
		from admin_user_roles
		where user_id = $1
		order by role_id
	`, userID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update admin_users set last_login_at = $2 where id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// UserPermissions joins through active roles to active permissions; an
// inactive user resolves to nothing.
func (s *Store) UserPermissions(ctx context.Context, userID string) ([]auth.Permission, error) {
	var perms []auth.Permission
	if err := s.x.SelectContext(ctx, &perms, `
		select distinct `+permissionColumns+`
		from admin_user_roles ur
		join admin_users u on u.id = ur.user_id and u.is_active
		join admin_roles r on r.id = ur.role_id and r.is_active
		join admin_role_permissions rp on rp.role_id = r.id
		join admin_permissions p on p.id = rp.permission_id and p.is_active
		where ur.user_id = $1
		order by p.module, p.action, p.id
	`, userID); err != nil {
		return nil, err
	}
	return perms, nil
}
