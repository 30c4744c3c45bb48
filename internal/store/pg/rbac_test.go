package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mallpanel.org/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

var (
	permCols = []string{"id", "module", "action", "display_name", "description", "is_active", "created_at"}
	roleCols = []string{"id", "name", "display_name", "description", "color", "is_active", "sort_order", "created_at", "updated_at"}
	userCols = []string{"id", "email", "full_name", "avatar_url", "password_hash", "is_active", "last_login_at", "created_at", "updated_at"}
	fixedAt  = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
)

func TestCreateRoleAssignsSortOrderAndPermissions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into admin_roles").
		WithArgs(sqlmock.AnyArg(), "editor", "Editor", "", "#6B7280", true).
		WillReturnRows(sqlmock.NewRows([]string{"sort_order", "created_at", "updated_at"}).AddRow(3, fixedAt, fixedAt))
	mock.ExpectExec("insert into admin_role_permissions").WithArgs(sqlmock.AnyArg(), "p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into admin_role_permissions").WithArgs(sqlmock.AnyArg(), "p2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	role, err := store.CreateRole(context.Background(), auth.Role{
		Name: "editor", DisplayName: "Editor", Color: "#6B7280", IsActive: true,
	}, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.NotEmpty(t, role.ID)
	assert.Equal(t, 3, role.SortOrder)
	assert.Equal(t, fixedAt, role.CreatedAt)
}

func TestCreateRoleDuplicateNameIsConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into admin_roles").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := store.CreateRole(context.Background(), auth.Role{Name: "editor"}, nil)
	assert.True(t, errors.Is(err, auth.ErrConflict), "got %v", err)
}

func TestCreateRoleUnknownPermissionRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into admin_roles").
		WillReturnRows(sqlmock.NewRows([]string{"sort_order", "created_at", "updated_at"}).AddRow(1, fixedAt, fixedAt))
	mock.ExpectExec("insert into admin_role_permissions").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	_, err := store.CreateRole(context.Background(), auth.Role{Name: "editor"}, []string{"missing"})
	assert.True(t, errors.Is(err, auth.ErrNotFound), "got %v", err)
}

func TestDeleteRoleInUse(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from admin_roles where id = $1 for update")).
		WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from admin_user_roles where role_id = $1")).
		WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	err := store.DeleteRole(context.Background(), "r1")
	assert.True(t, errors.Is(err, auth.ErrRoleInUse), "got %v", err)
}

func TestDeleteRoleRemovesLinks(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from admin_roles where id").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("from admin_user_roles").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("delete from admin_role_permissions").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("delete from admin_roles").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteRole(context.Background(), "r1"))
}

func TestDeleteRoleNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from admin_roles where id").WithArgs("nope").WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	assert.ErrorIs(t, store.DeleteRole(context.Background(), "nope"), auth.ErrNotFound)
}

func TestReorderRolesUnknownID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update admin_roles set sort_order").WithArgs("r1", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update admin_roles set sort_order").WithArgs("r9", 2).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	assert.ErrorIs(t, store.ReorderRoles(context.Background(), []string{"r1", "r9"}), auth.ErrNotFound)
}

func TestGetRoleLoadsPermissions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from admin_roles r where r.id").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(roleCols).AddRow("r1", "editor", "Editor", "", "#6B7280", true, 1, fixedAt, fixedAt))
	mock.ExpectQuery("from admin_role_permissions rp").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(permCols).
			AddRow("p1", "events", "view", "View events", "", true, fixedAt).
			AddRow("p2", "events", "edit", "Edit events", "", true, fixedAt))

	role, err := store.GetRole(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "editor", role.Name)
	assert.Equal(t, []string{"p1", "p2"}, role.PermissionIDs())
}

func TestSetPermissionActiveConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update admin_permissions").WithArgs("p1", true).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.SetPermissionActive(context.Background(), "p1", true)
	assert.ErrorIs(t, err, auth.ErrConflict)
}

func TestUpsertPermissionsSkipsActivePairs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("on conflict (module, action) where is_active do nothing")).
		WithArgs("perm_events_view", "events", "view", "View events", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertPermissions(context.Background(), []auth.Permission{
		{ID: "perm_events_view", Module: "events", Action: "view", DisplayName: "View events"},
	}))
}

func TestUserPermissionsFiltersInactive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("join admin_users u on u.id = ur.user_id and u.is_active")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(permCols).AddRow("p1", "events", "view", "View events", "", true, fixedAt))

	perms, err := store.UserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.True(t, auth.HasPermission(perms, "events", "view"))
}

func TestListUsersBuildsFilterAndAttachesRoles(t *testing.T) {
	store, mock := newMockStore(t)
	active := true

	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from admin_users u where (u.full_name ilike $1 or u.email ilike $1) and u.is_active = $2")).
		WithArgs("%ann%", true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("order by u.created_at desc, u.id desc limit $3 offset $4")).
		WithArgs("%ann%", true, 10, 0).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u2", "ann@example.com", "Ann", "", "hash", true, nil, fixedAt, fixedAt).
			AddRow("u1", "joanna@example.com", "Joanna", "", "hash", true, fixedAt, fixedAt, fixedAt))
	mock.ExpectQuery(regexp.QuoteMeta("where ur.user_id in ($1, $2)")).
		WithArgs("u2", "u1").
		WillReturnRows(sqlmock.NewRows(append([]string{"user_id"}, roleCols...)).
			AddRow("u1", "r1", "editor", "Editor", "", "#6B7280", true, 1, fixedAt, fixedAt))

	users, total, err := store.ListUsers(context.Background(), auth.UserFilter{Search: "ann", IsActive: &active, Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, users, 2)
	assert.Empty(t, users[0].Roles)
	assert.Nil(t, users[0].LastLoginAt)
	require.Len(t, users[1].Roles, 1)
	assert.Equal(t, "editor", users[1].Roles[0].Name)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into admin_users").
		WithArgs(sqlmock.AnyArg(), "dup@example.com", "Dup", "", "hash", true).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := store.CreateUser(context.Background(), auth.User{Email: "Dup@Example.com", FullName: "Dup", PasswordHash: "hash", IsActive: true}, nil, "system")
	assert.ErrorIs(t, err, auth.ErrConflict)
}

func TestUpdateUserReadsBackInsideTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update admin_users").
		WithArgs("u1", "ann@example.com", "Ann", "", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from admin_user_roles").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into admin_user_roles").WithArgs("u1", "r1", "admin").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from admin_users u where u.id").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "ann@example.com", "Ann", "", "hash", true, nil, fixedAt, fixedAt))
	mock.ExpectQuery(regexp.QuoteMeta("where ur.user_id in ($1)")).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(append([]string{"user_id"}, roleCols...)).
			AddRow("u1", "r1", "editor", "Editor", "", "#6B7280", true, 1, fixedAt, fixedAt))
	mock.ExpectCommit()

	user, err := store.UpdateUser(context.Background(), auth.User{ID: "u1", Email: "Ann@Example.com", FullName: "Ann", IsActive: true}, []string{"r1"}, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, user.RoleIDs())
}

func TestUpdateRoleWithoutPermissionListKeepsGrants(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update admin_roles").
		WithArgs("r1", "Editor", "", "#6B7280", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from admin_roles r where r.id").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(roleCols).AddRow("r1", "editor", "Editor", "", "#6B7280", false, 1, fixedAt, fixedAt))
	mock.ExpectQuery("from admin_role_permissions rp").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(permCols).AddRow("p1", "events", "view", "View events", "", true, fixedAt))
	mock.ExpectCommit()

	role, err := store.UpdateRole(context.Background(), auth.Role{ID: "r1", DisplayName: "Editor", Color: "#6B7280"}, nil)
	require.NoError(t, err)
	assert.False(t, role.IsActive)
	assert.Equal(t, []string{"p1"}, role.PermissionIDs())
}

func TestSetUserActiveUnknownUserRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update admin_users set is_active").WithArgs("ghost", false).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.SetUserActive(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestSetUserRolesReplacesAssignments(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from admin_users where id").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("delete from admin_user_roles").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into admin_user_roles").WithArgs("u1", "r2", "admin").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SetUserRoles(context.Background(), "u1", []string{"r2"}, "admin"))
}

func TestSetUserRolesUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from admin_users where id").WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	assert.ErrorIs(t, store.SetUserRoles(context.Background(), "ghost", nil, "admin"), auth.ErrNotFound)
}

func TestDeleteUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("delete from admin_users").WithArgs("ghost").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.DeleteUser(context.Background(), "ghost"), auth.ErrNotFound)
}

func TestLikePatternEscapes(t *testing.T) {
	assert.Equal(t, `%50\%\_off%`, likePattern("50%_off"))
}
