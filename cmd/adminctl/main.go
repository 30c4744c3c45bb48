// Command adminctl performs operator tasks that cannot go through the API,
// such as creating the first super admin on an empty database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
	"mallpanel.org/internal/obs"
	"mallpanel.org/internal/store/pg"
)

const superAdminRole = "super_admin"

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 || os.Args[1] != "bootstrap" {
		fmt.Fprintln(os.Stderr, "usage: adminctl bootstrap -email <email> -name <full name>")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	var (
		dsn   = fs.String("dsn", os.Getenv("MALLPANEL_DATABASE_DSN"), "PostgreSQL DSN")
		email = fs.String("email", "", "email of the super admin")
		name  = fs.String("name", "", "full name of the super admin")
	)
	_ = fs.Parse(os.Args[2:])

	logger, err := obs.NewLogger("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or MALLPANEL_DATABASE_DSN")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer store.Close()

	rbac, err := auth.NewRBACService(store)
	if err != nil {
		logger.Fatal("rbac service", zap.Error(err))
	}
	recorder := audit.NewRecorder(store, audit.WithLogger(logger))

	created, err := bootstrap(ctx, rbac, recorder, *email, *name)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	fmt.Printf("created %s (%s)\ntemporary password: %s\n",
		created.User.Email, created.User.ID, created.TemporaryPassword)
}

// bootstrap syncs the permission catalog, makes sure the super_admin role
// exists with every active permission and creates the user holding it.
func bootstrap(ctx context.Context, rbac *auth.RBACService, recorder *audit.Recorder, email, name string) (auth.CreatedUser, error) {
	if err := rbac.SyncCatalog(ctx); err != nil {
		return auth.CreatedUser{}, fmt.Errorf("sync catalog: %w", err)
	}
	role, err := rbac.Store().GetRoleByName(ctx, superAdminRole)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		perms, err := rbac.ListPermissions(ctx, true)
		if err != nil {
			return auth.CreatedUser{}, err
		}
		ids := make([]string, 0, len(perms))
		for _, p := range perms {
			ids = append(ids, p.ID)
		}
		role, err = rbac.CreateRole(ctx, auth.RoleInput{
			Name:          superAdminRole,
			DisplayName:   "Super Admin",
			Description:   "Full access to every module",
			IsActive:      true,
			PermissionIDs: ids,
		})
		if err != nil {
			return auth.CreatedUser{}, fmt.Errorf("create role: %w", err)
		}
	case err != nil:
		return auth.CreatedUser{}, err
	}

	created, err := rbac.CreateUser(ctx, auth.SystemActor, auth.UserInput{
		Email:    email,
		FullName: name,
		IsActive: true,
		RoleIDs:  []string{role.ID},
	})
	if err != nil {
		return auth.CreatedUser{}, fmt.Errorf("create user: %w", err)
	}
	recorder.Record(ctx, audit.Entry{
		ActorID:      auth.SystemActor,
		Action:       audit.ActionCreate,
		Module:       auth.ModuleUsers,
		ResourceType: "user",
		ResourceID:   created.User.ID,
		ResourceName: created.User.Email,
		NewValues:    audit.Values{"email": created.User.Email, "full_name": created.User.FullName, "roles": []string{role.Name}},
		Metadata:     audit.Values{"source": "adminctl"},
	})
	return created, nil
}
