package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mallpanel.org/internal/migrate"
	"mallpanel.org/internal/obs"
	"mallpanel.org/ops/migrations"
)

func main() {
	_ = godotenv.Load()
	var (
		dsn            = flag.String("dsn", os.Getenv("MALLPANEL_DATABASE_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "directory of SQL seeds (default: embedded)")
		timeout        = flag.Duration("timeout", 60*time.Second, "overall timeout")
	)
	flag.Parse()

	logger, err := obs.NewLogger("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or MALLPANEL_DATABASE_DSN")
	}
	if flag.NArg() == 0 {
		logger.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db,
		source(*migrationsPath, migrations.SQL),
		source(*seedsPath, migrations.Seeds),
		migrate.WithLogger(logger),
	)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		logger.Info("migrations applied", zap.Int("count", len(applied)))
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			logger.Info("nothing to roll back")
			return
		}
		if err == nil {
			logger.Info("rolled back", zap.String("name", name))
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		logger.Info("seeds applied", zap.Int("count", len(applied)))
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}

func source(dir string, embedded func() fs.FS) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return embedded()
}
