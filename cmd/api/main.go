package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"mallpanel.org/internal/actions"
	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/auth"
	"mallpanel.org/internal/cache"
	"mallpanel.org/internal/config"
	"mallpanel.org/internal/httpapi"
	"mallpanel.org/internal/obs"
	"mallpanel.org/internal/store/pg"
	"mallpanel.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo("mallpanel-api", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(cfg.Database.DSN, pg.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	var (
		rdb       *redis.Client
		gateOpts  = []auth.GateOption{auth.WithGateLogger(logger)}
		sessOpts  []auth.SessionOption
		readiness = httpapi.ReadyProbe{DB: store.DB()}
	)
	if cfg.Redis.Enabled {
		rdb, err = cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		gateOpts = append(gateOpts, auth.WithDecisionCache(cache.NewDecisions(rdb, cfg.Redis.Prefix, cfg.Redis.TTL, logger)))
		sessOpts = append(sessOpts, auth.WithRevocationList(cache.NewRevocations(rdb, cfg.Redis.Prefix)))
		readiness.Redis = rdb
		logger.Info("authorization cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	gate := auth.NewGate(store, gateOpts...)
	rbac, err := auth.NewRBACService(store, auth.WithInvalidator(gate))
	if err != nil {
		return err
	}
	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = rbac.SyncCatalog(syncCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("sync permission catalog: %w", err)
	}

	feed := stream.New(cfg.Audit.StreamBuffer)
	recorder := audit.NewRecorder(store,
		audit.WithLogger(logger),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
		audit.WithLogMirror(cfg.Audit.LogMirror),
		audit.WithPublisher(feed),
	)
	acts, err := actions.New(actions.Options{
		Principals: auth.ContextProvider{},
		Gate:       gate,
		RBAC:       rbac,
		Activity:   audit.NewQuery(store, nil),
		Audit:      recorder,
		Inviter:    auth.LogInviter{Log: logger},
		Feed:       feed,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionManager(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL, sessOpts...)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Options{
		Actions:        acts,
		Sessions:       sessions,
		Ready:          readiness,
		Version:        version,
		Logger:         logger,
		CookieName:     cfg.Auth.CookieName,
		CookieSecure:   cfg.Auth.CookieSecure,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateBurst:      cfg.Server.RateBurst,
		RatePerSecond:  cfg.Server.RatePerSecond,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(readiness).Register(grpcServer)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
