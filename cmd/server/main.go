// Command dg-server starts the document governance gRPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/docgov/internal/config"
	"github.com/and161185/docgov/internal/limiter"
	"github.com/and161185/docgov/internal/migrate"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/notify"
	"github.com/and161185/docgov/internal/repository"
	"github.com/and161185/docgov/internal/repository/memory"
	"github.com/and161185/docgov/internal/repository/postgres"
	grpcserver "github.com/and161185/docgov/internal/server/grpc"
	"github.com/and161185/docgov/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, prepares storage and serves the governance API until signalled.
func main() {
	// Flags
	cfgPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config)")
	storage := flag.String("storage", "", "storage backend: postgres or memory (overrides config)")
	migrateMode := flag.String("migrate", "up", "schema migration on start: up, reset or skip")
	mint := flag.String("mint-token", "", "print an access token for the given directory user and exit")
	dev := flag.Bool("dev", false, "enable server reflection (dev only)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dsn != "" {
		cfg.Server.DSN = *dsn
	}
	if *storage != "" {
		cfg.Server.Storage = *storage
	}
	cfg.Server.Dev = cfg.Server.Dev || *dev
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, *migrateMode, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.close()

	if *mint != "" {
		id, err := uuid.FromString(*mint)
		if err != nil {
			logger.Fatal("mint-token: bad user id", zap.Error(err))
		}
		tok, exp, err := a.tokens.Issue(ctx, id)
		if err != nil {
			logger.Fatal("mint-token", zap.Error(err))
		}
		fmt.Println(tok)
		logger.Info("token issued", zap.String("user", id.String()), zap.Time("expires", exp))
		return
	}

	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Server.Storage),
	)
	if err := serve(ctx, cfg, a, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// app is the wired server: services over one store plus the background workers.
type app struct {
	store    repository.TxManager
	services *service.Services
	tokens   *service.TokenServiceImpl
	workers  []func(context.Context)
	close    func()
}

func build(ctx context.Context, cfg *config.Config, migrateMode string, log *zap.Logger) (*app, error) {
	if cfg.Server.JWTKey == "" {
		return nil, errors.New("missing jwt signing key (server.jwt_key or DOCGOV_JWT_KEY)")
	}
	a := &app{close: func() {}}
	var (
		throttle limiter.Limiter
		dir      repository.DirectorySync
	)

	switch cfg.Server.Storage {
	case "memory":
		st := memory.New()
		a.store, dir = st, st
		if cfg.Locks.ConflictNoticeWindow > 0 {
			throttle = limiter.NewMemory(cfg.Locks.ConflictNoticeWindow)
		}
		log.Warn("using in-memory storage; state is lost on exit")
	case "postgres":
		if cfg.Server.DSN == "" {
			return nil, errors.New("missing dsn (server.dsn, DOCGOV_DSN or -dsn)")
		}
		switch migrateMode {
		case "up":
		case "reset":
			if err := migrate.Reset(ctx, cfg.Server.DSN); err != nil {
				return nil, fmt.Errorf("migrate reset: %w", err)
			}
		case "skip":
		default:
			return nil, fmt.Errorf("unknown migrate mode %q", migrateMode)
		}
		if migrateMode != "skip" {
			if err := migrate.Up(ctx, cfg.Server.DSN, log); err != nil {
				return nil, err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.Server.DSN)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		a.close = pool.Close
		db := &postgres.DB{Pool: pool}
		a.store, dir = postgres.NewStore(db), postgres.NewOrgRepo(db)
		if cfg.Locks.ConflictNoticeWindow > 0 {
			throttle = limiter.NewPG(pool, cfg.Locks.ConflictNoticeWindow)
		}
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Server.Storage)
	}

	if err := seedDirectory(ctx, dir, cfg.Directory); err != nil {
		a.close()
		return nil, fmt.Errorf("seed directory: %w", err)
	}

	deps := service.Deps{
		Tx:  a.store,
		Log: log,
		Settings: service.Settings{
			DefaultCheckout: cfg.Locks.DefaultDuration,
			MaxCheckout:     cfg.Locks.MaxDuration,
			AdminRoles:      cfg.Governance.AdminRoles,
			Retention:       cfg.RetentionCatalog(),
		},
		Throttle: throttle,
	}
	a.services = service.New(deps)
	a.tokens = service.NewTokenService(deps, []byte(cfg.Server.JWTKey), cfg.Server.TokenTTL)

	dispatcher := notify.NewDispatcher(a.store.Repos().Events, notify.LogNotifier{Log: log}, log, cfg.Workers.DispatchBatch)
	scanner := notify.NewOverdueScanner(a.store, log, nil, cfg.Workers.OverdueBatch)
	a.workers = []func(context.Context){
		func(ctx context.Context) { dispatcher.Run(ctx, cfg.Workers.DispatchInterval) },
		func(ctx context.Context) { scanner.Run(ctx, cfg.Workers.OverdueInterval) },
	}
	return a, nil
}

func seedDirectory(ctx context.Context, dir repository.DirectorySync, seed config.DirectoryConfig) error {
	if len(seed.Departments) == 0 && len(seed.Users) == 0 {
		return nil
	}
	depts := make([]model.Department, 0, len(seed.Departments))
	for _, d := range seed.Departments {
		depts = append(depts, model.Department{ID: d.ID, CompanyID: d.CompanyID, Name: d.Name, HeadUserID: d.HeadUserID})
	}
	users := make([]model.OrgUser, 0, len(seed.Users))
	for _, u := range seed.Users {
		users = append(users, model.OrgUser{
			ID:           u.ID,
			CompanyID:    u.CompanyID,
			DepartmentID: u.DepartmentID,
			ManagerID:    u.ManagerID,
			Roles:        u.Roles,
			Active:       !u.Inactive,
		})
	}
	return dir.SyncDirectory(ctx, depts, users)
}

func serve(ctx context.Context, cfg *config.Config, a *app, log *zap.Logger) error {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.AuthUnary(a.tokens),
			grpcserver.LoggingUnary(log),
		),
	}
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		log.Warn("TLS not configured; serving plaintext")
	}
	s := grpc.NewServer(opts...)

	grpcserver.Register(s, grpcserver.New(grpcserver.Backend{
		Documents:   a.services.Documents,
		Locks:       a.services.Locks,
		Permissions: a.services.Permissions,
		Definitions: a.services.Definitions,
		Workflows:   a.services.Workflows,
	}, log))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Server.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for _, w := range a.workers {
		go w(workersCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.Server.ShutdownTimeout):
			s.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
