package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tokengate/internal/auth"
	"tokengate/internal/config"
	"tokengate/internal/credentials"
	"tokengate/internal/ledger"
	"tokengate/internal/logging"
	"tokengate/internal/pipeline"
	"tokengate/internal/policy"
	"tokengate/internal/registry"
	"tokengate/internal/rpc"
	"tokengate/internal/secrets"
	"tokengate/internal/server"
	"tokengate/internal/store"
	"tokengate/internal/workspace"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	reg := registry.New(cfg)
	reg.Start(context.Background())
	defer reg.Stop()

	secretStore := secrets.NewStore(db)
	resolver := credentials.NewResolver(cfg, secretStore)
	checker := policy.New(cfg, reg)

	led := ledger.New(db, cfg.ReservationTTL)
	sweeper := ledger.NewSweeper(led, 0)
	sweeper.Start()
	defer sweeper.Stop()

	workspaces, err := workspace.NewManager(db, cfg)
	if err != nil {
		log.Fatal("workspace registry", zap.Error(err))
	}

	pipe := pipeline.New(cfg, reg, checker, resolver, led)

	var authSvc *auth.Service
	if cfg.JWTSecret != "" {
		authSvc = auth.NewService(cfg.JWTSecret, "tokengate")
	} else {
		log.Warn("JWT_SECRET not set, all callers are anonymous")
	}

	procs := rpc.NewRegistry()
	rpc.RegisterAll(procs, rpc.Dependencies{
		Cfg:        cfg,
		Registry:   reg,
		Pipeline:   pipe,
		Ledger:     led,
		Secrets:    secretStore,
		Workspaces: workspaces,
		DB:         db,
		Version:    version,
		StartedAt:  time.Now(),
	})

	engine := server.New(procs, server.Options{
		Auth:     authSvc,
		DB:       db,
		Registry: reg,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("port", cfg.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
