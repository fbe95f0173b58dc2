package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-cloud/engine/internal/api"
	"github.com/skiff-cloud/engine/internal/api/handlers"
	"github.com/skiff-cloud/engine/internal/controlplane"
	"github.com/skiff-cloud/engine/internal/reconciler"
	"github.com/skiff-cloud/engine/internal/registry"
	"github.com/skiff-cloud/engine/internal/repository"
	"github.com/skiff-cloud/engine/internal/services"
	"github.com/skiff-cloud/engine/pkg/config"
	"github.com/skiff-cloud/engine/pkg/database"
	"github.com/skiff-cloud/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting skiff engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("database connected")

	client, err := controlplane.New(controlplane.Config{
		BaseURL: cfg.ControlAPIURL,
		Token:   cfg.ControlAPIToken,
		Org:     cfg.ControlOrg,
	})
	if err != nil {
		log.Fatal("failed to configure control plane client", zap.Error(err))
	}

	envRepo := repository.NewEnvironmentRepository(db)
	memberRepo := repository.NewMembershipRepository(db)

	rec := reconciler.New(client, envRepo)
	tracker := registry.NewTracker()

	envSvc := services.NewEnvironmentService(envRepo, memberRepo, client, rec, services.EnvironmentOptions{
		Region:         cfg.ControlRegion,
		WorkspaceImage: cfg.WorkspaceImage,
		AppDomain:      cfg.AppDomain,
	})
	deploySvc := services.NewDeployService(envRepo, client, tracker, services.DeployOptions{
		Region:           cfg.ControlRegion,
		AppDomain:        cfg.AppDomain,
		DataStoreCluster: cfg.DataStoreCluster,
	})

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte("change-me-in-production-please")
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("failed to access database pool", zap.Error(err))
	}

	router := api.NewRouter(api.Dependencies{
		HMACSecret:        jwtSecret,
		WorkspacesHandler: handlers.NewWorkspacesHandler(envSvc),
		DeploysHandler:    handlers.NewDeploysHandler(deploySvc),
		HealthHandler: handlers.NewHealthHandler(map[string]handlers.ReadinessChecker{
			"database": sqlDB.Ping,
		}),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
