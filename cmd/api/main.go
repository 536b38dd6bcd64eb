package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/mediamatch/internal/api"
	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/service"
)

func main() {
	// Initialize logger from LOG_* environment variables
	appLogger := logger.NewFromEnv(logger.LoadFromEnv("mediamatch-api"))
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	ctx := context.Background()
	engine, err := service.NewEngine(ctx, cfg, db, appLogger, nil)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	if err := engine.Start(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to start background tasks")
	}

	router := api.SetupRouter(engine, appLogger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"hasher":  cfg.Roles.Hasher,
			"matcher": cfg.Roles.Matcher,
			"curator": cfg.Roles.Curator,
			"indexer": cfg.Tasks.Indexer,
			"fetcher": cfg.Tasks.Fetcher,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := engine.Close(5 * time.Second); err != nil {
		appLogger.WithError(err).Warn("Engine did not close cleanly")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	appLogger.Info("Server exited")
}
