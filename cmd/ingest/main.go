package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/service"
)

const (
	exitOK        = 0
	exitUsage     = 2
	exitExternal  = 3
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "mediamatch-ingest",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Parse command line flags
	bank := flag.String("bank", "", "Bank to load into")
	sourceKind := flag.String("source", config.SourceKindHashes, "Source kind: hashes, media or manifest")
	path := flag.String("path", "", "Hash list file, media directory or manifest file")
	create := flag.Bool("create", false, "Create the bank when it does not exist")
	limit := flag.Int("limit", 0, "Maximum number of items to load (0 = all)")
	workers := flag.Int("workers", 0, "Number of hashing workers (0 = config value)")
	force := flag.Bool("force", false, "Add items even when the bank already holds their signal")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *bank == "" || *path == "" {
		fmt.Fprintln(os.Stderr, "ingest: -bank and -path are required")
		flag.Usage()
		return exitUsage
	}
	src, err := service.OpenSource(*sourceKind, *bank, *path)
	if err != nil {
		appLogger.WithError(err).Error("Invalid source")
		return exitUsage
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Error("Failed to load config")
		return exitUsage
	}
	if *workers > 0 {
		cfg.Ingest.Workers = *workers
	}

	appLogger.WithFields(logger.Fields{
		"bank":    *bank,
		"source":  *sourceKind,
		"path":    *path,
		"limit":   *limit,
		"workers": cfg.Ingest.Workers,
		"force":   *force,
	}).Info("Starting ingestion")

	db, err := repository.InitDB(&cfg.Database, appLogger)
	if err != nil {
		appLogger.WithError(err).Error("Failed to initialize database")
		return exitExternal
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	// Handle graceful shutdown: in-flight items finish, the rest are not dispatched
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := service.NewEngine(ctx, cfg, db, appLogger, nil)
	if err != nil {
		appLogger.WithError(err).Error("Failed to initialize engine")
		return exitExternal
	}
	defer engine.Close(5 * time.Second)

	stats, err := engine.Ingest.IngestFromSource(ctx, src, &service.IngestOptions{
		Bank:   *bank,
		Create: *create,
		Limit:  *limit,
		Force:  *force,
	})
	if stats != nil {
		appLogger.WithFields(logger.Fields{
			"total":   stats.TotalItems,
			"loaded":  stats.LoadedItems,
			"skipped": stats.SkippedItems,
			"failed":  stats.FailedItems,
			"cursor":  stats.Cursor,
			"done":    stats.Done,
		}).Info("Ingestion finished")
	}
	if ctx.Err() != nil {
		appLogger.Warn("Ingestion interrupted")
		return exitInterrupt
	}
	if err != nil {
		appLogger.WithError(err).Error("Failed to ingest from source")
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps an ingestion error to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return exitInterrupt
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrFormat),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrDisabled):
		return exitUsage
	}
	return exitExternal
}
