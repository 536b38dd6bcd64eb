package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/signal"
	"github.com/timmy/mediamatch/internal/storage"
)

// Engine holds every component of one process. Tests build a fresh Engine
// per case.
type Engine struct {
	Config      *config.Config
	DB          *gorm.DB
	Store       *repository.BankStore
	Submissions *repository.SubmissionRepository
	Cursors     *repository.SourceCursorRepository
	Registry    *signal.Registry
	Settings    *SignalSettings
	Cache       *IndexCache
	Artifacts   *storage.ArtifactStore
	Indexer     *Indexer
	Hasher      *HashService
	Matcher     *MatchService
	Curation    *CurationService
	Ingest      *IngestService
	FetchTask   *FetchTask
	Notifier    ChangeNotifier

	logger    *logger.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// EngineOptions overrides parts of the wiring.
type EngineOptions struct {
	// Fetcher replaces the HTTP content fetcher.
	Fetcher ContentFetcher
	// Sink replaces the sinks built from config.
	Sink MatchSink
	// Objects replaces the blob store built from config.
	Objects storage.ObjectStorage
}

// NewEngine wires the components over an open database.
// Parameters:
//   - ctx: context for start-up queries.
//   - cfg: loaded configuration.
//   - db: migrated database handle.
//   - log: root logger.
//   - opts: optional overrides; nil uses config for everything.
// Returns:
//   - *Engine: wired engine; background work starts with Start.
//   - error: non-nil if the blob store, Redis or signal type seeding fails.
func NewEngine(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logger.Logger, opts *EngineOptions) (*Engine, error) {
	if opts == nil {
		opts = &EngineOptions{}
	}
	e := &Engine{
		Config:      cfg,
		DB:          db,
		Store:       repository.NewBankStore(db),
		Submissions: repository.NewSubmissionRepository(db),
		Cursors:     repository.NewSourceCursorRepository(db),
		Registry:    signal.DefaultRegistry(),
		Cache:       NewIndexCache(),
		logger:      log.WithComponent("engine"),
	}

	settings, err := NewSignalSettings(ctx, e.Store, e.Registry, cfg.SignalTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal type config: %w", err)
	}
	e.Settings = settings

	objects := opts.Objects
	if objects == nil {
		objects, err = storage.NewStorage(&cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize blob storage: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure blob bucket: %w", err)
		}
	}
	e.Artifacts, err = storage.NewArtifactStore(objects, cfg.Blob.Prefix, cfg.Blob.CompressionLevel)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		e.Notifier, err = NewRedisNotifier(ctx, cfg.Redis)
		if err != nil {
			e.Artifacts.Close()
			return nil, err
		}
	} else {
		e.Notifier = NewLocalNotifier()
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(cfg.Fetcher)
	}
	e.Hasher = NewHashService(e.Registry, e.Settings, fetcher)

	e.Indexer = NewIndexer(e.Store, e.Registry, e.Settings, e.Cache, e.Artifacts, log, IndexerOptions{
		Interval:  cfg.Tasks.IndexerInterval(),
		Follower:  !cfg.Tasks.Indexer,
		Retention: cfg.Tasks.ChangeLogRetention,
	})

	sink := opts.Sink
	if sink == nil {
		sink = buildSink(cfg.Sink, log)
	}
	e.Matcher = NewMatchService(e.Registry, e.Settings, e.Cache, e.Store, e.Submissions, e.Hasher, sink, log, MatchConfig{
		DefaultSeed:       cfg.Match.DefaultSeed,
		SubmissionTimeout: cfg.Match.SubmissionTimeout,
		BankCacheTTL:      cfg.Match.BankCacheTTL,
		ExpandRotations:   cfg.Match.ExpandRotations,
	})
	e.Matcher.OnIndexNotReady(e.Indexer.Trigger)

	e.Curation = NewCurationService(e.Store, e.Registry, e.Hasher, log)
	e.Ingest = NewIngestService(e.Curation, log, &IngestConfig{
		Workers:   cfg.Ingest.Workers,
		BatchSize: cfg.Ingest.BatchSize,
	})
	e.FetchTask = NewFetchTask(e.Ingest, e.Cursors, cfg.Sources, cfg.Tasks.FetcherInterval(), log)

	e.Store.OnChange(func(ctx context.Context, rec domain.ChangeRecord) {
		if err := e.Notifier.Publish(ctx, rec); err != nil {
			e.logger.WithError(err).WithField(logger.FieldGeneration, rec.Generation).Warn("Failed to publish change")
		}
	})
	return e, nil
}

func buildSink(cfg config.SinkConfig, log *logger.Logger) MatchSink {
	var sinks MultiSink
	if cfg.LogMatches {
		sinks = append(sinks, NewLogSink(log))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	return sinks
}

// Start subscribes to changes and launches the background tasks enabled in
// config. Without the indexer task the engine follows artifacts written by
// another process.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	err := e.Notifier.Subscribe(ctx, func(rec domain.ChangeRecord) {
		if rec.Kind == domain.ChangeConfigUpdated {
			if err := e.Settings.Reload(ctx); err != nil {
				e.logger.WithError(err).Warn("Failed to reload signal type config")
			}
		}
		e.Matcher.HandleChange(rec)
		e.Indexer.HandleChange(rec)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	if e.Config.Tasks.Indexer || e.Config.Roles.Matcher {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Indexer.Run(ctx)
		}()
	}
	if e.Config.Tasks.Fetcher && len(e.Config.Sources) > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.FetchTask.Run(ctx)
		}()
	}

	e.logger.WithFields(logger.Fields{
		"indexer":  e.Config.Tasks.Indexer,
		"follower": !e.Config.Tasks.Indexer,
		"fetcher":  e.Config.Tasks.Fetcher,
		"sources":  len(e.Config.Sources),
	}).Info("Engine started")
	return nil
}

// Close stops the background tasks, waits up to timeout for them and
// releases the notifier and artifact store. Later calls return the first
// result.
func (e *Engine) Close(timeout time.Duration) error {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		var errs []error
		select {
		case <-done:
		case <-time.After(timeout):
			errs = append(errs, errors.New("timed out waiting for background tasks"))
		}
		if err := e.Notifier.Close(); err != nil {
			errs = append(errs, err)
		}
		e.Artifacts.Close()
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
