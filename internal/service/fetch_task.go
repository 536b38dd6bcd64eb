package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/source"
	"github.com/timmy/mediamatch/internal/source/hashlist"
	"github.com/timmy/mediamatch/internal/source/manifest"
	"github.com/timmy/mediamatch/internal/source/mediadir"
)

// OpenSource builds the adapter for a source kind.
func OpenSource(kind, name, path string) (source.Source, error) {
	switch kind {
	case config.SourceKindHashes:
		return hashlist.NewAdapter(name, path), nil
	case config.SourceKindMedia:
		return mediadir.NewAdapter(name, path), nil
	case config.SourceKindManifest:
		return manifest.NewAdapter(name, path), nil
	}
	return nil, fmt.Errorf("unknown source kind %q", kind)
}

// FetchTask periodically loads every enabled configured source into its bank.
// Incremental sources resume from their saved cursor; the others are
// re-read from the start and rely on duplicate skipping.
type FetchTask struct {
	ingest   *IngestService
	cursors  *repository.SourceCursorRepository
	sources  []config.SourceConfig
	interval time.Duration
	logger   *logger.Logger
}

// NewFetchTask creates a fetch task.
func NewFetchTask(ingest *IngestService, cursors *repository.SourceCursorRepository, sources []config.SourceConfig, interval time.Duration, log *logger.Logger) *FetchTask {
	if interval <= 0 {
		interval = time.Hour
	}
	return &FetchTask{
		ingest:   ingest,
		cursors:  cursors,
		sources:  sources,
		interval: interval,
		logger:   log.WithComponent("fetcher"),
	}
}

// Run polls until ctx is cancelled. The first pass starts immediately.
func (t *FetchTask) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		t.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce loads each enabled source once. Failures are recorded on the
// source's cursor and do not stop the other sources.
func (t *FetchTask) RunOnce(ctx context.Context) {
	for _, sc := range t.sources {
		if ctx.Err() != nil {
			return
		}
		if !sc.Enabled {
			continue
		}
		if err := t.syncSource(ctx, sc); err != nil {
			t.logger.WithField(logger.FieldSource, sc.Name).WithError(err).Warn("Source sync failed")
		}
	}
}

// Sources returns the configured sources.
func (t *FetchTask) Sources() []config.SourceConfig {
	return t.sources
}

// Sync loads one configured source now, enabled or not.
func (t *FetchTask) Sync(ctx context.Context, name string) error {
	for _, sc := range t.sources {
		if sc.Name == name {
			return t.syncSource(ctx, sc)
		}
	}
	return fmt.Errorf("source %s: %w", name, domain.ErrNotFound)
}

func (t *FetchTask) syncSource(ctx context.Context, sc config.SourceConfig) error {
	src, err := OpenSource(sc.Kind, sc.Name, sc.Path)
	if err != nil {
		return err
	}
	cur, err := t.cursors.Get(ctx, sc.Name)
	if err != nil {
		return err
	}
	cur.Kind = sc.Kind
	cur.Bank = sc.Bank

	start := cur.Cursor
	if !src.SupportsIncremental() {
		start = ""
	}
	stats, runErr := t.ingest.IngestFromSource(ctx, src, &IngestOptions{
		Bank:   sc.Bank,
		Create: sc.Create,
		Cursor: start,
	})
	if stats != nil {
		cur.Cursor = stats.Cursor
		cur.Loaded += stats.LoadedItems
		cur.Failed += stats.FailedItems
	}
	cur.LastError = ""
	if runErr != nil {
		cur.LastError = runErr.Error()
	}
	if err := t.cursors.Save(context.WithoutCancel(ctx), cur); err != nil {
		return err
	}
	return runErr
}
