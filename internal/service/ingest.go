package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/signal"
	"github.com/timmy/mediamatch/internal/source"
)

// IngestService loads bank members from a bulk source
type IngestService struct {
	curation  *CurationService
	logger    *logger.Logger
	workers   int
	batchSize int
}

// IngestConfig holds configuration for the ingest service
type IngestConfig struct {
	Workers   int
	BatchSize int
}

// NewIngestService creates a new ingest service
func NewIngestService(curation *CurationService, log *logger.Logger, cfg *IngestConfig) *IngestService {
	workers, batchSize := 4, 500
	if cfg != nil {
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
		if cfg.BatchSize > 0 {
			batchSize = cfg.BatchSize
		}
	}
	return &IngestService{
		curation:  curation,
		logger:    log.WithComponent("ingest"),
		workers:   workers,
		batchSize: batchSize,
	}
}

// log returns the run logger attached by IngestFromSource
func (s *IngestService) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx)
}

// IngestStats holds statistics for an ingestion run
type IngestStats struct {
	TotalItems     int64
	ProcessedItems int64
	LoadedItems    int64
	SkippedItems   int64
	FailedItems    int64
	// Cursor is the position after the last dispatched batch.
	Cursor    string
	Done      bool
	StartTime time.Time
	EndTime   time.Time
}

// IngestOptions holds options for ingestion
type IngestOptions struct {
	Bank   string
	Create bool   // Create the bank when it does not exist
	Limit  int    // Maximum number of items; zero means no limit
	Cursor string // Resume position from a previous run
	Force  bool   // Add items even when the bank already holds their signal
}

// IngestFromSource loads items from a source into a bank.
// Parameters:
//   - ctx: context for cancellation; in-flight items finish, the rest are not dispatched.
//   - src: bulk source.
//   - opts: destination bank and limits.
// Returns:
//   - *IngestStats: counters and the resume cursor.
//   - error: ErrNotFound for a missing bank, or the source's fetch error.
func (s *IngestService) IngestFromSource(ctx context.Context, src source.Source, opts *IngestOptions) (*IngestStats, error) {
	if opts == nil {
		opts = &IngestOptions{}
	}
	bank, err := s.curation.EnsureBank(ctx, opts.Bank, opts.Create)
	if err != nil {
		return nil, err
	}
	ctx = s.logger.WithFields(logger.Fields{
		logger.FieldSource: src.GetSourceID(),
		logger.FieldBank:   bank.Name,
	}).WithContext(ctx)

	stats := &IngestStats{
		Cursor:    opts.Cursor,
		StartTime: time.Now(),
	}

	s.log(ctx).WithFields(logger.Fields{
		"limit":  opts.Limit,
		"cursor": opts.Cursor,
		"force":  opts.Force,
	}).Info("Starting ingestion")

	// Create work channel and results channel
	itemsChan := make(chan source.Item, s.workers*2)
	resultsChan := make(chan *processResult, s.workers*2)

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, bank, itemsChan, resultsChan, opts)
		}()
	}

	// Start result collector
	done := make(chan struct{})
	go func() {
		for result := range resultsChan {
			atomic.AddInt64(&stats.ProcessedItems, 1)
			switch {
			case result.skipped:
				atomic.AddInt64(&stats.SkippedItems, 1)
			case result.err != nil:
				atomic.AddInt64(&stats.FailedItems, 1)
				s.log(ctx).WithFields(logger.Fields{
					"source_id": result.sourceID,
				}).WithError(result.err).Warn("Failed to load item")
			default:
				atomic.AddInt64(&stats.LoadedItems, 1)
			}
		}
		close(done)
	}()

	// Fetch items from source
	var fetchErr error
	cursor := opts.Cursor
	totalFetched := 0
fetch:
	for ctx.Err() == nil {
		batchLimit := s.batchSize
		if opts.Limit > 0 {
			remaining := opts.Limit - totalFetched
			if remaining <= 0 {
				break
			}
			if batchLimit > remaining {
				batchLimit = remaining
			}
		}

		items, nextCursor, exhausted, err := src.FetchBatch(ctx, cursor, batchLimit)
		if err != nil {
			fetchErr = fmt.Errorf("failed to fetch batch: %w", err)
			break
		}

		atomic.AddInt64(&stats.TotalItems, int64(len(items)))
		totalFetched += len(items)

		for _, item := range items {
			select {
			case itemsChan <- item:
			case <-ctx.Done():
				break fetch
			}
		}

		cursor = nextCursor
		if exhausted {
			stats.Done = true
			break
		}
	}

	// Close items channel and wait for workers
	close(itemsChan)
	wg.Wait()

	// Close results channel and wait for collector
	close(resultsChan)
	<-done

	stats.Cursor = cursor
	stats.EndTime = time.Now()

	s.log(ctx).WithFields(logger.Fields{
		"total":    stats.TotalItems,
		"loaded":   stats.LoadedItems,
		"skipped":  stats.SkippedItems,
		"failed":   stats.FailedItems,
		"done":     stats.Done,
		"duration": stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Ingestion completed")

	if fetchErr != nil {
		return stats, fetchErr
	}
	return stats, ctx.Err()
}

type processResult struct {
	sourceID string
	skipped  bool
	err      error
}

// errSkipDuplicate marks an item whose signal the bank already holds
var errSkipDuplicate = errors.New("skipped: signal already in bank")

func (s *IngestService) worker(ctx context.Context, bank *domain.Bank, items <-chan source.Item, results chan<- *processResult, opts *IngestOptions) {
	for item := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := &processResult{sourceID: item.SourceID}
		if err := s.processItem(ctx, bank, &item, opts); err != nil {
			if errors.Is(err, errSkipDuplicate) {
				result.skipped = true
			} else {
				result.err = err
			}
		}
		results <- result
	}
}

func (s *IngestService) processItem(ctx context.Context, bank *domain.Bank, item *source.Item, opts *IngestOptions) error {
	values, err := s.signalValues(ctx, item)
	if err != nil {
		return err
	}

	if !opts.Force {
		existing, err := s.curation.FindExisting(ctx, bank.ID, values)
		if err != nil {
			return fmt.Errorf("failed to check existing signals: %w", err)
		}
		if existing != 0 {
			return errSkipDuplicate
		}
	}

	if _, err := s.curation.AddValues(ctx, bank, values, item.Metadata); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// signalValues uses precomputed signals when the item carries them and
// hashes its file or URL otherwise.
func (s *IngestService) signalValues(ctx context.Context, item *source.Item) ([]repository.SignalValue, error) {
	if len(item.Signals) > 0 {
		return s.curation.ParseSignals(item.Signals)
	}

	req := HashRequest{}
	if item.ContentType != "" {
		ct, err := signal.ParseContentType(item.ContentType)
		if err != nil {
			return nil, err
		}
		req.ContentType = ct
	}
	switch {
	case item.LocalPath != "":
		data, err := os.ReadFile(item.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", item.LocalPath, err)
		}
		req.Data = data
	case item.URL != "":
		req.URL = item.URL
	default:
		return nil, fmt.Errorf("%w: item %s has no signals, file or url", domain.ErrFormat, item.SourceID)
	}
	return s.curation.HashValues(ctx, req)
}
