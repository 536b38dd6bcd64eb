package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/index"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/signal"
	"github.com/timmy/mediamatch/internal/storage"
)

// IndexerOptions configures the background index worker.
type IndexerOptions struct {
	Interval time.Duration
	// Follower loads artifacts written by another process instead of building.
	Follower  bool
	RetryBase time.Duration
	RetryCap  time.Duration
	// Retention is the number of change log generations kept behind the
	// oldest live index. Zero disables truncation.
	Retention uint64
}

// Indexer keeps the IndexCache current. It runs one worker per signal type,
// woken by change notifications, a periodic timer and retry backoff.
type Indexer struct {
	store     *repository.BankStore
	registry  *signal.Registry
	settings  *SignalSettings
	cache     *IndexCache
	artifacts *storage.ArtifactStore
	logger    *logger.Logger
	opts      IndexerOptions

	group    singleflight.Group
	triggers map[signal.Name]chan struct{}

	mu sync.Mutex
	// checked records the generation up to which a live index is known to be
	// current because no later change touched its type.
	checked map[signal.Name]uint64
}

// NewIndexer creates an indexer. artifacts may be nil, in which case builds
// are kept in memory only and follower mode has nothing to load.
func NewIndexer(
	store *repository.BankStore,
	registry *signal.Registry,
	settings *SignalSettings,
	cache *IndexCache,
	artifacts *storage.ArtifactStore,
	log *logger.Logger,
	opts IndexerOptions,
) *Indexer {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = time.Minute
	}
	ix := &Indexer{
		store:     store,
		registry:  registry,
		settings:  settings,
		cache:     cache,
		artifacts: artifacts,
		logger:    log.WithComponent("indexer"),
		opts:      opts,
		triggers:  make(map[signal.Name]chan struct{}),
		checked:   make(map[signal.Name]uint64),
	}
	for _, caps := range registry.All() {
		ix.triggers[caps.Name] = make(chan struct{}, 1)
		cache.Register(caps.Name)
	}
	return ix
}

// Trigger wakes the worker of a signal type. Triggers coalesce while a
// wake-up is pending. An empty name wakes every worker.
func (ix *Indexer) Trigger(name signal.Name) {
	if name == "" {
		for n := range ix.triggers {
			ix.Trigger(n)
		}
		return
	}
	ch, ok := ix.triggers[name]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// HandleChange wakes the workers whose index a change may affect.
func (ix *Indexer) HandleChange(rec domain.ChangeRecord) {
	if !rec.Kind.AffectsIndex() && rec.Kind != domain.ChangeConfigUpdated {
		return
	}
	if rec.SignalTypes == "" {
		ix.Trigger("")
		return
	}
	for _, t := range strings.Split(rec.SignalTypes, ",") {
		ix.Trigger(signal.Name(t))
	}
}

// Run starts one worker per signal type and blocks until ctx is done.
func (ix *Indexer) Run(ctx context.Context) {
	if !ix.opts.Follower {
		ix.Warm(ctx)
	}
	var wg sync.WaitGroup
	for name := range ix.triggers {
		wg.Add(1)
		go func(name signal.Name) {
			defer wg.Done()
			ix.loop(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (ix *Indexer) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(ix.opts.RetryCap, retry.NewExponential(ix.opts.RetryBase))
}

func (ix *Indexer) loop(ctx context.Context, name signal.Name) {
	ctx = logger.SetSignalType(ctx, string(name))
	ticker := time.NewTicker(ix.opts.Interval)
	defer ticker.Stop()

	backoff := ix.newBackoff()
	var retryTimer *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	for {
		if err := ix.Refresh(ctx, name); err != nil {
			delay, _ := backoff.Next()
			ix.logger.WithFields(logger.Fields{
				logger.FieldSignalType: string(name),
				"retry_in":             delay.String(),
			}).WithError(err).Warn("Index refresh failed")
			if retryTimer != nil {
				retryTimer.Stop()
			}
			retryTimer = time.NewTimer(delay)
			retryC = retryTimer.C
		} else {
			backoff = ix.newBackoff()
			if retryTimer != nil {
				retryTimer.Stop()
				retryC = nil
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-ix.triggers[name]:
		case <-retryC:
			retryC = nil
		}
	}
}

// Refresh brings one signal type's index up to the current generation. A
// leader builds when changes touched the type since the live index; a
// follower loads the newest artifact.
func (ix *Indexer) Refresh(ctx context.Context, name signal.Name) error {
	if ix.opts.Follower {
		return ix.Follow(ctx, name)
	}
	if !ix.settings.Enabled(name) {
		return nil
	}

	gen, err := ix.store.CurrentGeneration(ctx)
	if err != nil {
		return err
	}
	if current := ix.cache.Get(name); current != nil {
		since := current.Generation()
		if c := ix.checkedAt(name); c > since {
			since = c
		}
		if since >= gen {
			return nil
		}
		cs, err := ix.store.ChangesSince(ctx, since)
		switch {
		case errors.Is(err, domain.ErrFullRebuildRequired):
		case err != nil:
			return err
		case !cs.Touches(string(name)):
			ix.markChecked(name, cs.To)
			return nil
		}
	}

	if _, err := ix.Build(ctx, name); err != nil {
		return err
	}
	ix.truncate(ctx)
	return nil
}

// Build snapshots the bank store, builds an index, persists it and swaps it
// in. Concurrent calls for the same signal type share one build. The build
// runs to completion even if ctx is cancelled.
func (ix *Indexer) Build(ctx context.Context, name signal.Name) (*index.Index, error) {
	v, err, _ := ix.group.Do(string(name), func() (interface{}, error) {
		return ix.build(context.WithoutCancel(ctx), name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.Index), nil
}

func (ix *Indexer) build(ctx context.Context, name signal.Name) (*index.Index, error) {
	caps, ok := ix.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown signal type %q", domain.ErrFormat, name)
	}
	start := time.Now()
	ix.cache.BeginBuild(name)

	built, skipped, err := ix.snapshot(ctx, caps)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", domain.ErrBuild, name, err)
		ix.cache.EndBuild(name, err)
		return nil, err
	}

	log := ix.logger.WithField(logger.FieldSignalType, string(name))
	if ix.artifacts != nil {
		size, err := ix.artifacts.Save(ctx, string(name), built)
		if err != nil {
			log.WithError(err).Error("Failed to persist index artifact; serving it from memory")
		} else {
			log = log.WithField(logger.FieldSize, size)
		}
	}

	if !ix.cache.Swap(name, built) {
		ix.cache.EndBuild(name, nil)
	}
	ix.markChecked(name, built.Generation())

	log.WithFields(logger.Fields{
		logger.FieldGeneration: built.Generation(),
		logger.FieldCount:      built.Len(),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		"skipped":              skipped,
	}).Info("Index built")
	return built, nil
}

// snapshot reads every fingerprint visible at the current generation.
// Values that no longer parse are skipped and counted.
func (ix *Indexer) snapshot(ctx context.Context, caps *signal.Capabilities) (*index.Index, int, error) {
	gen, err := ix.store.CurrentGeneration(ctx)
	if err != nil {
		return nil, 0, err
	}
	b, err := index.NewBuilder(index.Params{
		SignalTypeID: caps.ID,
		Partitions:   caps.Partitions,
		SubKeyBits:   caps.SubKeyBits(),
		Threshold:    ix.settings.Threshold(caps.Name),
	})
	if err != nil {
		return nil, 0, err
	}
	skipped := 0
	err = ix.store.EnumerateForSignal(ctx, string(caps.Name), gen, 0, func(e repository.SignalEntry) error {
		code, err := caps.Parse(e.Value)
		if err != nil {
			skipped++
			return nil
		}
		return b.Add(e.MemberID, code)
	})
	if err != nil {
		return nil, 0, err
	}
	return b.Build(gen, time.Now()), skipped, nil
}

// Warm loads persisted artifacts so a restarted leader serves queries
// before its first build. Artifacts newer than the store are ignored.
func (ix *Indexer) Warm(ctx context.Context) {
	if ix.artifacts == nil {
		return
	}
	gen, err := ix.store.CurrentGeneration(ctx)
	if err != nil {
		ix.logger.WithError(err).Warn("Skipping artifact warm-up")
		return
	}
	for name := range ix.triggers {
		if err := ix.load(ctx, name, gen); err != nil && !errors.Is(err, domain.ErrNotFound) {
			ix.logger.WithField(logger.FieldSignalType, string(name)).WithError(err).Warn("Ignoring persisted index artifact")
		}
	}
}

// Follow swaps in the persisted artifact of a signal type if it is newer than
// the live index. A corrupt artifact leaves the live index in place.
func (ix *Indexer) Follow(ctx context.Context, name signal.Name) error {
	if ix.artifacts == nil {
		return nil
	}
	err := ix.load(ctx, name, math.MaxUint64)
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound):
		return nil
	case errors.Is(err, domain.ErrIndexCorrupt):
		ix.cache.EndBuild(name, err)
		ix.logger.WithField(logger.FieldSignalType, string(name)).WithError(err).Error("Ignoring corrupt index artifact")
	}
	return err
}

// load installs the stored artifact of name when it is newer than the live
// index and not newer than maxGen. An empty store has maxGen 0 and accepts
// no artifact.
func (ix *Indexer) load(ctx context.Context, name signal.Name, maxGen uint64) error {
	caps, ok := ix.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: unknown signal type %q", domain.ErrFormat, name)
	}
	loaded, err := ix.artifacts.Load(ctx, string(name))
	if err != nil {
		return err
	}
	p := loaded.Params()
	if p.SignalTypeID != caps.ID || p.Partitions != caps.Partitions || p.SubKeyBits != caps.SubKeyBits() {
		return fmt.Errorf("%w: artifact for %s has layout id=%d B=%d w=%d", domain.ErrIndexCorrupt, name, p.SignalTypeID, p.Partitions, p.SubKeyBits)
	}
	if loaded.Generation() > maxGen {
		return fmt.Errorf("%w: artifact generation %d is ahead of the store at %d", domain.ErrIndexCorrupt, loaded.Generation(), maxGen)
	}
	if current := ix.cache.Get(name); current != nil && current.Generation() >= loaded.Generation() {
		return nil
	}
	if ix.cache.Swap(name, loaded) {
		ix.logger.WithFields(logger.Fields{
			logger.FieldSignalType: string(name),
			logger.FieldGeneration: loaded.Generation(),
			logger.FieldCount:      loaded.Len(),
		}).Info("Loaded index artifact")
	}
	return nil
}

func (ix *Indexer) checkedAt(name signal.Name) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.checked[name]
}

func (ix *Indexer) markChecked(name signal.Name, gen uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if gen > ix.checked[name] {
		ix.checked[name] = gen
	}
}

// truncate drops change log rows that no live index needs. It waits until
// every enabled signal type has an index.
func (ix *Indexer) truncate(ctx context.Context) {
	if ix.opts.Retention == 0 {
		return
	}
	var oldest uint64
	first := true
	for name := range ix.triggers {
		if !ix.settings.Enabled(name) {
			continue
		}
		current := ix.cache.Get(name)
		if current == nil {
			return
		}
		gen := current.Generation()
		if c := ix.checkedAt(name); c > gen {
			gen = c
		}
		if first || gen < oldest {
			oldest, first = gen, false
		}
	}
	if first || oldest <= ix.opts.Retention {
		return
	}
	removed, err := ix.store.TruncateChangeLog(ctx, oldest-ix.opts.Retention)
	if err != nil {
		ix.logger.WithError(err).Warn("Failed to truncate change log")
		return
	}
	if removed > 0 {
		ix.logger.WithField(logger.FieldCount, removed).Debug("Truncated change log")
	}
}
