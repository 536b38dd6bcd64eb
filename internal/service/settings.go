package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/signal"
)

// SignalSettings caches the runtime enable switch and threshold of every
// registered signal type. The bank store is the source of truth; the cache is
// reloaded when a config change is observed.
type SignalSettings struct {
	store    *repository.BankStore
	registry *signal.Registry

	mu      sync.RWMutex
	configs map[signal.Name]domain.SignalTypeConfig
}

// NewSignalSettings seeds missing signal type rows and loads the current values.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - store: bank store holding the signal_type_configs table.
//   - registry: registered signal types.
//   - seeds: start-up values from configuration, keyed by type name.
// Returns:
//   - *SignalSettings: loaded settings.
//   - error: non-nil if seeding or loading fails.
func NewSignalSettings(ctx context.Context, store *repository.BankStore, registry *signal.Registry, seeds map[string]config.SignalTypeConfig) (*SignalSettings, error) {
	rows := make([]domain.SignalTypeConfig, 0, len(registry.All()))
	for _, caps := range registry.All() {
		row := domain.SignalTypeConfig{Name: string(caps.Name), Enabled: true, Threshold: caps.DefaultThreshold}
		if seed, ok := seeds[string(caps.Name)]; ok {
			row.Enabled = seed.Enabled
			row.Threshold = seed.Threshold
		}
		if row.Threshold > caps.CodeBits {
			return nil, fmt.Errorf("%w: threshold %d for %s exceeds %d bits", domain.ErrFormat, row.Threshold, caps.Name, caps.CodeBits)
		}
		rows = append(rows, row)
	}
	if err := store.SeedSignalTypeConfigs(ctx, rows); err != nil {
		return nil, err
	}

	s := &SignalSettings{store: store, registry: registry}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every signal type config from the store.
func (s *SignalSettings) Reload(ctx context.Context) error {
	rows, err := s.store.ListSignalTypeConfigs(ctx)
	if err != nil {
		return err
	}
	configs := make(map[signal.Name]domain.SignalTypeConfig, len(rows))
	for _, row := range rows {
		configs[signal.Name(row.Name)] = row
	}
	s.mu.Lock()
	s.configs = configs
	s.mu.Unlock()
	return nil
}

// Enabled reports whether a signal type is switched on. Types without a row
// (registered after start-up) are enabled.
func (s *SignalSettings) Enabled(name signal.Name) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return !ok || cfg.Enabled
}

// Threshold returns the configured match threshold of a signal type.
func (s *SignalSettings) Threshold(name signal.Name) int {
	s.mu.RLock()
	cfg, ok := s.configs[name]
	s.mu.RUnlock()
	if ok {
		return cfg.Threshold
	}
	if caps, found := s.registry.Get(name); found {
		return caps.DefaultThreshold
	}
	return 0
}

// List returns the cached configs ordered by name.
func (s *SignalSettings) List() []domain.SignalTypeConfig {
	s.mu.RLock()
	out := make([]domain.SignalTypeConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update changes the switch or threshold of a signal type and refreshes the cache.
func (s *SignalSettings) Update(ctx context.Context, name string, enabled *bool, threshold *int) (*domain.SignalTypeConfig, error) {
	caps, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if threshold != nil && (*threshold < 0 || *threshold > caps.CodeBits) {
		return nil, fmt.Errorf("%w: threshold %d out of range [0,%d]", domain.ErrFormat, *threshold, caps.CodeBits)
	}
	cfg, err := s.store.UpdateSignalTypeConfig(ctx, string(caps.Name), enabled, threshold)
	if err != nil {
		return nil, err
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}
