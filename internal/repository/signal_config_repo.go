package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/mediamatch/internal/domain"
)

// SeedSignalTypeConfigs inserts configs for signal types that have no row yet.
// Existing rows win over the seed so runtime changes survive restarts.
func (s *BankStore) SeedSignalTypeConfigs(ctx context.Context, seeds []domain.SignalTypeConfig) error {
	if len(seeds) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&seeds).Error
	return wrapStorage("seed signal type configs", err)
}

// ListSignalTypeConfigs returns every stored signal type config ordered by name.
func (s *BankStore) ListSignalTypeConfigs(ctx context.Context) ([]domain.SignalTypeConfig, error) {
	var cfgs []domain.SignalTypeConfig
	if err := s.db.WithContext(ctx).Order("name").Find(&cfgs).Error; err != nil {
		return nil, wrapStorage("list signal type configs", err)
	}
	return cfgs, nil
}

// GetSignalTypeConfig returns the config of one signal type.
func (s *BankStore) GetSignalTypeConfig(ctx context.Context, name string) (*domain.SignalTypeConfig, error) {
	var cfg domain.SignalTypeConfig
	if err := s.db.WithContext(ctx).First(&cfg, "name = ?", name).Error; err != nil {
		return nil, wrapStorage("get signal type config "+name, err)
	}
	return &cfg, nil
}

// UpdateSignalTypeConfig switches a signal type on or off and/or changes its
// threshold. Nil arguments leave the field unchanged.
func (s *BankStore) UpdateSignalTypeConfig(ctx context.Context, name string, enabled *bool, threshold *int) (*domain.SignalTypeConfig, error) {
	if threshold != nil && *threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must be non-negative", domain.ErrFormat)
	}
	var cfg domain.SignalTypeConfig
	_, err := s.mutate(ctx, "update signal type config", func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error) {
		if err := tx.First(&cfg, "name = ?", name).Error; err != nil {
			return nil, notFound(err, "signal type %s", name)
		}
		changes := map[string]interface{}{}
		if enabled != nil && *enabled != cfg.Enabled {
			changes["enabled"] = *enabled
		}
		if threshold != nil && *threshold != cfg.Threshold {
			changes["threshold"] = *threshold
		}
		if len(changes) == 0 {
			return nil, errNoChange
		}
		if err := tx.Model(&cfg).Updates(changes).Error; err != nil {
			return nil, err
		}
		if err := tx.First(&cfg, "name = ?", name).Error; err != nil {
			return nil, err
		}
		return &domain.ChangeRecord{Kind: domain.ChangeConfigUpdated, SignalTypes: name}, nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
