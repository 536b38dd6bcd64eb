package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/mediamatch/internal/domain"
)

// SourceCursorRepository tracks the progress of bulk-load sources.
type SourceCursorRepository struct {
	db *gorm.DB
}

// NewSourceCursorRepository creates a new SourceCursorRepository.
func NewSourceCursorRepository(db *gorm.DB) *SourceCursorRepository {
	return &SourceCursorRepository{db: db}
}

// Get returns the cursor of a source, or a zero cursor if it never ran.
func (r *SourceCursorRepository) Get(ctx context.Context, name string) (*domain.SourceCursor, error) {
	var cur domain.SourceCursor
	err := r.db.WithContext(ctx).First(&cur, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.SourceCursor{Name: name}, nil
	}
	if err != nil {
		return nil, wrapStorage("get source cursor", err)
	}
	return &cur, nil
}

// Save upserts a cursor and stamps the sync time.
func (r *SourceCursorRepository) Save(ctx context.Context, cur *domain.SourceCursor) error {
	now := time.Now().UTC()
	cur.LastSyncAt = &now
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "bank", "cursor", "loaded", "failed", "last_sync_at", "last_error", "updated_at"}),
	}).Create(cur).Error
	return wrapStorage("save source cursor", err)
}

// List returns every cursor ordered by name.
func (r *SourceCursorRepository) List(ctx context.Context) ([]domain.SourceCursor, error) {
	var curs []domain.SourceCursor
	if err := r.db.WithContext(ctx).Order("name").Find(&curs).Error; err != nil {
		return nil, wrapStorage("list source cursors", err)
	}
	return curs, nil
}
