package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/timmy/mediamatch/internal/domain"
)

// SubmissionRepository records the signals computed for submitted content.
type SubmissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a new SubmissionRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *SubmissionRepository: repository instance bound to db.
func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Record persists all rows of one submission atomically. Missing IDs and
// timestamps are filled in.
func (r *SubmissionRepository) Record(ctx context.Context, rows []domain.Submission) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.NewString()
		}
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	return wrapStorage("record submission", err)
}

// ListByContentID returns the submission rows of contentID, oldest first.
func (r *SubmissionRepository) ListByContentID(ctx context.Context, contentID string) ([]domain.Submission, error) {
	var rows []domain.Submission
	err := r.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		Order("created_at, signal_type").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStorage("list submissions", err)
	}
	return rows, nil
}
