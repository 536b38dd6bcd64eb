package domain

import "time"

// SubmissionStatus represents the hashing outcome of a submission.
type SubmissionStatus string

const (
	SubmissionHashed     SubmissionStatus = "hashed"
	SubmissionHashFailed SubmissionStatus = "hash_failed"
)

// Submission records one signal computed (or supplied) for submitted content.
// A hash failure is stored as a single row with an empty SignalType.
type Submission struct {
	ID         string           `gorm:"type:text;primaryKey" json:"id"`
	ContentID  string           `gorm:"type:text;not null;index:idx_submissions_content" json:"content_id"`
	SignalType string           `gorm:"type:text" json:"signal_type,omitempty"`
	Value      string           `gorm:"type:text" json:"value,omitempty"`
	Status     SubmissionStatus `gorm:"type:text;not null" json:"status"`
	Error      string           `gorm:"type:text" json:"error,omitempty"`
	SourceURL  string           `gorm:"type:text" json:"source_url,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TableName returns the database table name for Submission.
func (Submission) TableName() string {
	return "submissions"
}

// SignalTypeConfig holds the runtime switch and threshold of a signal type.
type SignalTypeConfig struct {
	Name      string    `gorm:"type:text;primaryKey" json:"name"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	Threshold int       `gorm:"not null" json:"threshold"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for SignalTypeConfig.
func (SignalTypeConfig) TableName() string {
	return "signal_type_configs"
}
