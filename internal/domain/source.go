package domain

import "time"

// SourceCursor records how far the fetcher has read a configured bulk-load source.
type SourceCursor struct {
	Name       string     `gorm:"type:text;primaryKey" json:"name"`
	Kind       string     `gorm:"type:text;not null" json:"kind"`
	Bank       string     `gorm:"type:text;not null" json:"bank"`
	Cursor     string     `gorm:"type:text" json:"cursor,omitempty"`
	Loaded     int64      `gorm:"not null;default:0" json:"loaded"`
	Failed     int64      `gorm:"not null;default:0" json:"failed"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for SourceCursor.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (SourceCursor) TableName() string {
	return "fetch_sources"
}
