package domain

import "time"

// ChangeKind classifies a bank store mutation.
type ChangeKind string

const (
	ChangeBankCreated     ChangeKind = "bank_created"
	ChangeBankUpdated     ChangeKind = "bank_updated"
	ChangeBankDeleted     ChangeKind = "bank_deleted"
	ChangeMemberAdded     ChangeKind = "member_added"
	ChangeMemberEnabled   ChangeKind = "member_enabled"
	ChangeMemberDisabled  ChangeKind = "member_disabled"
	ChangeMemberTombstone ChangeKind = "member_tombstoned"
	ChangeConfigUpdated   ChangeKind = "config_updated"
)

// AffectsIndex reports whether an index built before the change is stale.
// Enable flags, ratios and configs are applied at match time.
func (k ChangeKind) AffectsIndex() bool {
	switch k {
	case ChangeMemberAdded, ChangeMemberTombstone, ChangeBankDeleted:
		return true
	}
	return false
}

// ChangeRecord is one row of the change log. Every mutation writes exactly
// one record under the generation it was assigned.
type ChangeRecord struct {
	Generation uint64     `gorm:"primaryKey;autoIncrement:false" json:"generation"`
	Kind       ChangeKind `gorm:"type:text;not null" json:"kind"`
	BankID     int64      `json:"bank_id,omitempty"`
	MemberID   int64      `json:"member_id,omitempty"`
	// SignalTypes is a comma separated list of the types the change touches;
	// empty means every type.
	SignalTypes string    `gorm:"type:text" json:"signal_types,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for ChangeRecord.
func (ChangeRecord) TableName() string {
	return "change_log"
}

// StoreState is the single-row generation counter.
type StoreState struct {
	ID              int    `gorm:"primaryKey;autoIncrement:false"`
	Generation      uint64 `gorm:"not null;default:0"`
	TruncatedBefore uint64 `gorm:"not null;default:0"`
}

// TableName returns the database table name for StoreState.
func (StoreState) TableName() string {
	return "store_state"
}
