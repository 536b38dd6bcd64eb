package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var bankNamePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// NormalizeBankName upper-cases name and checks it against the allowed alphabet.
func NormalizeBankName(name string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !bankNamePattern.MatchString(n) {
		return "", fmt.Errorf("%w: bank name %q must match ^[A-Z0-9_]+$", ErrFormat, name)
	}
	return n, nil
}

// StringMap stores opaque member metadata as JSON text.
type StringMap map[string]string

// Value implements the driver.Valuer interface for database serialization.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("failed to scan StringMap")
	}
	if len(raw) == 0 {
		*m = StringMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Bank is a named, curated set of members used as a matching corpus.
//
// A bank is live while DeletedGen is zero. Deleting a bank records the
// generation of the deletion so snapshots taken before it still see its members.
type Bank struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                 string    `gorm:"type:text;not null;uniqueIndex:idx_banks_name" json:"name"`
	MatchingEnabledRatio float64   `gorm:"not null;default:1" json:"matching_enabled_ratio"`
	ThresholdOverride    *int      `json:"threshold_override,omitempty"`
	CreatedGen           uint64    `gorm:"not null" json:"created_generation"`
	DeletedGen           uint64    `gorm:"not null;default:0;index" json:"-"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName returns the database table name for Bank.
func (Bank) TableName() string {
	return "banks"
}

// Deleted reports whether the bank has been soft-deleted.
func (b *Bank) Deleted() bool {
	return b.DeletedGen != 0
}

// BankMember is one entry in a bank. It owns at most one signal per signal type.
type BankMember struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BankID        int64     `gorm:"not null;index:idx_members_bank" json:"bank_id"`
	Metadata      StringMap `gorm:"type:text" json:"metadata"`
	Enabled       bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedGen    uint64    `gorm:"not null;index" json:"created_generation"`
	TombstonedGen uint64    `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Signals []MemberSignal `gorm:"foreignKey:MemberID" json:"-"`
}

// TableName returns the database table name for BankMember.
func (BankMember) TableName() string {
	return "bank_members"
}

// Tombstoned reports whether the member has been removed.
func (m *BankMember) Tombstoned() bool {
	return m.TombstonedGen != 0
}

// MemberSignal is a fingerprint owned by a member, stored in canonical hex.
type MemberSignal struct {
	MemberID   int64     `gorm:"primaryKey;autoIncrement:false;index:idx_signals_enum,priority:3" json:"member_id"`
	SignalType string    `gorm:"primaryKey;type:text;index:idx_signals_enum,priority:1" json:"signal_type"`
	BankID     int64     `gorm:"not null;index:idx_signals_enum,priority:2" json:"bank_id"`
	Value      string    `gorm:"type:text;not null" json:"value"`
	Quality    int       `gorm:"not null;default:100" json:"quality"`
	CreatedGen uint64    `gorm:"not null" json:"created_generation"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for MemberSignal.
func (MemberSignal) TableName() string {
	return "member_signals"
}
