package repository

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/timmy/mediamatch/internal/domain"
)

// DefaultEnumerateBatch is the page size used by EnumerateForSignal.
const DefaultEnumerateBatch = 1000

// SignalEntry is one fingerprint visible in a snapshot.
type SignalEntry struct {
	MemberID int64
	BankID   int64
	Value    string
}

// EnumerateForSignal streams every fingerprint of signalType visible at
// generation gen, ordered by (bank_id, member_id). Pages are read with a
// keyset cursor so the walk is restartable and never holds a long
// transaction; the generation filter keeps pages consistent with each other.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - signalType: registry name of the signal type.
//   - gen: snapshot generation.
//   - batch: page size; DefaultEnumerateBatch when <= 0.
//   - fn: callback per entry; a non-nil error stops the walk and is returned.
// Returns:
//   - error: storage error or the callback's error.
func (s *BankStore) EnumerateForSignal(ctx context.Context, signalType string, gen uint64, batch int, fn func(SignalEntry) error) error {
	if batch <= 0 {
		batch = DefaultEnumerateBatch
	}
	var lastBank, lastMember int64
	first := true
	for {
		q := s.snapshotQuery(ctx, signalType, gen).Select("s.member_id, s.bank_id, s.value")
		if !first {
			q = q.Where("(s.bank_id > ? OR (s.bank_id = ? AND s.member_id > ?))", lastBank, lastBank, lastMember)
		}
		var page []SignalEntry
		if err := q.Order("s.bank_id, s.member_id").Limit(batch).Scan(&page).Error; err != nil {
			return wrapStorage("enumerate "+signalType, err)
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < batch {
			return nil
		}
		last := page[len(page)-1]
		lastBank, lastMember, first = last.BankID, last.MemberID, false
	}
}

// CountForSignal returns the number of entries EnumerateForSignal would yield.
func (s *BankStore) CountForSignal(ctx context.Context, signalType string, gen uint64) (int64, error) {
	var n int64
	if err := s.snapshotQuery(ctx, signalType, gen).Count(&n).Error; err != nil {
		return 0, wrapStorage("count "+signalType, err)
	}
	return n, nil
}

func (s *BankStore) snapshotQuery(ctx context.Context, signalType string, gen uint64) *gorm.DB {
	return s.db.WithContext(ctx).Table("member_signals AS s").
		Joins("JOIN bank_members m ON m.id = s.member_id").
		Joins("JOIN banks b ON b.id = s.bank_id").
		Where("s.signal_type = ? AND s.created_gen <= ?", signalType, gen).
		Where("(m.tombstoned_gen = 0 OR m.tombstoned_gen > ?)", gen).
		Where("(b.deleted_gen = 0 OR b.deleted_gen > ?)", gen)
}

// ChangeSet is the slice of the change log after a generation.
type ChangeSet struct {
	From    uint64
	To      uint64
	Records []domain.ChangeRecord
}

// Empty reports whether no mutation happened in the range.
func (c *ChangeSet) Empty() bool {
	return len(c.Records) == 0
}

// Touches reports whether any record invalidates an index of signalType.
func (c *ChangeSet) Touches(signalType string) bool {
	for _, r := range c.Records {
		if !r.Kind.AffectsIndex() {
			continue
		}
		if r.SignalTypes == "" {
			return true
		}
		for _, t := range strings.Split(r.SignalTypes, ",") {
			if t == signalType {
				return true
			}
		}
	}
	return false
}

// Inserts returns the members added in the range.
func (c *ChangeSet) Inserts() []int64 {
	return c.members(domain.ChangeMemberAdded)
}

// Tombstones returns the members tombstoned in the range.
func (c *ChangeSet) Tombstones() []int64 {
	return c.members(domain.ChangeMemberTombstone)
}

func (c *ChangeSet) members(kind domain.ChangeKind) []int64 {
	var ids []int64
	for _, r := range c.Records {
		if r.Kind == kind {
			ids = append(ids, r.MemberID)
		}
	}
	return ids
}

// ChangesSince returns every change with generation strictly greater than gen.
// Returns ErrFullRebuildRequired when part of that range was truncated.
func (s *BankStore) ChangesSince(ctx context.Context, gen uint64) (*ChangeSet, error) {
	var (
		state   domain.StoreState
		records []domain.ChangeRecord
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&state, storeStateID).Error; err != nil {
			return err
		}
		if gen+1 < state.TruncatedBefore {
			return fmt.Errorf("changes since %d (retained from %d): %w",
				gen, state.TruncatedBefore, domain.ErrFullRebuildRequired)
		}
		return tx.Where("generation > ? AND generation <= ?", gen, state.Generation).
			Order("generation").Find(&records).Error
	})
	if err != nil {
		return nil, wrapStorage("changes since", err)
	}
	to := state.Generation
	if to < gen {
		to = gen
	}
	return &ChangeSet{From: gen, To: to, Records: records}, nil
}

// TruncateChangeLog deletes change records with generation < before and
// raises the retention watermark.
// Returns:
//   - int64: number of deleted records.
//   - error: storage error.
func (s *BankStore) TruncateChangeLog(ctx context.Context, before uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state domain.StoreState
		if err := tx.First(&state, storeStateID).Error; err != nil {
			return err
		}
		if before > state.Generation+1 {
			before = state.Generation + 1
		}
		if before <= state.TruncatedBefore {
			return nil
		}
		res := tx.Where("generation < ?", before).Delete(&domain.ChangeRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Model(&domain.StoreState{}).Where("id = ?", storeStateID).
			UpdateColumn("truncated_before", before).Error
	})
	if err != nil {
		return 0, wrapStorage("truncate change log", err)
	}
	return deleted, nil
}

// MemberInfo is the match-time view of a member.
type MemberInfo struct {
	MemberID             int64
	BankID               int64
	BankName             string
	Enabled              bool
	MatchingEnabledRatio float64
	ThresholdOverride    *int
}

// resolveChunk bounds the IN list of a single resolve query.
const resolveChunk = 500

// ResolveMembers loads bank attributes for matched members. Tombstoned
// members and members of deleted banks are omitted from the result.
func (s *BankStore) ResolveMembers(ctx context.Context, ids []int64) (map[int64]MemberInfo, error) {
	out := make(map[int64]MemberInfo, len(ids))
	for start := 0; start < len(ids); start += resolveChunk {
		end := start + resolveChunk
		if end > len(ids) {
			end = len(ids)
		}
		var rows []MemberInfo
		err := s.db.WithContext(ctx).Table("bank_members AS m").
			Select("m.id AS member_id, m.bank_id, b.name AS bank_name, m.enabled, " +
				"b.matching_enabled_ratio, b.threshold_override").
			Joins("JOIN banks b ON b.id = m.bank_id").
			Where("m.id IN ? AND m.tombstoned_gen = 0 AND b.deleted_gen = 0", ids[start:end]).
			Scan(&rows).Error
		if err != nil {
			return nil, wrapStorage("resolve members", err)
		}
		for _, r := range rows {
			out[r.MemberID] = r
		}
	}
	return out, nil
}
