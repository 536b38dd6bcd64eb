package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/timmy/mediamatch/internal/domain"
)

const storeStateID = 1

// errNoChange rolls back a mutation that turned out to be a no-op.
var errNoChange = errors.New("no change")

// ChangeHook is invoked after a mutation commits.
type ChangeHook func(ctx context.Context, rec domain.ChangeRecord)

// SignalValue is a validated fingerprint in canonical form ready to persist.
type SignalValue struct {
	Type    string
	Value   string
	Quality int
}

// BankOptions are the optional attributes of a new bank.
type BankOptions struct {
	MatchingEnabledRatio *float64
	ThresholdOverride    *int
}

// BankUpdate describes a partial bank update. Nil fields are left unchanged.
type BankUpdate struct {
	Name                 *string
	MatchingEnabledRatio *float64
	ThresholdOverride    *int
	ClearThreshold       bool
}

// BankStore persists banks, members and their signals. Every mutation is
// assigned the next generation and logged in the change log in the same
// transaction, so a snapshot at generation g is a pure filter on the rows.
type BankStore struct {
	db *gorm.DB

	// mu serializes mutations inside this process; the store_state row lock
	// does the same across processes.
	mu sync.Mutex

	hookMu sync.RWMutex
	hooks  []ChangeHook
}

// NewBankStore creates a new BankStore.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *BankStore: store bound to db.
func NewBankStore(db *gorm.DB) *BankStore {
	return &BankStore{db: db}
}

// DB exposes the underlying handle for repositories sharing the connection.
func (s *BankStore) DB() *gorm.DB {
	return s.db
}

// OnChange registers a hook called after every committed mutation.
func (s *BankStore) OnChange(h ChangeHook) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, h)
	s.hookMu.Unlock()
}

// mutate runs fn in a transaction under a freshly assigned generation and
// appends the returned change record. fn returning errNoChange rolls the
// generation back and reports success.
func (s *BankStore) mutate(ctx context.Context, op string, fn func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *domain.ChangeRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.StoreState{}).
			Where("id = ?", storeStateID).
			UpdateColumn("generation", gorm.Expr("generation + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("store state row missing")
		}
		var state domain.StoreState
		if err := tx.First(&state, storeStateID).Error; err != nil {
			return err
		}

		r, err := fn(tx, state.Generation)
		if err != nil {
			return err
		}
		r.Generation = state.Generation
		rec = r
		return tx.Create(r).Error
	})
	if errors.Is(err, errNoChange) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStorage(op, err)
	}

	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, *rec)
	}
	return rec.Generation, nil
}

// CurrentGeneration returns the generation of the latest committed mutation.
func (s *BankStore) CurrentGeneration(ctx context.Context) (uint64, error) {
	var state domain.StoreState
	if err := s.db.WithContext(ctx).First(&state, storeStateID).Error; err != nil {
		return 0, wrapStorage("current generation", err)
	}
	return state.Generation, nil
}

// notFound maps a missing row to ErrNotFound and passes other errors through.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrNotFound)
	}
	return err
}

func validRatio(r float64) bool {
	return !math.IsNaN(r) && r >= 0 && r <= 1
}

// CreateBank creates a bank with a fresh ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - name: bank name, upper-cased before storage.
//   - opts: optional ratio and threshold override.
// Returns:
//   - *domain.Bank: the created bank.
//   - error: ErrAlreadyExists if the name is taken (deleted banks keep their name).
func (s *BankStore) CreateBank(ctx context.Context, name string, opts BankOptions) (*domain.Bank, error) {
	normalized, err := domain.NormalizeBankName(name)
	if err != nil {
		return nil, err
	}
	bank := &domain.Bank{Name: normalized, MatchingEnabledRatio: 1}
	if opts.MatchingEnabledRatio != nil {
		if !validRatio(*opts.MatchingEnabledRatio) {
			return nil, fmt.Errorf("%w: matching_enabled_ratio must be within [0,1]", domain.ErrFormat)
		}
		bank.MatchingEnabledRatio = *opts.MatchingEnabledRatio
	}
	if opts.ThresholdOverride != nil {
		if *opts.ThresholdOverride < 0 {
			return nil, fmt.Errorf("%w: threshold override must be non-negative", domain.ErrFormat)
		}
		bank.ThresholdOverride = opts.ThresholdOverride
	}

	_, err = s.mutate(ctx, "create bank", func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error) {
		var taken int64
		if err := tx.Model(&domain.Bank{}).Where("name = ?", normalized).Count(&taken).Error; err != nil {
			return nil, err
		}
		if taken > 0 {
			return nil, fmt.Errorf("bank %s: %w", normalized, domain.ErrAlreadyExists)
		}
		bank.CreatedGen = gen
		if err := tx.Create(bank).Error; err != nil {
			return nil, err
		}
		return &domain.ChangeRecord{Kind: domain.ChangeBankCreated, BankID: bank.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	return bank, nil
}

// GetBank returns the live bank with the given name.
func (s *BankStore) GetBank(ctx context.Context, name string) (*domain.Bank, error) {
	normalized, err := domain.NormalizeBankName(name)
	if err != nil {
		return nil, err
	}
	var bank domain.Bank
	err = s.db.WithContext(ctx).Where("name = ? AND deleted_gen = 0", normalized).First(&bank).Error
	if err != nil {
		return nil, wrapStorage("get bank "+normalized, err)
	}
	return &bank, nil
}

// GetBankByID returns the live bank with the given ID.
func (s *BankStore) GetBankByID(ctx context.Context, id int64) (*domain.Bank, error) {
	var bank domain.Bank
	err := s.db.WithContext(ctx).Where("id = ? AND deleted_gen = 0", id).First(&bank).Error
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("get bank %d", id), err)
	}
	return &bank, nil
}

// ListBanks returns all live banks ordered by name.
func (s *BankStore) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	var banks []domain.Bank
	if err := s.db.WithContext(ctx).Where("deleted_gen = 0").Order("name").Find(&banks).Error; err != nil {
		return nil, wrapStorage("list banks", err)
	}
	return banks, nil
}

// UpdateBank applies a partial update to a live bank.
func (s *BankStore) UpdateBank(ctx context.Context, name string, upd BankUpdate) (*domain.Bank, error) {
	normalized, err := domain.NormalizeBankName(name)
	if err != nil {
		return nil, err
	}
	changes := map[string]interface{}{}
	if upd.Name != nil {
		newName, err := domain.NormalizeBankName(*upd.Name)
		if err != nil {
			return nil, err
		}
		if newName != normalized {
			changes["name"] = newName
		}
	}
	if upd.MatchingEnabledRatio != nil {
		if !validRatio(*upd.MatchingEnabledRatio) {
			return nil, fmt.Errorf("%w: matching_enabled_ratio must be within [0,1]", domain.ErrFormat)
		}
		changes["matching_enabled_ratio"] = *upd.MatchingEnabledRatio
	}
	switch {
	case upd.ClearThreshold:
		changes["threshold_override"] = nil
	case upd.ThresholdOverride != nil:
		if *upd.ThresholdOverride < 0 {
			return nil, fmt.Errorf("%w: threshold override must be non-negative", domain.ErrFormat)
		}
		changes["threshold_override"] = *upd.ThresholdOverride
	}

	var bank domain.Bank
	_, err = s.mutate(ctx, "update bank", func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error) {
		if err := tx.Where("name = ? AND deleted_gen = 0", normalized).First(&bank).Error; err != nil {
			return nil, notFound(err, "bank %s", normalized)
		}
		if len(changes) == 0 {
			return nil, errNoChange
		}
		if newName, ok := changes["name"]; ok {
			var taken int64
			if err := tx.Model(&domain.Bank{}).Where("name = ?", newName).Count(&taken).Error; err != nil {
				return nil, err
			}
			if taken > 0 {
				return nil, fmt.Errorf("bank %s: %w", newName, domain.ErrAlreadyExists)
			}
		}
		if err := tx.Model(&bank).Updates(changes).Error; err != nil {
			return nil, err
		}
		if err := tx.First(&bank, bank.ID).Error; err != nil {
			return nil, err
		}
		return &domain.ChangeRecord{Kind: domain.ChangeBankUpdated, BankID: bank.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	return &bank, nil
}

// DeleteBank soft-deletes a bank. Its members disappear from snapshots taken
// at or after the deletion generation.
func (s *BankStore) DeleteBank(ctx context.Context, name string) error {
	normalized, err := domain.NormalizeBankName(name)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, "delete bank", func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error) {
		var bank domain.Bank
		if err := tx.Where("name = ? AND deleted_gen = 0", normalized).First(&bank).Error; err != nil {
			return nil, notFound(err, "bank %s", normalized)
		}
		if err := tx.Model(&bank).Update("deleted_gen", gen).Error; err != nil {
			return nil, err
		}
		return &domain.ChangeRecord{Kind: domain.ChangeBankDeleted, BankID: bank.ID}, nil
	})
	return err
}

// AddMember stores a member with its signals in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - bankID: ID of a live bank.
//   - signals: validated fingerprints, at most one per signal type.
//   - metadata: opaque member metadata.
// Returns:
//   - *domain.BankMember: the committed member including its signals.
//   - error: ErrNotFound for an unknown bank, ErrFormat for empty or duplicate signals.
func (s *BankStore) AddMember(ctx context.Context, bankID int64, signals []SignalValue, metadata map[string]string) (*domain.BankMember, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("%w: member needs at least one signal", domain.ErrFormat)
	}
	seen := make(map[string]bool, len(signals))
	types := make([]string, 0, len(signals))
	for _, sv := range signals {
		if sv.Type == "" || sv.Value == "" {
			return nil, fmt.Errorf("%w: empty signal", domain.ErrFormat)
		}
		if seen[sv.Type] {
			return nil, fmt.Errorf("%w: duplicate signal type %s", domain.ErrFormat, sv.Type)
		}
		seen[sv.Type] = true
		types = append(types, sv.Type)
	}
	sort.Strings(types)

	member := &domain.BankMember{BankID: bankID, Metadata: domain.StringMap(metadata), Enabled: true}
	_, err := s.mutate(ctx, "add member", func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error) {
		var live int64
		if err := tx.Model(&domain.Bank{}).Where("id = ? AND deleted_gen = 0", bankID).Count(&live).Error; err != nil {
			return nil, err
		}
		if live == 0 {
			return nil, fmt.Errorf("bank %d: %w", bankID, domain.ErrNotFound)
		}
		member.CreatedGen = gen
		if err := tx.Omit("Signals").Create(member).Error; err != nil {
			return nil, err
		}
		member.Signals = make([]domain.MemberSignal, 0, len(signals))
		for _, sv := range signals {
			member.Signals = append(member.Signals, domain.MemberSignal{
				MemberID:   member.ID,
				SignalType: sv.Type,
				BankID:     bankID,
				Value:      sv.Value,
				Quality:    sv.Quality,
				CreatedGen: gen,
			})
		}
		if err := tx.Create(&member.Signals).Error; err != nil {
			return nil, err
		}
		return &domain.ChangeRecord{
			Kind:        domain.ChangeMemberAdded,
			BankID:      bankID,
			MemberID:    member.ID,
			SignalTypes: strings.Join(types, ","),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// GetMember returns a live member with its signals.
func (s *BankStore) GetMember(ctx context.Context, id int64) (*domain.BankMember, error) {
	var member domain.BankMember
	err := s.db.WithContext(ctx).Preload("Signals").
		Where("id = ? AND tombstoned_gen = 0", id).First(&member).Error
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("get member %d", id), err)
	}
	return &member, nil
}

// SetMemberEnabled flips the enabled flag of a live member. Disabled members
// stay indexed and are filtered at match time.
func (s *BankStore) SetMemberEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := s.mutate(ctx, "set member enabled", func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error) {
		var member domain.BankMember
		if err := tx.Where("id = ? AND tombstoned_gen = 0", id).First(&member).Error; err != nil {
			return nil, notFound(err, "member %d", id)
		}
		if member.Enabled == enabled {
			return nil, errNoChange
		}
		if err := tx.Model(&member).Update("enabled", enabled).Error; err != nil {
			return nil, err
		}
		kind := domain.ChangeMemberDisabled
		if enabled {
			kind = domain.ChangeMemberEnabled
		}
		return &domain.ChangeRecord{Kind: kind, BankID: member.BankID, MemberID: id}, nil
	})
	return err
}

// TombstoneMember removes a member from future snapshots. Tombstoning an
// already tombstoned member is a no-op.
func (s *BankStore) TombstoneMember(ctx context.Context, id int64) error {
	_, err := s.mutate(ctx, "tombstone member", func(tx *gorm.DB, gen uint64) (*domain.ChangeRecord, error) {
		var member domain.BankMember
		if err := tx.Preload("Signals").First(&member, id).Error; err != nil {
			return nil, notFound(err, "member %d", id)
		}
		if member.Tombstoned() {
			return nil, errNoChange
		}
		if err := tx.Model(&member).Update("tombstoned_gen", gen).Error; err != nil {
			return nil, err
		}
		types := make([]string, 0, len(member.Signals))
		for _, sig := range member.Signals {
			types = append(types, sig.SignalType)
		}
		sort.Strings(types)
		return &domain.ChangeRecord{
			Kind:        domain.ChangeMemberTombstone,
			BankID:      member.BankID,
			MemberID:    id,
			SignalTypes: strings.Join(types, ","),
		}, nil
	})
	return err
}

// ContentTypeCounts returns the number of live members per signal type for
// every live bank.
func (s *BankStore) ContentTypeCounts(ctx context.Context) (map[int64]map[string]int64, error) {
	var rows []struct {
		BankID     int64
		SignalType string
		N          int64
	}
	err := s.db.WithContext(ctx).Table("member_signals AS s").
		Select("s.bank_id, s.signal_type, COUNT(*) AS n").
		Joins("JOIN bank_members m ON m.id = s.member_id").
		Joins("JOIN banks b ON b.id = s.bank_id").
		Where("m.tombstoned_gen = 0 AND b.deleted_gen = 0").
		Group("s.bank_id, s.signal_type").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStorage("content type counts", err)
	}
	counts := make(map[int64]map[string]int64)
	for _, r := range rows {
		if counts[r.BankID] == nil {
			counts[r.BankID] = make(map[string]int64)
		}
		counts[r.BankID][r.SignalType] = r.N
	}
	return counts, nil
}

// FindMemberBySignal returns the ID of a live member of the bank holding the
// exact signal value, or zero when there is none.
func (s *BankStore) FindMemberBySignal(ctx context.Context, bankID int64, signalType, value string) (int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Table("member_signals AS s").
		Select("s.member_id").
		Joins("JOIN bank_members m ON m.id = s.member_id").
		Where("s.bank_id = ? AND s.signal_type = ? AND s.value = ? AND m.tombstoned_gen = 0", bankID, signalType, value).
		Order("s.member_id").
		Limit(1).
		Pluck("s.member_id", &ids).Error
	if err != nil {
		return 0, wrapStorage("find member by signal", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}
