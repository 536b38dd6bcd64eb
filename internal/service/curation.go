package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/signal"
)

// BankView is a bank with its per signal type member counts.
type BankView struct {
	domain.Bank
	ContentTypeCounts map[string]int64 `json:"content_type_counts"`
}

// ContentView is the curation view of a bank member.
type ContentView struct {
	ID         int64             `json:"id"`
	Bank       string            `json:"bank"`
	Enabled    bool              `json:"enabled"`
	Signals    map[string]string `json:"signals"`
	Metadata   map[string]string `json:"metadata"`
	CreatedGen uint64            `json:"created_generation"`
}

// CurationService manages banks and their content.
type CurationService struct {
	store    *repository.BankStore
	registry *signal.Registry
	hasher   *HashService
	logger   *logger.Logger
}

// NewCurationService creates a new curation service.
func NewCurationService(store *repository.BankStore, registry *signal.Registry, hasher *HashService, log *logger.Logger) *CurationService {
	return &CurationService{
		store:    store,
		registry: registry,
		hasher:   hasher,
		logger:   log.WithComponent("curation"),
	}
}

func (s *CurationService) view(bank *domain.Bank, counts map[int64]map[string]int64) *BankView {
	c := counts[bank.ID]
	if c == nil {
		c = map[string]int64{}
	}
	return &BankView{Bank: *bank, ContentTypeCounts: c}
}

// CreateBank creates an empty bank.
func (s *CurationService) CreateBank(ctx context.Context, name string, opts repository.BankOptions) (*BankView, error) {
	bank, err := s.store.CreateBank(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	s.logger.WithField(logger.FieldBank, bank.Name).Info("Bank created")
	return s.view(bank, nil), nil
}

// ListBanks returns every live bank.
func (s *CurationService) ListBanks(ctx context.Context) ([]BankView, error) {
	banks, err := s.store.ListBanks(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.ContentTypeCounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BankView, 0, len(banks))
	for i := range banks {
		out = append(out, *s.view(&banks[i], counts))
	}
	return out, nil
}

// GetBank returns one live bank.
func (s *CurationService) GetBank(ctx context.Context, name string) (*BankView, error) {
	bank, err := s.store.GetBank(ctx, name)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.ContentTypeCounts(ctx)
	if err != nil {
		return nil, err
	}
	return s.view(bank, counts), nil
}

// UpdateBank renames a bank or changes its ratio or threshold override.
func (s *CurationService) UpdateBank(ctx context.Context, name string, upd repository.BankUpdate) (*BankView, error) {
	bank, err := s.store.UpdateBank(ctx, name, upd)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.ContentTypeCounts(ctx)
	if err != nil {
		return nil, err
	}
	return s.view(bank, counts), nil
}

// DeleteBank soft-deletes a bank.
func (s *CurationService) DeleteBank(ctx context.Context, name string) error {
	if err := s.store.DeleteBank(ctx, name); err != nil {
		return err
	}
	s.logger.WithField(logger.FieldBank, strings.ToUpper(name)).Info("Bank deleted")
	return nil
}

// ParseSignals validates signals in text form and returns them canonicalized,
// ordered by type.
func (s *CurationService) ParseSignals(signals map[string]string) ([]repository.SignalValue, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("%w: at least one signal is required", domain.ErrFormat)
	}
	out := make([]repository.SignalValue, 0, len(signals))
	for t, v := range signals {
		caps, err := s.registry.Lookup(t)
		if err != nil {
			return nil, err
		}
		canonical, err := caps.Canonical(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		out = append(out, repository.SignalValue{Type: string(caps.Name), Value: canonical, Quality: 100})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// AddSignals adds a member to a bank from precomputed signals.
func (s *CurationService) AddSignals(ctx context.Context, bankName string, signals map[string]string, metadata map[string]string) (*ContentView, error) {
	values, err := s.ParseSignals(signals)
	if err != nil {
		return nil, err
	}
	bank, err := s.store.GetBank(ctx, bankName)
	if err != nil {
		return nil, err
	}
	return s.AddValues(ctx, bank, values, metadata)
}

// AddContent hashes content and adds the result to a bank.
func (s *CurationService) AddContent(ctx context.Context, bankName string, req HashRequest, metadata map[string]string) (*ContentView, error) {
	bank, err := s.store.GetBank(ctx, bankName)
	if err != nil {
		return nil, err
	}
	values, err := s.HashValues(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.AddValues(ctx, bank, values, metadata)
}

// HashValues hashes content into canonical signal values ordered by type.
func (s *CurationService) HashValues(ctx context.Context, req HashRequest) ([]repository.SignalValue, error) {
	res, err := s.hasher.Hash(ctx, req)
	if err != nil {
		return nil, err
	}
	values := make([]repository.SignalValue, 0, len(res.Fingerprints))
	for name, fp := range res.Fingerprints {
		caps, _ := s.registry.Get(name)
		values = append(values, repository.SignalValue{Type: string(name), Value: caps.Format(fp.Code), Quality: fp.Quality})
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Type < values[j].Type })
	return values, nil
}

// EnsureBank returns the live bank with the given name, creating it when
// create is set and it does not exist.
func (s *CurationService) EnsureBank(ctx context.Context, name string, create bool) (*domain.Bank, error) {
	bank, err := s.store.GetBank(ctx, name)
	if err == nil || !create || !errors.Is(err, domain.ErrNotFound) {
		return bank, err
	}
	bank, err = s.store.CreateBank(ctx, name, repository.BankOptions{})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return s.store.GetBank(ctx, name)
	}
	if err == nil {
		s.logger.WithField(logger.FieldBank, bank.Name).Info("Bank created")
	}
	return bank, err
}

// AddValues adds a member to a bank from already canonical signals.
func (s *CurationService) AddValues(ctx context.Context, bank *domain.Bank, values []repository.SignalValue, metadata map[string]string) (*ContentView, error) {
	member, err := s.store.AddMember(ctx, bank.ID, values, metadata)
	if err != nil {
		return nil, err
	}
	return contentView(bank.Name, member), nil
}

// FindExisting returns the ID of a live member of the bank that already
// holds one of values, or zero.
func (s *CurationService) FindExisting(ctx context.Context, bankID int64, values []repository.SignalValue) (int64, error) {
	for _, v := range values {
		id, err := s.store.FindMemberBySignal(ctx, bankID, v.Type, v.Value)
		if err != nil || id != 0 {
			return id, err
		}
	}
	return 0, nil
}

// GetContent returns a live member of the named bank.
func (s *CurationService) GetContent(ctx context.Context, bankName string, id int64) (*ContentView, error) {
	bank, member, err := s.memberOf(ctx, bankName, id)
	if err != nil {
		return nil, err
	}
	return contentView(bank.Name, member), nil
}

// SetContentEnabled enables or disables matching against a member.
func (s *CurationService) SetContentEnabled(ctx context.Context, bankName string, id int64, enabled bool) (*ContentView, error) {
	bank, member, err := s.memberOf(ctx, bankName, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMemberEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	member.Enabled = enabled
	return contentView(bank.Name, member), nil
}

// RemoveContent tombstones a member.
func (s *CurationService) RemoveContent(ctx context.Context, bankName string, id int64) error {
	if _, _, err := s.memberOf(ctx, bankName, id); err != nil {
		return err
	}
	return s.store.TombstoneMember(ctx, id)
}

func (s *CurationService) memberOf(ctx context.Context, bankName string, id int64) (*domain.Bank, *domain.BankMember, error) {
	bank, err := s.store.GetBank(ctx, bankName)
	if err != nil {
		return nil, nil, err
	}
	member, err := s.store.GetMember(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if member.BankID != bank.ID {
		return nil, nil, fmt.Errorf("content %d in bank %s: %w", id, bank.Name, domain.ErrNotFound)
	}
	return bank, member, nil
}

func contentView(bankName string, m *domain.BankMember) *ContentView {
	v := &ContentView{
		ID:         m.ID,
		Bank:       bankName,
		Enabled:    m.Enabled,
		Signals:    make(map[string]string, len(m.Signals)),
		Metadata:   map[string]string(m.Metadata),
		CreatedGen: m.CreatedGen,
	}
	if v.Metadata == nil {
		v.Metadata = map[string]string{}
	}
	for _, sig := range m.Signals {
		v.Signals[sig.SignalType] = sig.Value
	}
	return v
}
