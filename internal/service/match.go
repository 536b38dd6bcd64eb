package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/index"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/signal"
)

// MatchConfig holds configuration for the match service.
type MatchConfig struct {
	DefaultSeed       string
	SubmissionTimeout time.Duration
	BankCacheTTL      time.Duration
	ExpandRotations   bool
}

// MatchOptions narrows and gates a lookup.
type MatchOptions struct {
	Banks []string
	// Threshold replaces the signal type and bank thresholds when set.
	Threshold      *int
	Seed           string
	BypassCoinFlip bool
	// ContentID keys the coin-flip; the canonical signal is used when empty.
	ContentID string
	Rotations bool
}

// MatchResult is one admitted match.
type MatchResult struct {
	MemberID   int64  `json:"bank_content_id"`
	BankID     int64  `json:"bank_id"`
	BankName   string `json:"bank"`
	SignalType string `json:"signal_type"`
	Distance   int    `json:"distance"`
}

// SubmitRequest is content submitted for matching. Signals, when present,
// are used as-is and Content is not hashed.
type SubmitRequest struct {
	ContentID string
	Content   HashRequest
	Signals   map[string]string
	Options   MatchOptions
}

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	ContentID string            `json:"content_id"`
	Hashes    map[string]string `json:"hashes,omitempty"`
	Matches   []MatchResult     `json:"matches"`
}

// CompareResult is the distance between two signals and whether it is a match.
type CompareResult struct {
	Distance int  `json:"distance"`
	Match    bool `json:"match"`
}

// MatchService answers lookups against the live indexes and runs the
// submission pipeline.
type MatchService struct {
	registry    *signal.Registry
	settings    *SignalSettings
	cache       *IndexCache
	store       *repository.BankStore
	submissions *repository.SubmissionRepository
	hasher      *HashService
	sink        MatchSink
	logger      *logger.Logger
	cfg         MatchConfig
	banks       *bankCache

	onNotReady func(signal.Name)
}

// NewMatchService creates a new match service.
// Parameters:
//   - registry: registered signal types.
//   - settings: runtime signal type config.
//   - cache: live indexes.
//   - store: bank store used to resolve matched members.
//   - submissions: submission log.
//   - hasher: hash service used by Submit.
//   - sink: destination of match events; nil discards them.
//   - log: logger instance.
//   - cfg: match configuration.
// Returns:
//   - *MatchService: initialized match service.
func NewMatchService(
	registry *signal.Registry,
	settings *SignalSettings,
	cache *IndexCache,
	store *repository.BankStore,
	submissions *repository.SubmissionRepository,
	hasher *HashService,
	sink MatchSink,
	log *logger.Logger,
	cfg MatchConfig,
) *MatchService {
	if sink == nil {
		sink = MultiSink{}
	}
	return &MatchService{
		registry:    registry,
		settings:    settings,
		cache:       cache,
		store:       store,
		submissions: submissions,
		hasher:      hasher,
		sink:        sink,
		logger:      log.WithComponent("matcher"),
		cfg:         cfg,
		banks:       &bankCache{store: store, ttl: cfg.BankCacheTTL},
	}
}

// OnIndexNotReady registers a callback for queries that find no index,
// typically Indexer.Trigger.
func (s *MatchService) OnIndexNotReady(fn func(signal.Name)) {
	s.onNotReady = fn
}

// HandleChange drops cached bank attributes after bank mutations.
func (s *MatchService) HandleChange(rec domain.ChangeRecord) {
	switch rec.Kind {
	case domain.ChangeBankCreated, domain.ChangeBankUpdated, domain.ChangeBankDeleted:
		s.banks.invalidate()
	}
}

func (s *MatchService) enabledType(name string) (*signal.Capabilities, error) {
	caps, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !s.settings.Enabled(caps.Name) {
		return nil, fmt.Errorf("%s: %w", caps.Name, domain.ErrDisabled)
	}
	return caps, nil
}

func (s *MatchService) liveIndex(name signal.Name) (*index.Index, error) {
	ix := s.cache.Get(name)
	if ix == nil {
		if s.onNotReady != nil {
			s.onNotReady(name)
		}
		return nil, fmt.Errorf("%s: %w", name, domain.ErrIndexNotReady)
	}
	return ix, nil
}

// RawLookup queries the index directly: no bank resolution, no enable
// flags, no coin-flip.
func (s *MatchService) RawLookup(ctx context.Context, signalType, value string, threshold *int) ([]index.Match, error) {
	caps, err := s.enabledType(signalType)
	if err != nil {
		return nil, err
	}
	code, err := caps.Parse(value)
	if err != nil {
		return nil, err
	}
	ix, err := s.liveIndex(caps.Name)
	if err != nil {
		return nil, err
	}
	tau := s.settings.Threshold(caps.Name)
	if threshold != nil {
		tau = *threshold
	}
	return ix.Query(code, tau)
}

// Lookup matches a signal against the banks.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - signalType: registry name of the signal type.
//   - value: signal in text form.
//   - opts: bank filter, threshold, coin-flip controls.
// Returns:
//   - []MatchResult: admitted matches ordered by distance then member ID.
//   - error: ErrFormat, ErrDisabled, ErrNotFound (bank filter), ErrIndexNotReady or ErrStorage.
func (s *MatchService) Lookup(ctx context.Context, signalType, value string, opts MatchOptions) ([]MatchResult, error) {
	caps, err := s.enabledType(signalType)
	if err != nil {
		return nil, err
	}
	code, err := caps.Parse(value)
	if err != nil {
		return nil, err
	}
	return s.lookupCode(ctx, caps, code, opts)
}

func (s *MatchService) lookupCode(ctx context.Context, caps *signal.Capabilities, code []byte, opts MatchOptions) ([]MatchResult, error) {
	ix, err := s.liveIndex(caps.Name)
	if err != nil {
		return nil, err
	}

	snap, err := s.banks.get(ctx)
	if err != nil {
		return nil, err
	}
	var filter map[string]bool
	if len(opts.Banks) > 0 {
		filter = make(map[string]bool, len(opts.Banks))
		for _, b := range opts.Banks {
			name, err := domain.NormalizeBankName(b)
			if err != nil {
				return nil, err
			}
			if !snap.names[name] {
				return nil, fmt.Errorf("bank %s: %w", name, domain.ErrNotFound)
			}
			filter[name] = true
		}
	}

	typeTau := s.settings.Threshold(caps.Name)
	queryTau := typeTau
	explicit := opts.Threshold != nil
	if explicit {
		queryTau = *opts.Threshold
		if queryTau < 0 || queryTau > caps.CodeBits {
			return nil, fmt.Errorf("%w: threshold %d out of range [0,%d]", domain.ErrFormat, queryTau, caps.CodeBits)
		}
	} else if snap.maxOverride > queryTau {
		queryTau = min(snap.maxOverride, caps.CodeBits)
	}

	raw, err := s.query(ix, caps, code, queryTau, opts.Rotations || s.cfg.ExpandRotations)
	if err != nil {
		return nil, err
	}
	results := make([]MatchResult, 0, len(raw))
	if len(raw) == 0 {
		return results, nil
	}

	ids := make([]int64, len(raw))
	for i, m := range raw {
		ids[i] = m.MemberID
	}
	members, err := s.store.ResolveMembers(ctx, ids)
	if err != nil {
		return nil, err
	}

	contentID := opts.ContentID
	if contentID == "" {
		contentID = caps.Format(code)
	}
	seed := opts.Seed
	if seed == "" {
		seed = s.cfg.DefaultSeed
	}

	for _, m := range raw {
		info, ok := members[m.MemberID]
		if !ok || !info.Enabled {
			continue
		}
		if filter != nil && !filter[info.BankName] {
			continue
		}
		limit := queryTau
		if !explicit {
			limit = typeTau
			if info.ThresholdOverride != nil {
				limit = *info.ThresholdOverride
			}
		}
		if m.Distance > limit {
			continue
		}
		if !opts.BypassCoinFlip && !Admit(seed, info.BankID, contentID, info.MatchingEnabledRatio) {
			continue
		}
		results = append(results, MatchResult{
			MemberID:   m.MemberID,
			BankID:     info.BankID,
			BankName:   info.BankName,
			SignalType: string(caps.Name),
			Distance:   m.Distance,
		})
	}
	return results, nil
}

// query runs the index query, optionally for every dihedral variant of a
// PDQ code, keeping the smallest distance per member.
func (s *MatchService) query(ix *index.Index, caps *signal.Capabilities, code []byte, tau int, rotations bool) ([]index.Match, error) {
	matches, err := ix.Query(code, tau)
	if err != nil || !rotations || caps.Name != signal.PDQ {
		return matches, err
	}

	var h signal.Hash256
	copy(h[:], code)
	best := make(map[int64]int, len(matches))
	for _, m := range matches {
		best[m.MemberID] = m.Distance
	}
	for _, variant := range signal.Rotations(h) {
		more, err := ix.Query(variant.Bytes(), tau)
		if err != nil {
			return nil, err
		}
		for _, m := range more {
			if d, ok := best[m.MemberID]; !ok || m.Distance < d {
				best[m.MemberID] = m.Distance
			}
		}
	}

	merged := make([]index.Match, 0, len(best))
	for id, d := range best {
		merged = append(merged, index.Match{MemberID: id, Distance: d})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Distance != merged[j].Distance {
			return merged[i].Distance < merged[j].Distance
		}
		return merged[i].MemberID < merged[j].MemberID
	})
	return merged, nil
}

// Compare returns the distance between two signals of one type.
func (s *MatchService) Compare(signalType, a, b string) (*CompareResult, error) {
	caps, err := s.registry.Lookup(signalType)
	if err != nil {
		return nil, err
	}
	d, err := caps.Compare(a, b)
	if err != nil {
		return nil, err
	}
	return &CompareResult{Distance: d, Match: d <= s.settings.Threshold(caps.Name)}, nil
}

// Submit hashes content (unless signals are supplied), records the
// submission, matches every signal and emits the admitted matches.
// The submission is persisted before any event is emitted.
func (s *MatchService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if s.cfg.SubmissionTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.SubmissionTimeout)
			defer cancel()
		}
	}
	contentID := req.ContentID
	if contentID == "" {
		contentID = uuid.NewString()
	}
	ctx = logger.SetContentID(ctx, contentID)

	codes, hashes, err := s.signalsFor(ctx, contentID, req)
	if err != nil {
		return nil, err
	}

	rows := make([]domain.Submission, 0, len(codes))
	names := make([]signal.Name, 0, len(codes))
	for name := range codes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, name := range names {
		caps, _ := s.registry.Get(name)
		rows = append(rows, domain.Submission{
			ContentID:  contentID,
			SignalType: string(name),
			Value:      caps.Format(codes[name]),
			Status:     domain.SubmissionHashed,
			SourceURL:  req.Content.URL,
		})
	}
	if err := s.submissions.Record(ctx, rows); err != nil {
		return nil, err
	}

	opts := req.Options
	opts.ContentID = contentID
	result := &SubmitResult{ContentID: contentID, Hashes: hashes, Matches: []MatchResult{}}
	for _, name := range names {
		caps, _ := s.registry.Get(name)
		matches, err := s.lookupCode(ctx, caps, codes[name], opts)
		if err != nil {
			return nil, err
		}
		result.Matches = append(result.Matches, matches...)
	}

	if len(result.Matches) > 0 {
		now := time.Now().UTC()
		events := make([]MatchEvent, len(result.Matches))
		for i, m := range result.Matches {
			events[i] = MatchEvent{
				ContentID:  contentID,
				BankID:     m.BankID,
				BankName:   m.BankName,
				MemberID:   m.MemberID,
				SignalType: m.SignalType,
				Distance:   m.Distance,
				MatchedAt:  now,
			}
		}
		if err := s.sink.Emit(ctx, events); err != nil {
			s.logger.WithField(logger.FieldContentID, contentID).WithError(err).Warn("Failed to deliver match events")
		}
	}
	return result, nil
}

// signalsFor parses supplied signals or hashes the content. A hashing
// failure is recorded as hash_failed before it is returned.
func (s *MatchService) signalsFor(ctx context.Context, contentID string, req SubmitRequest) (map[signal.Name][]byte, map[string]string, error) {
	codes := make(map[signal.Name][]byte)
	if len(req.Signals) > 0 {
		for t, v := range req.Signals {
			caps, err := s.enabledType(t)
			if err != nil {
				return nil, nil, err
			}
			code, err := caps.Parse(v)
			if err != nil {
				return nil, nil, err
			}
			codes[caps.Name] = code
		}
		return codes, nil, nil
	}

	res, err := s.hasher.Hash(ctx, req.Content)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: hashing did not finish: %v", domain.ErrDeadline, err)
		}
		if errors.Is(err, domain.ErrDecode) || errors.Is(err, domain.ErrHash) || errors.Is(err, domain.ErrFetchFailed) {
			s.recordFailure(ctx, contentID, req.Content.URL, err)
		}
		return nil, nil, err
	}
	for name, fp := range res.Fingerprints {
		codes[name] = fp.Code
	}
	return codes, res.Hex(s.registry), nil
}

func (s *MatchService) recordFailure(ctx context.Context, contentID, url string, cause error) {
	row := domain.Submission{
		ContentID: contentID,
		Status:    domain.SubmissionHashFailed,
		Error:     cause.Error(),
		SourceURL: url,
	}
	if err := s.submissions.Record(context.WithoutCancel(ctx), []domain.Submission{row}); err != nil {
		s.logger.WithField(logger.FieldContentID, contentID).WithError(err).Error("Failed to record hash failure")
	}
}

// bankCache keeps the live bank names and the largest threshold override
// for a short TTL.
type bankCache struct {
	store *repository.BankStore
	ttl   time.Duration

	mu       sync.Mutex
	snap     *bankSnapshot
	loadedAt time.Time
}

type bankSnapshot struct {
	names       map[string]bool
	maxOverride int
}

func (c *bankCache) get(ctx context.Context) (*bankSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap != nil && c.ttl > 0 && time.Since(c.loadedAt) < c.ttl {
		return c.snap, nil
	}
	banks, err := c.store.ListBanks(ctx)
	if err != nil {
		return nil, err
	}
	snap := &bankSnapshot{names: make(map[string]bool, len(banks)), maxOverride: -1}
	for _, b := range banks {
		snap.names[b.Name] = true
		if b.ThresholdOverride != nil && *b.ThresholdOverride > snap.maxOverride {
			snap.maxOverride = *b.ThresholdOverride
		}
	}
	c.snap, c.loadedAt = snap, time.Now()
	return snap, nil
}

func (c *bankCache) invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}
