package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
)

const sampleHex = "f8f8f0cee0f4a84f06370a22038f63f0b36e2ed596621e1d33e6b39c4e9c9b22"

func newTestStore(t *testing.T) *BankStore {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "bank.db"),
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	}, logger.New(&logger.Config{Level: "error", Output: io.Discard}))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewBankStore(db)
}

func pdq(hex string) []SignalValue {
	return []SignalValue{{Type: "pdq", Value: hex, Quality: 100}}
}

func enumerate(t *testing.T, s *BankStore, signalType string, gen uint64, batch int) []SignalEntry {
	t.Helper()
	var out []SignalEntry
	require.NoError(t, s.EnumerateForSignal(context.Background(), signalType, gen, batch, func(e SignalEntry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestCreateBank(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bank, err := s.CreateBank(ctx, "test_bank", BankOptions{})
	require.NoError(t, err)
	assert.Equal(t, "TEST_BANK", bank.Name)
	assert.Equal(t, 1.0, bank.MatchingEnabledRatio)
	assert.NotZero(t, bank.ID)

	_, err = s.CreateBank(ctx, "TEST_BANK", BankOptions{})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = s.CreateBank(ctx, "bad name!", BankOptions{})
	assert.ErrorIs(t, err, domain.ErrFormat)

	ratio := 1.5
	_, err = s.CreateBank(ctx, "OTHER", BankOptions{MatchingEnabledRatio: &ratio})
	assert.ErrorIs(t, err, domain.ErrFormat)

	got, err := s.GetBank(ctx, "test_bank")
	require.NoError(t, err)
	assert.Equal(t, bank.ID, got.ID)
}

func TestDeletedBankKeepsName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	require.NoError(t, s.DeleteBank(ctx, "A"))

	_, err = s.GetBank(ctx, "A")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteBank(ctx, "A"), domain.ErrNotFound)

	_, err = s.CreateBank(ctx, "A", BankOptions{})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	banks, err := s.ListBanks(ctx)
	require.NoError(t, err)
	assert.Empty(t, banks)
}

func TestUpdateBank(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	_, err = s.CreateBank(ctx, "B", BankOptions{})
	require.NoError(t, err)

	ratio, threshold := 0.25, 10
	bank, err := s.UpdateBank(ctx, "a", BankUpdate{MatchingEnabledRatio: &ratio, ThresholdOverride: &threshold})
	require.NoError(t, err)
	assert.Equal(t, 0.25, bank.MatchingEnabledRatio)
	require.NotNil(t, bank.ThresholdOverride)
	assert.Equal(t, 10, *bank.ThresholdOverride)

	bank, err = s.UpdateBank(ctx, "A", BankUpdate{ClearThreshold: true})
	require.NoError(t, err)
	assert.Nil(t, bank.ThresholdOverride)

	taken := "b"
	_, err = s.UpdateBank(ctx, "A", BankUpdate{Name: &taken})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	renamed := "c"
	bank, err = s.UpdateBank(ctx, "A", BankUpdate{Name: &renamed})
	require.NoError(t, err)
	assert.Equal(t, "C", bank.Name)

	_, err = s.UpdateBank(ctx, "MISSING", BankUpdate{Name: &renamed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGenerationIncrementsOnEveryMutation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	gen, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)

	var hooked []domain.ChangeKind
	s.OnChange(func(_ context.Context, rec domain.ChangeRecord) { hooked = append(hooked, rec.Kind) })

	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	m, err := s.AddMember(ctx, bank.ID, pdq(sampleHex), map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, s.SetMemberEnabled(ctx, m.ID, false))
	require.NoError(t, s.SetMemberEnabled(ctx, m.ID, false))
	require.NoError(t, s.TombstoneMember(ctx, m.ID))

	gen, err = s.CurrentGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), gen)
	assert.Equal(t, []domain.ChangeKind{
		domain.ChangeBankCreated,
		domain.ChangeMemberAdded,
		domain.ChangeMemberDisabled,
		domain.ChangeMemberTombstone,
	}, hooked)
}

func TestAddMember(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)

	m, err := s.AddMember(ctx, bank.ID, []SignalValue{
		{Type: "pdq", Value: sampleHex, Quality: 90},
		{Type: "video_md5", Value: "d41d8cd98f00b204e9800998ecf8427e", Quality: 100},
	}, map[string]string{"source": "test"})
	require.NoError(t, err)

	got, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, bank.ID, got.BankID)
	assert.True(t, got.Enabled)
	assert.Equal(t, "test", got.Metadata["source"])
	assert.Len(t, got.Signals, 2)

	_, err = s.AddMember(ctx, 999, pdq(sampleHex), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.AddMember(ctx, bank.ID, nil, nil)
	assert.ErrorIs(t, err, domain.ErrFormat)

	_, err = s.AddMember(ctx, bank.ID, append(pdq(sampleHex), pdq(sampleHex)...), nil)
	assert.ErrorIs(t, err, domain.ErrFormat)

	counts, err := s.ContentTypeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"pdq": 1, "video_md5": 1}, counts[bank.ID])
}

func TestFailedAddMemberLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	before, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)

	// A vanished bank fails the transaction after the generation bump.
	_, err = s.AddMember(ctx, bank.ID+1, pdq(sampleHex), nil)
	require.Error(t, err)

	after, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	var members int64
	require.NoError(t, s.DB().Model(&domain.BankMember{}).Count(&members).Error)
	assert.Zero(t, members)
}

func TestTombstoneIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	m, err := s.AddMember(ctx, bank.ID, pdq(sampleHex), nil)
	require.NoError(t, err)

	require.NoError(t, s.TombstoneMember(ctx, m.ID))
	gen, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)

	require.NoError(t, s.TombstoneMember(ctx, m.ID))
	again, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, gen, again)

	_, err = s.GetMember(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.TombstoneMember(ctx, 12345), domain.ErrNotFound)
}

func TestEnumerateSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	b, err := s.CreateBank(ctx, "B", BankOptions{})
	require.NoError(t, err)

	var early []int64
	for i := 0; i < 5; i++ {
		bank := a
		if i%2 == 1 {
			bank = b
		}
		m, err := s.AddMember(ctx, bank.ID, pdq(fmt.Sprintf("%064x", i)), nil)
		require.NoError(t, err)
		early = append(early, m.ID)
	}
	snap, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)

	for i := 5; i < 10; i++ {
		_, err := s.AddMember(ctx, a.ID, pdq(fmt.Sprintf("%064x", i)), nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.TombstoneMember(ctx, early[0]))
	require.NoError(t, s.DeleteBank(ctx, "B"))

	// The snapshot still sees the tombstoned member and the deleted bank.
	entries := enumerate(t, s, "pdq", snap, 2)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		assert.True(t, prev.BankID < cur.BankID || (prev.BankID == cur.BankID && prev.MemberID < cur.MemberID))
	}
	seen := map[int64]bool{}
	for _, e := range entries {
		seen[e.MemberID] = true
	}
	for _, id := range early {
		assert.True(t, seen[id])
	}

	now, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)
	current := enumerate(t, s, "pdq", now, 3)
	assert.Len(t, current, 7)
	for _, e := range current {
		assert.Equal(t, a.ID, e.BankID)
		assert.NotEqual(t, early[0], e.MemberID)
	}

	n, err := s.CountForSignal(ctx, "pdq", now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	assert.Empty(t, enumerate(t, s, "video_md5", now, 0))
}

func TestEnumerateStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AddMember(ctx, bank.ID, pdq(fmt.Sprintf("%064x", i)), nil)
		require.NoError(t, err)
	}
	gen, err := s.CurrentGeneration(ctx)
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = s.EnumerateForSignal(ctx, "pdq", gen, 10, func(SignalEntry) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestChangesSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	m1, err := s.AddMember(ctx, bank.ID, pdq(sampleHex), nil)
	require.NoError(t, err)
	m2, err := s.AddMember(ctx, bank.ID, []SignalValue{{Type: "video_md5", Value: "d41d8cd98f00b204e9800998ecf8427e"}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.TombstoneMember(ctx, m1.ID))

	cs, err := s.ChangesSince(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cs.From)
	assert.Equal(t, uint64(4), cs.To)
	require.Len(t, cs.Records, 3)
	assert.Equal(t, []int64{m1.ID, m2.ID}, cs.Inserts())
	assert.Equal(t, []int64{m1.ID}, cs.Tombstones())
	assert.True(t, cs.Touches("pdq"))
	assert.True(t, cs.Touches("video_md5"))

	cs, err = s.ChangesSince(ctx, 3)
	require.NoError(t, err)
	assert.True(t, cs.Touches("pdq"))
	assert.False(t, cs.Touches("video_md5"))

	cs, err = s.ChangesSince(ctx, 4)
	require.NoError(t, err)
	assert.True(t, cs.Empty())

	// Enable flags never invalidate an index.
	require.NoError(t, s.SetMemberEnabled(ctx, m2.ID, false))
	cs, err = s.ChangesSince(ctx, 4)
	require.NoError(t, err)
	assert.False(t, cs.Empty())
	assert.False(t, cs.Touches("video_md5"))
}

func TestTruncateChangeLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := s.AddMember(ctx, bank.ID, pdq(fmt.Sprintf("%064x", i)), nil)
		require.NoError(t, err)
	}

	deleted, err := s.TruncateChangeLog(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	_, err = s.ChangesSince(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrFullRebuildRequired)

	cs, err := s.ChangesSince(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, cs.Records, 2)

	deleted, err = s.TruncateChangeLog(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestResolveMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	threshold := 12
	a, err := s.CreateBank(ctx, "A", BankOptions{ThresholdOverride: &threshold})
	require.NoError(t, err)
	b, err := s.CreateBank(ctx, "B", BankOptions{})
	require.NoError(t, err)
	m1, err := s.AddMember(ctx, a.ID, pdq(sampleHex), nil)
	require.NoError(t, err)
	m2, err := s.AddMember(ctx, b.ID, pdq(sampleHex), nil)
	require.NoError(t, err)
	m3, err := s.AddMember(ctx, a.ID, pdq(sampleHex), nil)
	require.NoError(t, err)
	require.NoError(t, s.SetMemberEnabled(ctx, m3.ID, false))
	require.NoError(t, s.DeleteBank(ctx, "B"))

	infos, err := s.ResolveMembers(ctx, []int64{m1.ID, m2.ID, m3.ID, 777})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "A", infos[m1.ID].BankName)
	require.NotNil(t, infos[m1.ID].ThresholdOverride)
	assert.Equal(t, 12, *infos[m1.ID].ThresholdOverride)
	assert.True(t, infos[m1.ID].Enabled)
	assert.False(t, infos[m3.ID].Enabled)
}

func TestConcurrentMutationsGetDistinctGenerations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bank, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AddMember(ctx, bank.ID, pdq(fmt.Sprintf("%064x", i)), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cs, err := s.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, cs.Records, 21)
	for i, r := range cs.Records {
		assert.Equal(t, uint64(i+1), r.Generation)
	}
}

func TestSignalTypeConfigs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SeedSignalTypeConfigs(ctx, []domain.SignalTypeConfig{
		{Name: "pdq", Enabled: true, Threshold: 31},
		{Name: "video_md5", Enabled: true, Threshold: 0},
	}))
	threshold := 20
	cfg, err := s.UpdateSignalTypeConfig(ctx, "pdq", nil, &threshold)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Threshold)
	assert.True(t, cfg.Enabled)

	// Seeding again keeps the runtime change.
	require.NoError(t, s.SeedSignalTypeConfigs(ctx, []domain.SignalTypeConfig{{Name: "pdq", Enabled: true, Threshold: 31}}))
	cfgs, err := s.ListSignalTypeConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, 20, cfgs[0].Threshold)

	disabled := false
	_, err = s.UpdateSignalTypeConfig(ctx, "video_md5", &disabled, nil)
	require.NoError(t, err)
	got, err := s.GetSignalTypeConfig(ctx, "video_md5")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	_, err = s.UpdateSignalTypeConfig(ctx, "tlsh", &disabled, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindMemberBySignal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.CreateBank(ctx, "A", BankOptions{})
	require.NoError(t, err)
	b, err := s.CreateBank(ctx, "B", BankOptions{})
	require.NoError(t, err)

	m, err := s.AddMember(ctx, a.ID, pdq(sampleHex), nil)
	require.NoError(t, err)

	id, err := s.FindMemberBySignal(ctx, a.ID, "pdq", sampleHex)
	require.NoError(t, err)
	assert.Equal(t, m.ID, id)

	id, err = s.FindMemberBySignal(ctx, b.ID, "pdq", sampleHex)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.TombstoneMember(ctx, m.ID))
	id, err = s.FindMemberBySignal(ctx, a.ID, "pdq", sampleHex)
	require.NoError(t, err)
	assert.Zero(t, id)
}
