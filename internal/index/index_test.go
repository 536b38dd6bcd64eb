package index

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/mediamatch/internal/domain"
)

var pdqParams = Params{SignalTypeID: 1, Partitions: 16, SubKeyBits: 16, Threshold: 31}

func randomCode(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return b
}

// perturb flips k distinct bits of code.
func perturb(rng *rand.Rand, code []byte, k int) []byte {
	out := append([]byte{}, code...)
	for _, bit := range rng.Perm(len(code) * 8)[:k] {
		out[bit/8] ^= 1 << (bit % 8)
	}
	return out
}

func buildIndex(t *testing.T, p Params, codes [][]byte) *Index {
	t.Helper()
	b, err := NewBuilder(p)
	require.NoError(t, err)
	for i, c := range codes {
		require.NoError(t, b.Add(int64(i+1), c))
	}
	return b.Build(7, time.UnixMilli(1_700_000_000_000))
}

func TestQueryRecallExactnessNoFalsePositives(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 99))
	codes := make([][]byte, 5000)
	for i := range codes {
		codes[i] = randomCode(rng, 32)
	}
	ix := buildIndex(t, pdqParams, codes)
	require.Equal(t, 5000, ix.Len())

	for trial := 0; trial < 300; trial++ {
		target := rng.IntN(len(codes))
		k := rng.IntN(pdqParams.Threshold + 1)
		q := perturb(rng, codes[target], k)

		matches, err := ix.Query(q, pdqParams.Threshold)
		require.NoError(t, err)

		found := false
		for _, m := range matches {
			assert.LessOrEqual(t, m.Distance, pdqParams.Threshold)
			assert.Equal(t, distance(q, codes[m.MemberID-1]), m.Distance)
			if m.MemberID == int64(target+1) {
				found = true
				assert.Equal(t, k, m.Distance)
			}
		}
		assert.True(t, found, "trial %d: member %d at distance %d not returned", trial, target+1, k)
	}
}

func TestQueryMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	base := randomCode(rng, 32)
	codes := make([][]byte, 400)
	for i := range codes {
		codes[i] = perturb(rng, base, rng.IntN(60))
	}
	ix := buildIndex(t, pdqParams, codes)

	for _, threshold := range []int{0, 10, 31, 47, 64} {
		matches, err := ix.Query(base, threshold)
		require.NoError(t, err)

		var want []Match
		for i, c := range codes {
			if d := distance(base, c); d <= threshold {
				want = append(want, Match{MemberID: int64(i + 1), Distance: d})
			}
		}
		sortMatches(want)
		if want == nil {
			want = []Match{}
		}
		assert.Equal(t, want, matches, "threshold %d", threshold)
	}
}

func TestQueryOrdering(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	base := randomCode(rng, 32)
	ix := buildIndex(t, pdqParams, [][]byte{
		perturb(rng, base, 5),
		base,
		perturb(rng, base, 2),
		base,
	})

	matches, err := ix.Query(base, 31)
	require.NoError(t, err)
	require.Len(t, matches, 4)
	assert.Equal(t, []Match{{2, 0}, {4, 0}, {3, 2}, {1, 5}}, matches)
}

func TestEmptyIndex(t *testing.T) {
	ix := buildIndex(t, pdqParams, nil)
	assert.Equal(t, 0, ix.Len())

	matches, err := ix.Query(make([]byte, 32), 31)
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
}

func TestSingleEntryZeroThreshold(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	code := randomCode(rng, 32)
	ix := buildIndex(t, pdqParams, [][]byte{code})

	matches, err := ix.Query(code, 0)
	require.NoError(t, err)
	assert.Equal(t, []Match{{MemberID: 1, Distance: 0}}, matches)

	matches, err = ix.Query(perturb(rng, code, 1), 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMaximumThresholdReturnsEverything(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	codes := make([][]byte, 50)
	for i := range codes {
		codes[i] = randomCode(rng, 32)
	}
	ix := buildIndex(t, pdqParams, codes)
	q := randomCode(rng, 32)

	matches, err := ix.Query(q, 256)
	require.NoError(t, err)
	require.Len(t, matches, 50)
	for _, m := range matches {
		assert.Equal(t, distance(q, codes[m.MemberID-1]), m.Distance)
	}
}

func TestDuplicateHandling(t *testing.T) {
	code := make([]byte, 32)
	code[0] = 0xab

	b, err := NewBuilder(pdqParams)
	require.NoError(t, err)
	require.NoError(t, b.Add(1, code))
	require.NoError(t, b.Add(1, code))
	require.NoError(t, b.Add(2, code))
	assert.Equal(t, 2, b.Len())

	ix := b.Build(1, time.Now())
	matches, err := ix.Query(code, 0)
	require.NoError(t, err)
	assert.Equal(t, []Match{{1, 0}, {2, 0}}, matches)
}

func TestInvalidInput(t *testing.T) {
	_, err := NewBuilder(Params{Partitions: 16, SubKeyBits: 16, Threshold: 257})
	assert.ErrorIs(t, err, domain.ErrFormat)

	_, err = NewBuilder(Params{Partitions: 4, SubKeyBits: 17})
	assert.ErrorIs(t, err, domain.ErrFormat)

	b, err := NewBuilder(pdqParams)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Add(1, make([]byte, 16)), domain.ErrFormat)

	ix := b.Build(0, time.Now())
	_, err = ix.Query(make([]byte, 31), 10)
	assert.ErrorIs(t, err, domain.ErrFormat)
	_, err = ix.Query(make([]byte, 32), 300)
	assert.ErrorIs(t, err, domain.ErrFormat)
	_, err = ix.Query(make([]byte, 32), -1)
	assert.ErrorIs(t, err, domain.ErrFormat)
}

func TestOtherLayouts(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{name: "md5 exact", params: Params{SignalTypeID: 2, Partitions: 8, SubKeyBits: 16, Threshold: 0}},
		{name: "byte partitions", params: Params{Partitions: 32, SubKeyBits: 8, Threshold: 40}},
		{name: "odd width", params: Params{Partitions: 8, SubKeyBits: 12, Threshold: 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(11, 12))
			codes := make([][]byte, 2000)
			for i := range codes {
				codes[i] = randomCode(rng, tt.params.CodeBytes())
			}
			ix := buildIndex(t, tt.params, codes)

			for trial := 0; trial < 50; trial++ {
				target := rng.IntN(len(codes))
				k := rng.IntN(tt.params.Threshold + 1)
				matches, err := ix.QueryDefault(perturb(rng, codes[target], k))
				require.NoError(t, err)
				assert.Contains(t, matches, Match{MemberID: int64(target + 1), Distance: k})
			}
		})
	}
}

func TestSubKeyAndNeighbours(t *testing.T) {
	code := []byte{0xab, 0xcd, 0xef, 0x12}
	assert.Equal(t, uint32(0xabcd), subKey(code, 0, 16))
	assert.Equal(t, uint32(0xef), subKey(code, 2, 8))
	assert.Equal(t, uint32(0xabc), subKey(code, 0, 12))
	assert.Equal(t, uint32(0xdef), subKey(code, 1, 12))

	seen := map[uint32]int{}
	forEachNeighbour(0x00ff, 16, 2, func(k uint32) { seen[k]++ })
	assert.Len(t, seen, ballSize(16, 2))
	assert.Equal(t, 1+16+120, ballSize(16, 2))
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %x visited twice", k)
	}
}
