package index

import (
	"fmt"
	"math"
	"time"

	"github.com/timmy/mediamatch/internal/domain"
)

type entryKey struct {
	id   int64
	code string
}

// Builder accumulates (member ID, code) pairs and produces an Index.
// The same pairs added in the same order always produce the same Index.
// A Builder is not safe for concurrent use.
type Builder struct {
	params Params
	codes  []byte
	ids    []int64
	seen   map[entryKey]struct{}
}

// NewBuilder validates p and returns an empty Builder.
func NewBuilder(p Params) (*Builder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Builder{params: p, seen: make(map[entryKey]struct{})}, nil
}

// Add appends one entry. Repeating an identical (member ID, code) pair is a
// no-op; the same code under different member IDs is kept.
func (b *Builder) Add(memberID int64, code []byte) error {
	if len(code) != b.params.CodeBytes() {
		return fmt.Errorf("%w: code is %d bytes, want %d", domain.ErrFormat, len(code), b.params.CodeBytes())
	}
	if len(b.ids) >= math.MaxUint32 {
		return fmt.Errorf("%w: index is full", domain.ErrBuild)
	}
	key := entryKey{id: memberID, code: string(code)}
	if _, dup := b.seen[key]; dup {
		return nil
	}
	b.seen[key] = struct{}{}
	b.codes = append(b.codes, code...)
	b.ids = append(b.ids, memberID)
	return nil
}

// Len returns the number of distinct entries added so far.
func (b *Builder) Len() int { return len(b.ids) }

// Build lays out the partition tables with a counting sort. The Builder must
// not be reused afterwards.
func (b *Builder) Build(generation uint64, builtAt time.Time) *Index {
	n := len(b.ids)
	B, w := b.params.Partitions, b.params.SubKeyBits
	buckets := 1 << w
	cb := b.params.CodeBytes()

	ix := &Index{
		params:     b.params,
		generation: generation,
		builtAt:    time.UnixMilli(builtAt.UnixMilli()).UTC(),
		count:      n,
		codes:      b.codes,
		ids:        b.ids,
		offsets:    make([][]uint32, B),
		postings:   make([][]uint32, B),
	}
	if ix.codes == nil {
		ix.codes = []byte{}
		ix.ids = []int64{}
	}

	keys := make([]uint32, n)
	for p := 0; p < B; p++ {
		offsets := make([]uint32, buckets+1)
		for i := 0; i < n; i++ {
			k := subKey(ix.codes[i*cb:(i+1)*cb], p, w)
			keys[i] = k
			offsets[k+1]++
		}
		for k := 1; k <= buckets; k++ {
			offsets[k] += offsets[k-1]
		}

		postings := make([]uint32, n)
		cursor := make([]uint32, buckets)
		copy(cursor, offsets[:buckets])
		for i := 0; i < n; i++ {
			k := keys[i]
			postings[cursor[k]] = uint32(i)
			cursor[k]++
		}

		ix.offsets[p] = offsets
		ix.postings[p] = postings
	}

	b.seen = nil
	b.codes, b.ids = nil, nil
	return ix
}
