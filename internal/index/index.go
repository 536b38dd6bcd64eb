// Package index implements a multi-index hashing (MIH) table for bounded-radius
// Hamming search over fixed-width binary codes.
//
// A code of B*w bits is cut into B sub-strings of w bits. If two codes are
// within distance t, at least one pair of sub-strings is within floor(t/B),
// so probing every sub-key within that radius in each of the B tables finds
// every candidate. Candidates are then verified with an exact distance.
package index

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/timmy/mediamatch/internal/domain"
)

const (
	// MaxSubKeyBits bounds the size of one partition table to 2^16+1 offsets.
	MaxSubKeyBits = 16
	// MaxPartitions is the largest partition count the artifact header can hold.
	MaxPartitions = 255
)

// Params fixes the code layout and default threshold of an index.
type Params struct {
	SignalTypeID uint16
	Partitions   int
	SubKeyBits   int
	Threshold    int
}

// CodeBits returns the width of an indexed code in bits.
func (p Params) CodeBits() int { return p.Partitions * p.SubKeyBits }

// CodeBytes returns the width of an indexed code in bytes.
func (p Params) CodeBytes() int { return p.CodeBits() / 8 }

// Validate checks the layout and that the default threshold is reachable.
func (p Params) Validate() error {
	if p.Partitions < 1 || p.Partitions > MaxPartitions {
		return fmt.Errorf("%w: partitions %d out of range [1,%d]", domain.ErrFormat, p.Partitions, MaxPartitions)
	}
	if p.SubKeyBits < 1 || p.SubKeyBits > MaxSubKeyBits {
		return fmt.Errorf("%w: sub-key width %d out of range [1,%d]", domain.ErrFormat, p.SubKeyBits, MaxSubKeyBits)
	}
	if p.CodeBits()%8 != 0 {
		return fmt.Errorf("%w: code width %d bits is not whole bytes", domain.ErrFormat, p.CodeBits())
	}
	if p.Threshold < 0 || p.Threshold > p.CodeBits() {
		return fmt.Errorf("%w: threshold %d exceeds code width %d", domain.ErrFormat, p.Threshold, p.CodeBits())
	}
	return nil
}

// Match is one query result.
type Match struct {
	MemberID int64 `json:"member_id"`
	Distance int   `json:"distance"`
}

// Index is an immutable MIH table. All methods are safe for concurrent use.
type Index struct {
	params     Params
	generation uint64
	builtAt    time.Time
	count      int

	codes []byte
	ids   []int64

	// offsets[i] has 2^w+1 entries; postings[i][offsets[i][k]:offsets[i][k+1]]
	// lists, in ascending order, the entries whose i-th sub-key is k.
	offsets  [][]uint32
	postings [][]uint32
}

// Params returns the layout the index was built with.
func (ix *Index) Params() Params { return ix.params }

// Generation returns the bank store generation the index snapshots.
func (ix *Index) Generation() uint64 { return ix.generation }

// BuiltAt returns the build time, truncated to milliseconds.
func (ix *Index) BuiltAt() time.Time { return ix.builtAt }

// Len returns the number of indexed entries.
func (ix *Index) Len() int { return ix.count }

func (ix *Index) code(i uint32) []byte {
	cb := ix.params.CodeBytes()
	return ix.codes[int(i)*cb : (int(i)+1)*cb]
}

// Query returns every entry within threshold of q, ordered by distance then
// member ID. An empty result is an empty, non-nil slice.
func (ix *Index) Query(q []byte, threshold int) ([]Match, error) {
	if len(q) != ix.params.CodeBytes() {
		return nil, fmt.Errorf("%w: query is %d bytes, index holds %d-byte codes", domain.ErrFormat, len(q), ix.params.CodeBytes())
	}
	if threshold < 0 || threshold > ix.params.CodeBits() {
		return nil, fmt.Errorf("%w: threshold %d out of range [0,%d]", domain.ErrFormat, threshold, ix.params.CodeBits())
	}
	out := make([]Match, 0)
	if ix.count == 0 {
		return out, nil
	}

	B, w := ix.params.Partitions, ix.params.SubKeyBits
	radius := threshold / B
	if B*ballSize(w, radius) >= ix.count {
		for i := 0; i < ix.count; i++ {
			if d := distance(q, ix.code(uint32(i))); d <= threshold {
				out = append(out, Match{MemberID: ix.ids[i], Distance: d})
			}
		}
		sortMatches(out)
		return out, nil
	}

	candidates := roaring.New()
	for p := 0; p < B; p++ {
		offsets, postings := ix.offsets[p], ix.postings[p]
		forEachNeighbour(subKey(q, p, w), w, radius, func(k uint32) {
			if lo, hi := offsets[k], offsets[k+1]; lo < hi {
				candidates.AddMany(postings[lo:hi])
			}
		})
	}

	it := candidates.Iterator()
	for it.HasNext() {
		i := it.Next()
		if d := distance(q, ix.code(i)); d <= threshold {
			out = append(out, Match{MemberID: ix.ids[i], Distance: d})
		}
	}
	sortMatches(out)
	return out, nil
}

// QueryDefault queries with the threshold the index was built with.
func (ix *Index) QueryDefault(q []byte) ([]Match, error) {
	return ix.Query(q, ix.params.Threshold)
}

func sortMatches(m []Match) {
	sort.Slice(m, func(i, j int) bool {
		if m[i].Distance != m[j].Distance {
			return m[i].Distance < m[j].Distance
		}
		return m[i].MemberID < m[j].MemberID
	})
}

// subKey extracts the p-th w-bit sub-string, most significant bit first.
func subKey(code []byte, p, w int) uint32 {
	switch w {
	case 16:
		return uint32(binary.BigEndian.Uint16(code[2*p:]))
	case 8:
		return uint32(code[p])
	}
	var v uint32
	start := p * w
	for b := start; b < start+w; b++ {
		v = v<<1 | uint32(code[b>>3]>>(7-b&7)&1)
	}
	return v
}

// forEachNeighbour calls fn for every w-bit key within radius of key, once each.
func forEachNeighbour(key uint32, w, radius int, fn func(uint32)) {
	fn(key)
	var flip func(k uint32, from, left int)
	flip = func(k uint32, from, left int) {
		for b := from; b < w; b++ {
			nk := k ^ (1 << b)
			fn(nk)
			if left > 1 {
				flip(nk, b+1, left-1)
			}
		}
	}
	if radius > 0 {
		flip(key, 0, min(radius, w))
	}
}

// ballSize is the number of w-bit keys within distance r of a key.
func ballSize(w, r int) int {
	total, c := 0, 1
	for k := 0; k <= r && k <= w; k++ {
		total += c
		c = c * (w - k) / (k + 1)
	}
	return total
}

func distance(a, b []byte) int {
	d := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		d += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(a); i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}
