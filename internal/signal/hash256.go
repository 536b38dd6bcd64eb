package signal

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/timmy/mediamatch/internal/domain"
)

// Hash256Bytes is the size of a PDQ code in bytes.
const Hash256Bytes = 32

// Hash256 is a 256-bit PDQ code stored in canonical hex order: byte 0 holds
// the two most significant hex digits.
//
// Bit k of the hash (k = row*16 + col of the 16x16 DCT grid) lives in the
// 16-bit word k/16, where word 15 is printed first. Word w occupies bytes
// 30-2w (high) and 31-2w (low).
type Hash256 [Hash256Bytes]byte

// ParseHash256 accepts exactly 64 hex digits in either case.
func ParseHash256(s string) (Hash256, error) {
	var h Hash256
	if len(s) != 2*Hash256Bytes {
		return h, fmt.Errorf("%w: pdq hash must be 64 hex digits, got %d characters", domain.ErrFormat, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash256{}, fmt.Errorf("%w: pdq hash: %v", domain.ErrFormat, err)
	}
	return h, nil
}

// String returns the canonical lowercase hex form.
func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the code bytes.
func (h Hash256) Bytes() []byte {
	b := make([]byte, Hash256Bytes)
	copy(b, h[:])
	return b
}

func bitPosition(k int) (byteIdx int, mask byte) {
	word := k >> 4
	bit := k & 15
	byteIdx = 2*(15-word) + 1
	if bit >= 8 {
		byteIdx--
		bit -= 8
	}
	return byteIdx, 1 << bit
}

// Bit reports whether bit k (0..255) is set.
func (h Hash256) Bit(k int) bool {
	i, m := bitPosition(k)
	return h[i]&m != 0
}

// SetBit sets bit k.
func (h *Hash256) SetBit(k int) {
	i, m := bitPosition(k)
	h[i] |= m
}

// FlipBit returns a copy of h with bit k inverted.
func (h Hash256) FlipBit(k int) Hash256 {
	i, m := bitPosition(k)
	h[i] ^= m
	return h
}

// Distance returns the Hamming distance between two codes.
func (h Hash256) Distance(o Hash256) int {
	d := 0
	for i := 0; i < Hash256Bytes; i += 8 {
		d += bits.OnesCount64(binary.LittleEndian.Uint64(h[i:]) ^ binary.LittleEndian.Uint64(o[i:]))
	}
	return d
}

// OnesCount returns the number of set bits.
func (h Hash256) OnesCount() int {
	var zero Hash256
	return h.Distance(zero)
}

// HammingBytes returns the Hamming distance of two equal-length codes.
func HammingBytes(a, b []byte) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: cannot compare %d-byte and %d-byte codes", domain.ErrFormat, len(a), len(b))
	}
	d := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		d += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(a); i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d, nil
}
