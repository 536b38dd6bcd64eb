package signal

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/mediamatch/internal/domain"
)

const sampleHex = "f8f8f0cee0f4a84f06370a22038f63f0b36e2ed596621e1d33e6b39c4e9c9b22"

func TestParseHash256(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "lowercase", input: sampleHex},
		{name: "uppercase", input: strings.ToUpper(sampleHex)},
		{name: "too short", input: sampleHex[:63], wantErr: true},
		{name: "too long", input: sampleHex + "0", wantErr: true},
		{name: "not hex", input: "g" + sampleHex[1:], wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace", input: " " + sampleHex[1:], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseHash256(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(tt.input), h.String())
		})
	}
}

func TestHash256RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 100; i++ {
		var h Hash256
		for j := range h {
			h[j] = byte(rng.UintN(256))
		}
		parsed, err := ParseHash256(h.String())
		require.NoError(t, err)
		assert.Equal(t, h, parsed)
	}
}

func TestHash256BitLayout(t *testing.T) {
	var h Hash256
	h.SetBit(0)
	// Bit 0 is the least significant bit of word 0, printed last.
	assert.Equal(t, strings.Repeat("0", 63)+"1", h.String())

	var top Hash256
	top.SetBit(255)
	assert.Equal(t, "8"+strings.Repeat("0", 63), top.String())

	var mid Hash256
	mid.SetBit(17)
	assert.True(t, mid.Bit(17))
	assert.False(t, mid.Bit(16))
	assert.Equal(t, strings.Repeat("0", 56)+"00020000", mid.String())
}

func TestHash256Distance(t *testing.T) {
	h, err := ParseHash256(sampleHex)
	require.NoError(t, err)

	assert.Equal(t, 0, h.Distance(h))

	flipped := h.FlipBit(0).FlipBit(5).FlipBit(17)
	assert.Equal(t, 3, h.Distance(flipped))
	assert.Equal(t, 3, flipped.Distance(h))

	var zero, ones Hash256
	for i := range ones {
		ones[i] = 0xff
	}
	assert.Equal(t, 256, zero.Distance(ones))
	assert.Equal(t, 256, ones.OnesCount())
}

func TestHammingBytes(t *testing.T) {
	d, err := HammingBytes([]byte{0xff, 0x00, 0x0f}, []byte{0x00, 0x00, 0xff})
	require.NoError(t, err)
	assert.Equal(t, 12, d)

	_, err = HammingBytes([]byte{1}, []byte{1, 2})
	assert.ErrorIs(t, err, domain.ErrFormat)
}

func TestRotationsOrderAndInvolution(t *testing.T) {
	h, err := ParseHash256(sampleHex)
	require.NoError(t, err)

	variants := Rotations(h)
	require.Len(t, variants, 7)
	assert.Equal(t, Rotate90.Apply(h), variants[0])
	assert.Equal(t, FlipMinus1.Apply(h), variants[6])

	// Flips and the half turn are their own inverses.
	for _, d := range []Dihedral{Rotate180, FlipX, FlipY, FlipPlus1, FlipMinus1} {
		assert.Equal(t, h, d.Apply(d.Apply(h)), d.String())
	}
	// A quarter turn followed by three more is the identity.
	assert.Equal(t, h, Rotate270.Apply(Rotate90.Apply(h)))
}
