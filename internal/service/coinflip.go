package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// admissionDraw maps (seed, bank, content) to a uniform value in [0, 1).
// The key is the seed; the message is the big-endian bank ID followed by the
// content ID. The top 53 bits of the MAC form the mantissa.
func admissionDraw(seed string, bankID int64, contentID string) float64 {
	mac := hmac.New(sha256.New, []byte(seed))
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(bankID))
	mac.Write(id[:])
	mac.Write([]byte(contentID))
	sum := mac.Sum(nil)
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// Admit reports whether a match against a bank passes the coin-flip for the
// bank's matching enabled ratio. The decision depends only on its arguments.
func Admit(seed string, bankID int64, contentID string, ratio float64) bool {
	if ratio >= 1 {
		return true
	}
	if ratio <= 0 {
		return false
	}
	return admissionDraw(seed, bankID, contentID) < ratio
}
