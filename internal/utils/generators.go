package utils

import (
	"crypto/rand"
	"math/big"
	"time"
)

const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateBookingReference returns a human-facing code such as BK-20250131-7QK2MX.
func GenerateBookingReference(at time.Time) string {
	return "BK-" + at.UTC().Format("20060102") + "-" + randomCode(6)
}

func randomCode(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms; fall back to the clock.
			idx = big.NewInt(time.Now().UnixNano() % int64(len(referenceAlphabet)))
		}
		out[i] = referenceAlphabet[idx.Int64()]
	}
	return string(out)
}
