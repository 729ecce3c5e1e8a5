package ledger

import (
	"crypto/rand"
	"fmt"
	"time"
)

const (
	maxSTAN = 999999
	rrnLen  = 12
)

const rrnAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// NextSTAN returns the system trace audit number following prev, wrapping
// from 999999 back to 1.
func NextSTAN(prev int64) int64 {
	if prev <= 0 || prev >= maxSTAN {
		return 1
	}
	return prev + 1
}

// FormatSTAN renders a STAN as six zero-padded digits.
func FormatSTAN(stan int64) string {
	return fmt.Sprintf("%06d", stan)
}

// NewRRN builds a retrieval reference number: the last digit of the year,
// the three-digit day of year and the two-digit hour, followed by six random
// base32 characters.
func NewRRN(at time.Time) (string, error) {
	at = at.UTC()
	var raw [rrnLen - 6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate rrn: %w", err)
	}
	suffix := make([]byte, len(raw))
	for i, b := range raw {
		suffix[i] = rrnAlphabet[int(b)%len(rrnAlphabet)]
	}
	return fmt.Sprintf("%d%03d%02d%s", at.Year()%10, at.YearDay(), at.Hour(), suffix), nil
}
