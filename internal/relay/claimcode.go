package relay

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Claim codes are nine characters from a 31-letter alphabet with the
// easily-confused characters (0/o, 1/l/i) removed.  That is a space of
// 31^9 (~2^44) codes: exhaustive online guessing within a five-minute TTL
// is infeasible at any plausible request rate.  UIs may display the code
// grouped ("k2m-x9q-ph7"); redemption accepts either form.
const claimCodeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"
const claimCodeLength = 9

// NewClaimCode returns a fresh human-typable claim code like "k2mx9qph7".
func NewClaimCode() (string, error) {
	const n = byte(len(claimCodeAlphabet))
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	const maxFair = 256 - (256 % int(n))

	raw := make([]byte, claimCodeLength)
	buf := make([]byte, claimCodeLength+16) // over-read to reduce rand calls
	filled := 0
	for filled < claimCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			raw[filled] = claimCodeAlphabet[b%n]
			filled++
			if filled == claimCodeLength {
				break
			}
		}
	}
	return string(raw), nil
}

// NormalizeClaimCode strips display dashes and whitespace and lower-cases
// the code, so user input matches the stored form.
func NormalizeClaimCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
