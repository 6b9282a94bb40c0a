package relay

import (
	"strings"
	"testing"
)

func TestNewClaimCodeShape(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 100 {
		code, err := NewClaimCode()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != claimCodeLength {
			t.Fatalf("unexpected length %d for %q", len(code), code)
		}
		for _, c := range code {
			if !strings.ContainsRune(claimCodeAlphabet, c) {
				t.Fatalf("character %q outside alphabet in %q", c, code)
			}
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("duplicate code %q in 100 draws", code)
		}
		seen[code] = struct{}{}
	}
}

func TestNormalizeClaimCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"k2mx9qph7":       "k2mx9qph7",
		"K2M-X9Q-PH7":     "k2mx9qph7",
		"  k2m x9q ph7\n": "k2mx9qph7",
	}
	for in, want := range cases {
		if got := NormalizeClaimCode(in); got != want {
			t.Fatalf("NormalizeClaimCode(%q) = %q, want %q", in, got, want)
		}
	}
}
