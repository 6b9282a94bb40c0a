package relayproto

import (
	"fmt"

	"github.com/mydia/relay/internal/domain"
)

// SupportedVersions lists the relay protocol versions this build speaks,
// in ascending order.
var SupportedVersions = []int{1}

// PreferredVersion returns the relay's own maximum supported version.
func PreferredVersion() int {
	return SupportedVersions[len(SupportedVersions)-1]
}

// Negotiate picks the highest version present in both the candidate list
// and [SupportedVersions].  An empty intersection yields
// [domain.ErrNoCompatibleVersion].
func Negotiate(candidates []int) (int, error) {
	return NegotiateVersions(SupportedVersions, candidates)
}

// NegotiateVersions is [Negotiate] against an explicit supported set.
// Pure and deterministic; order of either slice does not matter.
func NegotiateVersions(supported, candidates []int) (int, error) {
	best := 0
	found := false
	for _, c := range candidates {
		for _, s := range supported {
			if c == s && (!found || c > best) {
				best = c
				found = true
			}
		}
	}
	if !found {
		return 0, domain.ErrNoCompatibleVersion
	}
	return best, nil
}

// VersionErrorFrame is the canonical wire reply for a failed negotiation.
func VersionErrorFrame() Frame {
	return ErrorFrame(fmt.Sprintf("no compatible %s version; relay supports %v", VersionKey, SupportedVersions))
}
