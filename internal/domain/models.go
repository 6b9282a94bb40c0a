// Package domain defines the core data types shared across the relay
// server, store, and wire protocol layers.
package domain

import "time"

// PublicKeySize is the exact length of an instance public key. The relay
// never interprets the key material; it only stores and echoes it.
const PublicKeySize = 32

// Instance represents a registered server endpoint that dials out to the
// relay. Records persist across connect cycles; identity key is ID.
type Instance struct {
	ID         string
	PublicKey  []byte // PublicKeySize raw bytes
	DirectURLs []string
	Online     bool
	PublicIP   string
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

// Claim is a one-time, time-boxed authorization linking a user to an
// instance. It transitions unconsumed -> consumed exactly once.
type Claim struct {
	ID         string
	Code       string
	InstanceID string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Consumed reports whether the claim has already been redeemed.
func (c Claim) Consumed() bool {
	return c.ConsumedAt != nil
}

// ConnectionInfo is the subset of an instance record a client needs to
// decide how to reach it.
type ConnectionInfo struct {
	InstanceID string
	Online     bool
	PublicKey  []byte
	DirectURLs []string
}

// RedeemedClaim is the result of a successful claim redemption: the claim
// identity plus the connection info of the instance it was bound to.
type RedeemedClaim struct {
	ClaimID string
	UserID  string
	ConnectionInfo
}
