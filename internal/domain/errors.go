package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInstanceNotFound means the requested instance ID is unknown.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceOffline means the instance exists but has no live
	// relay connection.
	ErrInstanceOffline = errors.New("instance offline")

	// ErrInvalidPublicKey is returned when a registration carries a
	// public key that is not exactly [PublicKeySize] bytes.
	ErrInvalidPublicKey = errors.New("public key must be 32 bytes")

	// ErrClaimNotFound means the claim code does not exist.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrClaimConsumed is returned when a claim code has already been
	// redeemed.  Exactly one concurrent redemption wins; the rest see this.
	ErrClaimConsumed = errors.New("claim already consumed")

	// ErrClaimExpired is returned when a claim is redeemed past its TTL.
	ErrClaimExpired = errors.New("claim expired")

	// ErrNoCompatibleVersion indicates the peer advertised no protocol
	// version this relay build supports.
	ErrNoCompatibleVersion = errors.New("no compatible protocol version")

	// ErrTunnelDisconnected is the synthetic failure delivered to pending
	// requests when the instance connection they were routed through drops.
	ErrTunnelDisconnected = errors.New("tunnel disconnected")

	// ErrRateLimited is returned when a client exceeds the allowed
	// request rate on the HTTP surface.
	ErrRateLimited = errors.New("rate limited")
)

// RelayError wraps an underlying error with instance context.
type RelayError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *RelayError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("instance %s: %s: %v", e.InstanceID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
