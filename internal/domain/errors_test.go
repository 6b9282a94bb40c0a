package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestRelayErrorUnwrap(t *testing.T) {
	t.Parallel()

	wrapped := &RelayError{InstanceID: "inst-1", Op: "register", Err: ErrInvalidPublicKey}
	if !errors.Is(wrapped, ErrInvalidPublicKey) {
		t.Fatal("expected errors.Is to match the wrapped sentinel")
	}
	if got := wrapped.Error(); got != "instance inst-1: register: public key must be 32 bytes" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestRelayErrorWithoutInstance(t *testing.T) {
	t.Parallel()

	wrapped := &RelayError{Op: "redeem", Err: ErrClaimExpired}
	if got := wrapped.Error(); got != "redeem: claim expired" {
		t.Fatalf("unexpected message: %q", got)
	}

	chained := fmt.Errorf("handling frame: %w", wrapped)
	if !errors.Is(chained, ErrClaimExpired) {
		t.Fatal("expected sentinel to survive further wrapping")
	}
}

func TestClaimConsumed(t *testing.T) {
	t.Parallel()

	c := Claim{}
	if c.Consumed() {
		t.Fatal("fresh claim should not be consumed")
	}
}
