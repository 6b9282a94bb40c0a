package server

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mydia/relay/internal/config"
	"github.com/mydia/relay/internal/domain"
)

func TestJanitorPurgesExpiredClaims(t *testing.T) {
	e := newTestEnvWithConfig(t, config.ServerConfig{
		HeartbeatTimeout:       5 * time.Second,
		HeartbeatCheckInterval: 10 * time.Millisecond,
		CleanupInterval:        10 * time.Millisecond,
		ClaimRetention:         time.Hour,
		RateLimitWindow:        time.Minute,
		RateLimitMax:           1000,
		MaxFrameBytes:          1 << 20,
	})

	if _, err := e.svc.RegisterInstanceRecord(t.Context(), "inst-jan", bytes.Repeat([]byte{1}, domain.PublicKeySize), nil, ""); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	err := e.store.CreateClaim(t.Context(), domain.Claim{
		ID:         "cl_stale",
		Code:       "stalecode",
		InstanceID: "inst-jan",
		UserID:     "user-1",
		CreatedAt:  now.Add(-2 * time.Hour),
		ExpiresAt:  now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = (&janitor{srv: e.srv}).Serve(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := e.store.RedeemClaim(t.Context(), "stalecode")
		if errors.Is(err, domain.ErrClaimNotFound) {
			break
		}
		if !errors.Is(err, domain.ErrClaimExpired) {
			t.Fatalf("unexpected redeem error while waiting for purge: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("expired claim was not purged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after context cancellation")
	}
}
