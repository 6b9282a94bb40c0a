// Package relay implements the rendezvous domain service: instance
// registration, online/offline transitions, heartbeat persistence, and the
// claim lifecycle.  Persistence goes through the narrow [Store] interface;
// this package never issues queries itself.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mydia/relay/internal/domain"
)

// DefaultClaimTTL bounds how long a freshly created claim code stays
// redeemable when the instance does not ask for a specific window.
const DefaultClaimTTL = 300 * time.Second

// MaxClaimTTL caps instance-requested TTLs.
const MaxClaimTTL = time.Hour

const claimCreateAttempts = 3

// Store is the persistence collaborator behind the service.
type Store interface {
	UpsertInstance(ctx context.Context, id string, publicKey []byte, directURLs []string, publicIP string) (domain.Instance, error)
	GetInstance(ctx context.Context, id string) (domain.Instance, error)
	SetInstanceOnline(ctx context.Context, id string) error
	SetInstanceOffline(ctx context.Context, id string) error
	TouchInstanceHeartbeat(ctx context.Context, id string, directURLs []string) error
	ResetOnlineInstances(ctx context.Context) (int64, error)
	CreateClaim(ctx context.Context, c domain.Claim) error
	RedeemClaim(ctx context.Context, code string) (domain.RedeemedClaim, error)
	PurgeStaleClaims(ctx context.Context, now, consumedOlderThan time.Time, limit int) (int64, error)
}

// Service owns registration and claim semantics on top of a [Store].
type Service struct {
	store Store
	log   *slog.Logger

	claimTTL time.Duration
}

// NewService wires a service over store.  A non-positive claimTTL falls
// back to [DefaultClaimTTL].
func NewService(store Store, logger *slog.Logger, claimTTL time.Duration) *Service {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Service{store: store, log: logger, claimTTL: claimTTL}
}

// RegisterInstanceRecord validates and upserts an instance record without
// touching its online state.  Used by the out-of-band HTTP registration
// path, where no relay socket exists yet.  The public key must be exactly
// [domain.PublicKeySize] raw bytes; the relay stores it opaquely.
func (s *Service) RegisterInstanceRecord(ctx context.Context, id string, publicKey []byte, directURLs []string, publicIP string) (domain.Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Instance{}, &domain.RelayError{Op: "register", Err: fmt.Errorf("empty instance id")}
	}
	if len(publicKey) != domain.PublicKeySize {
		return domain.Instance{}, &domain.RelayError{InstanceID: id, Op: "register", Err: domain.ErrInvalidPublicKey}
	}

	inst, err := s.store.UpsertInstance(ctx, id, publicKey, directURLs, publicIP)
	if err != nil {
		return domain.Instance{}, &domain.RelayError{InstanceID: id, Op: "register", Err: err}
	}
	s.log.Info("instance registered", "instance_id", id, "public_ip", publicIP, "direct_urls", len(directURLs))
	return inst, nil
}

// RegisterInstance is [Service.RegisterInstanceRecord] plus the online
// transition, for the socket registration path.
func (s *Service) RegisterInstance(ctx context.Context, id string, publicKey []byte, directURLs []string, publicIP string) (domain.Instance, error) {
	inst, err := s.RegisterInstanceRecord(ctx, id, publicKey, directURLs, publicIP)
	if err != nil {
		return domain.Instance{}, err
	}
	if err := s.store.SetInstanceOnline(ctx, inst.ID); err != nil {
		return domain.Instance{}, &domain.RelayError{InstanceID: inst.ID, Op: "set online", Err: err}
	}
	inst.Online = true
	return inst, nil
}

// SetOffline marks an instance unreachable.  Called from disconnect
// cleanup, so it tolerates unknown ids.
func (s *Service) SetOffline(ctx context.Context, id string) error {
	if err := s.store.SetInstanceOffline(ctx, id); err != nil {
		return &domain.RelayError{InstanceID: id, Op: "set offline", Err: err}
	}
	return nil
}

// Heartbeat bumps last_seen_at and optionally replaces the stored
// direct-connect URLs (nil keeps them).
func (s *Service) Heartbeat(ctx context.Context, id string, directURLs []string) error {
	if err := s.store.TouchInstanceHeartbeat(ctx, id, directURLs); err != nil {
		return &domain.RelayError{InstanceID: id, Op: "heartbeat", Err: err}
	}
	return nil
}

// ConnectionInfo returns what a client needs to pair with an instance.
func (s *Service) ConnectionInfo(ctx context.Context, id string) (domain.ConnectionInfo, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	return domain.ConnectionInfo{
		InstanceID: inst.ID,
		Online:     inst.Online,
		PublicKey:  inst.PublicKey,
		DirectURLs: inst.DirectURLs,
	}, nil
}

// CreateClaim mints a single-use claim code binding userID to instanceID.
// A non-positive ttl uses the service default; oversized requests are
// clamped to [MaxClaimTTL].
func (s *Service) CreateClaim(ctx context.Context, instanceID, userID string, ttl time.Duration) (domain.Claim, error) {
	if ttl <= 0 {
		ttl = s.claimTTL
	}
	if ttl > MaxClaimTTL {
		ttl = MaxClaimTTL
	}

	var lastErr error
	for range claimCreateAttempts {
		code, err := NewClaimCode()
		if err != nil {
			return domain.Claim{}, &domain.RelayError{InstanceID: instanceID, Op: "create claim", Err: err}
		}
		now := time.Now().UTC()
		claim := domain.Claim{
			ID:         "cl_" + uuid.NewString(),
			Code:       code,
			InstanceID: instanceID,
			UserID:     userID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}
		if err := s.store.CreateClaim(ctx, claim); err != nil {
			// A unique-code collision is vanishingly rare; retry with a
			// fresh code in case that is what happened.
			lastErr = err
			continue
		}
		s.log.Info("claim created", "instance_id", instanceID, "claim_id", claim.ID, "expires_at", claim.ExpiresAt)
		return claim, nil
	}
	return domain.Claim{}, &domain.RelayError{InstanceID: instanceID, Op: "create claim", Err: lastErr}
}

// RedeemClaim consumes a claim code and returns the bound instance's
// connection info.  Codes are normalized first so users may type them with
// or without the display dashes.
func (s *Service) RedeemClaim(ctx context.Context, code string) (domain.RedeemedClaim, error) {
	red, err := s.store.RedeemClaim(ctx, NormalizeClaimCode(code))
	if err != nil {
		return domain.RedeemedClaim{}, err
	}
	s.log.Info("claim redeemed", "instance_id", red.InstanceID, "claim_id", red.ClaimID, "user_id", red.UserID)
	return red, nil
}

// ResetOnline marks every instance offline.  Run once at startup: any
// online rows left behind by a previous process are stale because live
// sockets do not survive a restart.
func (s *Service) ResetOnline(ctx context.Context) (int64, error) {
	n, err := s.store.ResetOnlineInstances(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("reconciled stale online instances", "count", n)
	}
	return n, nil
}

// PurgeExpiredClaims removes expired claims and consumed claims older than
// the retention window.  Meant to run periodically from the janitor.
func (s *Service) PurgeExpiredClaims(ctx context.Context, retention time.Duration) (int64, error) {
	now := time.Now()
	n, err := s.store.PurgeStaleClaims(ctx, now, now.Add(-retention), 0)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("purged stale claims", "count", n)
	}
	return n, nil
}
