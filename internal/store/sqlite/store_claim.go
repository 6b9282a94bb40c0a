package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mydia/relay/internal/domain"
)

// CreateClaim persists a fresh claim record.  Code uniqueness is enforced
// by the schema; callers retry with a new code on conflict.
func (s *Store) CreateClaim(ctx context.Context, c domain.Claim) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO claims(id, code, instance_id, user_id, created_at, expires_at, consumed_at)
VALUES(?, ?, ?, ?, ?, ?, NULL)`,
		c.ID, c.Code, c.InstanceID, c.UserID, c.CreatedAt.UTC(), c.ExpiresAt.UTC())
	return err
}

// RedeemClaim consumes the claim identified by code, atomically.  Exactly
// one concurrent redemption of the same code succeeds; the rest get
// [domain.ErrClaimConsumed].  Redemption past expires_at returns
// [domain.ErrClaimExpired].
func (s *Store) RedeemClaim(ctx context.Context, code string) (domain.RedeemedClaim, error) {
	// The conditional UPDATE is the atomicity point: of any number of
	// concurrent redemptions, one flips consumed_at and the rest match
	// zero rows.  The follow-up SELECTs only classify the outcome.
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE claims
SET consumed_at = ?
WHERE code = ? AND consumed_at IS NULL AND expires_at >= ?`, now, code, now)
	if err != nil {
		return domain.RedeemedClaim{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.RedeemedClaim{}, err
	}
	if affected == 0 {
		return domain.RedeemedClaim{}, s.classifyRedeemFailure(ctx, code, now)
	}

	var (
		red    domain.RedeemedClaim
		urls   string
		online int
	)
	err = s.db.QueryRowContext(ctx, `
SELECT c.id, c.user_id, i.id, i.public_key, i.direct_urls, i.online
FROM claims c
JOIN instances i ON i.id = c.instance_id
WHERE c.code = ?`, code).Scan(
		&red.ClaimID, &red.UserID, &red.InstanceID, &red.PublicKey, &urls, &online)
	if err != nil {
		return domain.RedeemedClaim{}, err
	}
	red.Online = online != 0
	if red.DirectURLs, err = decodeURLs(urls); err != nil {
		return domain.RedeemedClaim{}, err
	}
	return red, nil
}

func (s *Store) classifyRedeemFailure(ctx context.Context, code string, now time.Time) error {
	var (
		expires  time.Time
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at, consumed_at FROM claims WHERE code = ?`, code).
		Scan(&expires, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrClaimNotFound
	}
	if err != nil {
		return err
	}
	if consumed.Valid {
		return domain.ErrClaimConsumed
	}
	if now.After(expires) {
		return domain.ErrClaimExpired
	}
	return domain.ErrClaimConsumed
}

// PurgeStaleClaims removes expired claims and consumed claims older than
// the provided cutoff.  It limits each run to avoid long write
// transactions.
func (s *Store) PurgeStaleClaims(ctx context.Context, now, consumedOlderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultClaimPurgeLimit
	}
	now = now.UTC()
	consumedOlderThan = consumedOlderThan.UTC()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM claims
WHERE id IN (
	SELECT id
	FROM claims
	WHERE expires_at < ? OR (consumed_at IS NOT NULL AND consumed_at < ?)
	ORDER BY COALESCE(consumed_at, expires_at) ASC
	LIMIT ?
)`, now, consumedOlderThan, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
