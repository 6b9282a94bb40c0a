package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mydia/relay/internal/domain"
)

// UpsertInstance creates or refreshes an instance record keyed by id.  The
// creation timestamp is preserved across reconnects.
func (s *Store) UpsertInstance(ctx context.Context, id string, publicKey []byte, directURLs []string, publicIP string) (domain.Instance, error) {
	urls, err := encodeURLs(directURLs)
	if err != nil {
		return domain.Instance{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO instances(id, public_key, direct_urls, online, public_ip, created_at, last_seen_at)
VALUES(?, ?, ?, 0, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	public_key = excluded.public_key,
	direct_urls = excluded.direct_urls,
	public_ip = excluded.public_ip,
	last_seen_at = excluded.last_seen_at`,
		id, publicKey, urls, nullableString(publicIP), now, now)
	if err != nil {
		return domain.Instance{}, err
	}
	return s.GetInstance(ctx, id)
}

// GetInstance returns the instance record for id, or
// [domain.ErrInstanceNotFound].
func (s *Store) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	row := s.getInstanceStmt.QueryRowContext(ctx, id)
	return scanInstance(row)
}

// SetInstanceOnline marks the instance reachable through the relay.
func (s *Store) SetInstanceOnline(ctx context.Context, id string) error {
	return s.setOnline(ctx, id, true)
}

// SetInstanceOffline marks the instance unreachable.  Unknown ids are a
// no-op so that disconnect cleanup never fails.
func (s *Store) SetInstanceOffline(ctx context.Context, id string) error {
	return s.setOnline(ctx, id, false)
}

func (s *Store) setOnline(ctx context.Context, id string, online bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET online = ? WHERE id = ?`, boolToInt(online), id)
	if err != nil {
		return err
	}
	if online {
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrInstanceNotFound
		}
	}
	return nil
}

// ResetOnlineInstances marks every instance offline.  Run at startup: a
// relay restart drops all sockets, so persisted online flags are stale.
func (s *Store) ResetOnlineInstances(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET online = 0 WHERE online = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TouchInstanceHeartbeat bumps last_seen_at and, when directURLs is
// non-nil, replaces the stored direct-connect candidates.
func (s *Store) TouchInstanceHeartbeat(ctx context.Context, id string, directURLs []string) error {
	now := time.Now().UTC()
	if directURLs == nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE instances SET last_seen_at = ? WHERE id = ?`, now, id)
		return err
	}
	urls, err := encodeURLs(directURLs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE instances SET last_seen_at = ?, direct_urls = ? WHERE id = ?`, now, urls, id)
	return err
}

func scanInstance(row *sql.Row) (domain.Instance, error) {
	var (
		inst     domain.Instance
		urls     string
		online   int
		publicIP sql.NullString
		lastSeen sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.PublicKey, &urls, &online, &publicIP, &inst.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	if err != nil {
		return domain.Instance{}, err
	}
	inst.Online = online != 0
	if publicIP.Valid {
		inst.PublicIP = publicIP.String
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		inst.LastSeenAt = &t
	}
	if inst.DirectURLs, err = decodeURLs(urls); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}
