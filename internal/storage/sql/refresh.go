package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dexidp/idpd/internal/storage"
)

type refreshStore Store

func (r *refreshStore) store() *Store { return (*Store)(r) }

func (r *refreshStore) Insert(ctx context.Context, rec storage.RefreshRecord) error {
	s := r.store()
	_, err := s.db.ExecContext(ctx, s.query(`
		insert into idp_refresh_tokens (id, user_id, token_hash, expires_at, revoked, last_used_at)
		values (?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt, rec.Revoked, nullTime(rec.LastUsedAt))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (r *refreshStore) FindByHash(ctx context.Context, hash string) (storage.RefreshRecord, error) {
	s := r.store()
	row := s.db.QueryRowContext(ctx, s.query(`
		select id, user_id, token_hash, expires_at, revoked, last_used_at
		from idp_refresh_tokens where token_hash = ?`), hash)

	var (
		rec      storage.RefreshRecord
		lastUsed sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.Revoked, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RefreshRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RefreshRecord{}, err
	}
	rec.LastUsedAt = lastUsed.Time
	return rec, nil
}

// MarkRevoked is idempotent/§5: setting revoked on an
// already-revoked or missing row is not an error.
func (r *refreshStore) MarkRevoked(ctx context.Context, hash string) error {
	s := r.store()
	_, err := s.db.ExecContext(ctx, s.query(`
		update idp_refresh_tokens set revoked = ? where token_hash = ?`), true, hash)
	return err
}

func (r *refreshStore) MarkUsed(ctx context.Context, hash string, when time.Time) error {
	s := r.store()
	res, err := s.db.ExecContext(ctx, s.query(`
		update idp_refresh_tokens set last_used_at = ? where token_hash = ?`), when, hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
