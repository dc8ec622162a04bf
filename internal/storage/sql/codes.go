package sql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dexidp/idpd/internal/storage"
)

type codesStore Store

func (c *codesStore) store() *Store { return (*Store)(c) }

func (c *codesStore) Insert(ctx context.Context, code storage.AuthCode) error {
	s := c.store()
	_, err := s.db.ExecContext(ctx, s.query(`
		insert into idp_auth_codes (code, user_id, client_id, redirect_uri, expires_at, used)
		values (?, ?, ?, ?, ?, ?)`),
		code.Code, code.UserID, code.ClientID, code.RedirectURI, code.ExpiresAt, code.Used)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *codesStore) FindByCode(ctx context.Context, code string) (storage.AuthCode, error) {
	s := c.store()
	row := s.db.QueryRowContext(ctx, s.query(`
		select code, user_id, client_id, redirect_uri, expires_at, used
		from idp_auth_codes where code = ?`), code)

	var rec storage.AuthCode
	err := row.Scan(&rec.Code, &rec.UserID, &rec.ClientID, &rec.RedirectURI, &rec.ExpiresAt, &rec.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.AuthCode{}, err
	}
	return rec, nil
}

// MarkUsed performs a conditional UPDATE: the WHERE clause restricts the
// flip to rows still Fresh, and RowsAffected tells the caller whether
// this particular call won the race. A single row update guarded by the
// database's own row locking is linearizable with any concurrent MarkUsed
// on the same code, so exactly one caller ever observes success.
func (c *codesStore) MarkUsed(ctx context.Context, code string) (bool, error) {
	s := c.store()
	res, err := s.db.ExecContext(ctx, s.query(`
		update idp_auth_codes set used = ? where code = ? and used = ?`), true, code, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Either the code doesn't exist or it was already used; the
		// caller distinguishes by a subsequent FindByCode if needed.
		return false, nil
	}
	return true, nil
}
