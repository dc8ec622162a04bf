package sql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dexidp/idpd/internal/storage"
)

type usersStore Store

func (u *usersStore) store() *Store { return (*Store)(u) }

func (u *usersStore) FindByEmail(ctx context.Context, email string) (storage.User, error) {
	row := u.store().db.QueryRowContext(ctx, u.store().query(`
		select id, email, username, password_hash, name, email_verified, created_at, updated_at
		from idp_users where lower(email) = lower(?)`), email)
	return scanUser(row)
}

func (u *usersStore) FindByUsername(ctx context.Context, username string) (storage.User, error) {
	row := u.store().db.QueryRowContext(ctx, u.store().query(`
		select id, email, username, password_hash, name, email_verified, created_at, updated_at
		from idp_users where username = ?`), username)
	return scanUser(row)
}

func (u *usersStore) FindByID(ctx context.Context, id string) (storage.User, error) {
	row := u.store().db.QueryRowContext(ctx, u.store().query(`
		select id, email, username, password_hash, name, email_verified, created_at, updated_at
		from idp_users where id = ?`), id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (storage.User, error) {
	var (
		u        storage.User
		username sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &username, &u.PasswordHash, &u.Name, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, err
	}
	u.Username = username.String
	return u, nil
}

func (u *usersStore) Insert(ctx context.Context, rec storage.User) error {
	s := u.store()
	var username *string
	if rec.Username != "" {
		username = &rec.Username
	}

	if s.flavor.name == "sqlite3" {
		_, err := s.db.ExecContext(ctx, s.query(`
			insert into idp_users (id, email, email_lower, username, password_hash, name, email_verified, created_at, updated_at)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.Email, strings.ToLower(rec.Email), username, rec.PasswordHash, rec.Name, rec.EmailVerified, rec.CreatedAt, rec.UpdatedAt)
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return err
	}

	_, err := s.db.ExecContext(ctx, s.query(`
		insert into idp_users (id, email, username, password_hash, name, email_verified, created_at, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Email, username, rec.PasswordHash, rec.Name, rec.EmailVerified, rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

// isUniqueViolation recognizes the unique-constraint error shape of both
// supported drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqIsUniqueViolation(err) {
		return true
	}
	// mattn/go-sqlite3 reports this as a plain error whose message
	// contains "UNIQUE constraint failed"; avoiding an import of the
	// driver's error type keeps this file buildable without cgo present.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
