// Package sql provides SQL-backed implementations of the storage ports,
// targeting PostgreSQL (lib/pq) and SQLite (mattn/go-sqlite3).
//
// Grounded on dexidp/dex's storage/sql package: the flavor-per-driver
// split, the create-tables bootstrap at open, and the conditional
// UPDATE ... WHERE ... pattern used for the atomic markUsed/markRevoked
// transitions requires.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dexidp/idpd/internal/storage"
)

// flavor captures the dialect differences between the two drivers: each
// flavor carries its own schema DDL, and its name selects the placeholder
// syntax (Postgres needs its "?"-authored queries translated to "$N"
// before they reach lib/pq, SQLite doesn't) and the users insert shape
// (SQLite stores a separate email_lower column). RowsAffected-based update
// checks are identical between the two drivers.
type flavor struct {
	name         string
	createTables string
}

var bindN = regexp.MustCompile(`\?`)

func questionToDollar(query string) string {
	n := 0
	return bindN.ReplaceAllStringFunc(query, func(string) string {
		n++
		return fmt.Sprintf("$%d", n)
	})
}

var flavorPostgres = flavor{
	name: "postgres",
	createTables: `
		create table if not exists idp_users (
			id text primary key,
			email text not null,
			username text,
			password_hash bytea not null,
			name text not null default '',
			email_verified boolean not null default false,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create unique index if not exists idp_users_email_lower_idx on idp_users (lower(email));
		create unique index if not exists idp_users_username_idx on idp_users (username) where username is not null and username <> '';

		create table if not exists idp_refresh_tokens (
			id text primary key,
			user_id text not null,
			token_hash text not null unique,
			expires_at timestamptz not null,
			revoked boolean not null default false,
			last_used_at timestamptz
		);

		create table if not exists idp_auth_codes (
			code text primary key,
			user_id text not null,
			client_id text not null,
			redirect_uri text not null,
			expires_at timestamptz not null,
			used boolean not null default false
		);

		create table if not exists idp_clients (
			client_id text primary key,
			client_secret_hash bytea not null,
			name text not null default '',
			allowed_redirect_uris text not null
		);
	`,
}

var flavorSQLite = flavor{
	name: "sqlite3",
	createTables: `
		create table if not exists idp_users (
			id text primary key,
			email text not null,
			email_lower text not null,
			username text,
			password_hash blob not null,
			name text not null default '',
			email_verified boolean not null default 0,
			created_at timestamp not null,
			updated_at timestamp not null
		);
		create unique index if not exists idp_users_email_lower_idx on idp_users (email_lower);
		create unique index if not exists idp_users_username_idx on idp_users (username);

		create table if not exists idp_refresh_tokens (
			id text primary key,
			user_id text not null,
			token_hash text not null unique,
			expires_at timestamp not null,
			revoked boolean not null default 0,
			last_used_at timestamp
		);

		create table if not exists idp_auth_codes (
			code text primary key,
			user_id text not null,
			client_id text not null,
			redirect_uri text not null,
			expires_at timestamp not null,
			used boolean not null default 0
		);

		create table if not exists idp_clients (
			client_id text primary key,
			client_secret_hash blob not null,
			name text not null default '',
			allowed_redirect_uris text not null
		);
	`,
}

// Store is a database/sql-backed storage.Store.
type Store struct {
	db     *sql.DB
	flavor flavor
}

// OpenPostgres opens (and migrates) a Postgres-backed Store.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql: open postgres: %w", err)
	}
	return open(db, flavorPostgres)
}

// OpenSQLite opens (and migrates) a SQLite-backed Store. SQLite only
// tolerates a single writer; callers doing heavy concurrent writes should
// prefer Postgres in production, matching dex's own documented SQLite
// caveat.
func OpenSQLite(file string) (*Store, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("sql: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(db, flavorSQLite)
}

func open(db *sql.DB, f flavor) (*Store, error) {
	if _, err := db.Exec(f.createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("sql: migrate: %w", err)
	}
	return &Store{db: db, flavor: f}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// query rewrites a query written with "?" placeholders into the dialect's
// native placeholder syntax (dex's bindRegexp translation, simplified to a
// single direction: author in "?", translate for Postgres).
func (s *Store) query(q string) string {
	if s.flavor.name == "postgres" {
		return questionToDollar(q)
	}
	return q
}

func (s *Store) Users() storage.Users                 { return (*usersStore)(s) }
func (s *Store) RefreshTokens() storage.RefreshTokens { return (*refreshStore)(s) }
func (s *Store) AuthCodes() storage.AuthCodes         { return (*codesStore)(s) }
func (s *Store) Clients() storage.Clients             { return (*clientsStore)(s) }

func (s *Store) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	var result storage.GCResult

	res, err := s.db.ExecContext(ctx, s.query(`delete from idp_auth_codes where expires_at < ?`), now)
	if err != nil {
		return result, fmt.Errorf("sql: gc auth codes: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.AuthCodes = n
	}

	res, err = s.db.ExecContext(ctx, s.query(`delete from idp_refresh_tokens where revoked = ? and expires_at < ?`), true, now)
	if err != nil {
		return result, fmt.Errorf("sql: gc refresh tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.RefreshRecords = n
	}

	return result, nil
}

// pqIsUniqueViolation reports whether err is a Postgres unique-constraint
// error, mirroring dex's storage/sql error translation.
func pqIsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	if e, ok := err.(*pq.Error); ok {
		*target = e
		return true
	}
	return false
}
