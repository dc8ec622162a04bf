// Package storage defines the persistence ports (C3) of the identity
// provider core: opaque capability interfaces over its four persistent
// entities. Concrete storage is a black box behind these interfaces;
// see the memory and sql subpackages for implementations.
//
// Grounded on dexidp/dex's storage.Storage interface (storage/storage.go),
// split here into one small interface per entity rather than dex's single
// monolithic interface, since this core only owns four entities instead of
// dex's nine.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a port method when the requested record does
// not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned by an insert when a unique constraint (email,
// username, code, tokenHash) collides.
var ErrAlreadyExists = errors.New("storage: already exists")

// User is the identity principal.
type User struct {
	ID            string
	Email         string // case-insensitively unique
	Username      string // optional, unique when present
	PasswordHash  []byte
	Name          string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Public returns the subset of User safe to expose over the API.
type PublicUser struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username,omitempty"`
	Name          string    `json:"name,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		Username:      u.Username,
		Name:          u.Name,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
}

// RefreshRecord is one row per issued refresh token. The raw
// token value is never stored; only TokenHash (its digest).
type RefreshRecord struct {
	ID         string
	UserID     string
	TokenHash  string // unique
	ExpiresAt  time.Time
	Revoked    bool
	LastUsedAt time.Time
}

// AuthCode is a short-lived capability linking an authenticated user to a
// specific RP + redirect.
type AuthCode struct {
	Code        string // unique
	UserID      string
	ClientID    string
	RedirectURI string
	ExpiresAt   time.Time
	Used        bool
}

// Client is a registered relying party.
type Client struct {
	ClientID            string
	ClientSecretHash    []byte
	Name                string
	AllowedRedirectURIs []string
}

// AllowsRedirect reports whether uri is byte-exactly present in the
// client's redirect whitelist. Prefix or scheme-only matching is never
// accepted.
func (c Client) AllowsRedirect(uri string) bool {
	for _, allowed := range c.AllowedRedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// Users is the persistence port for the User entity.
type Users interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	Insert(ctx context.Context, u User) error
}

// RefreshTokens is the persistence port for RefreshRecord.
type RefreshTokens interface {
	Insert(ctx context.Context, r RefreshRecord) error
	FindByHash(ctx context.Context, hash string) (RefreshRecord, error)
	MarkRevoked(ctx context.Context, hash string) error
	MarkUsed(ctx context.Context, hash string, when time.Time) error
}

// AuthCodes is the persistence port for AuthCode.
//
// MarkUsed must be an atomic, conditional transition: it flips
// used from false to true and reports whether it actually did so, so that
// at most one concurrent caller observes success for a given code.
type AuthCodes interface {
	Insert(ctx context.Context, c AuthCode) error
	FindByCode(ctx context.Context, code string) (AuthCode, error)
	// MarkUsed attempts the Fresh -> Used transition. ok is true iff this
	// call performed the transition (the code was previously unused).
	MarkUsed(ctx context.Context, code string) (ok bool, err error)
}

// Clients is the persistence port for Client; administratively
// provisioned and effectively immutable at runtime, so the port
// only needs a lookup.
type Clients interface {
	FindByClientID(ctx context.Context, clientID string) (Client, error)
}

// GCResult reports how many expired records a garbage-collection pass
// removed, mirroring dexidp/dex's storage.GCResult.
type GCResult struct {
	AuthCodes      int64
	RefreshRecords int64
}

// GarbageCollector removes expired AuthCodes and expired+revoked
// RefreshRecords. Implemented per-backend since the efficient query shape
// differs (in-memory map scan vs a single SQL DELETE).
type GarbageCollector interface {
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}

// Store bundles all four ports plus garbage collection, the shape a
// concrete backend (memory, sql) implements in full.
type Store interface {
	Users() Users
	RefreshTokens() RefreshTokens
	AuthCodes() AuthCodes
	Clients() Clients
	GarbageCollector
	Close() error
}
