// Package identity implements the authentication service (C4): register,
// authenticate, issue-session, refresh, revoke
//
// Grounded on dexidp/dex's password-connector flow (connector/sql,
// server/password.go in spirit) generalized into a single local
// credential store, since there are no federated connectors here.
package identity

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dexidp/idpd/internal/coreerr"
	"github.com/dexidp/idpd/internal/cryptoutil"
	"github.com/dexidp/idpd/internal/metrics"
	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/token"
)

// MinPasswordLength is the floor enforced by Register when no stricter
// configuration is supplied.
const MinPasswordLength = 8

// Clock is overridable for deterministic tests.
type Clock func() time.Time

// Service implements against a storage.Store and a token.Codec.
type Service struct {
	Users         storage.Users
	RefreshTokens storage.RefreshTokens
	Codec         *token.Codec
	Metrics       *metrics.Metrics

	// HashCost configures bcrypt cost for Register; 0 uses
	// cryptoutil.DefaultHashCost.
	HashCost int

	// MinPasswordLength overrides MinPasswordLength when non-zero.
	MinPasswordLength int

	Now Clock
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) hashCost() int {
	if s.HashCost > 0 {
		return s.HashCost
	}
	return cryptoutil.DefaultHashCost
}

func (s *Service) minPasswordLength() int {
	if s.MinPasswordLength > 0 {
		return s.MinPasswordLength
	}
	return MinPasswordLength
}

// RegisterInput is the parsed body of POST /auth/register.
type RegisterInput struct {
	Email    string
	Username string // optional
	Password string
	Name     string // optional
}

// Register creates a new user. It does not issue tokens.
func (s *Service) Register(ctx context.Context, in RegisterInput) (storage.PublicUser, error) {
	if in.Email == "" {
		return storage.PublicUser{}, coreerr.New(coreerr.KindValidation, "email is required")
	}
	if utf8.RuneCountInString(in.Password) < s.minPasswordLength() {
		return storage.PublicUser{}, coreerr.New(coreerr.KindValidation, "password does not meet the minimum length policy")
	}

	if _, err := s.Users.FindByEmail(ctx, in.Email); err == nil {
		return storage.PublicUser{}, coreerr.New(coreerr.KindConflict, "email already taken")
	} else if err != storage.ErrNotFound {
		return storage.PublicUser{}, coreerr.Wrap(coreerr.KindInternal, "lookup user by email", err)
	}

	// Only query username uniqueness when one was supplied.
	if in.Username != "" {
		if _, err := s.Users.FindByUsername(ctx, in.Username); err == nil {
			return storage.PublicUser{}, coreerr.New(coreerr.KindConflict, "username already taken")
		} else if err != storage.ErrNotFound {
			return storage.PublicUser{}, coreerr.Wrap(coreerr.KindInternal, "lookup user by username", err)
		}
	}

	hash, err := cryptoutil.HashPassword(in.Password, s.hashCost())
	if err != nil {
		return storage.PublicUser{}, coreerr.Wrap(coreerr.KindInternal, "hash password", err)
	}

	now := s.now()
	u := storage.User{
		ID:           cryptoutil.NewEntityID(),
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: hash,
		Name:         in.Name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Users.Insert(ctx, u); err != nil {
		if err == storage.ErrAlreadyExists {
			return storage.PublicUser{}, coreerr.New(coreerr.KindConflict, "email or username already taken")
		}
		return storage.PublicUser{}, coreerr.Wrap(coreerr.KindInternal, "insert user", err)
	}
	return u.Public(), nil
}

// Authenticate resolves identifier by shape (contains "@" => email,
// otherwise username) and verifies password. The not-found and
// password-mismatch cases are collapsed into a single InvalidCredentials
// failure, externally indistinguishable from one another.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (storage.User, error) {
	var (
		u   storage.User
		err error
	)
	if strings.Contains(identifier, "@") {
		u, err = s.Users.FindByEmail(ctx, identifier)
	} else {
		u, err = s.Users.FindByUsername(ctx, identifier)
	}

	invalid := coreerr.New(coreerr.KindInvalidCredentials, "invalid credentials")

	if err != nil {
		if err == storage.ErrNotFound {
			// Still run a bcrypt comparison against a fixed dummy hash so
			// the no-such-user and wrong-password paths take comparable
			// time.
			cryptoutil.VerifyPassword(password, dummyHash)
			return storage.User{}, invalid
		}
		return storage.User{}, coreerr.Wrap(coreerr.KindInternal, "lookup user", err)
	}

	if !cryptoutil.VerifyPassword(password, u.PasswordHash) {
		return storage.User{}, invalid
	}
	return u, nil
}

// dummyHash is a valid bcrypt digest of an unguessable constant, used only
// to keep Authenticate's two failure paths the same shape of work.
var dummyHash = []byte("$2a$12$CwTycUXWue0Thq9StjUM0uJ8gpXGVMQn9oS9k7z0kQxQk5Z1F4Tpa")

// IssueSession mints a fresh (access, refresh) pair for an authenticated
// user and records the refresh token's digest.
func (s *Service) IssueSession(ctx context.Context, u storage.User) (access, refresh string, err error) {
	info := token.UserInfo{UserID: u.ID, Email: u.Email, EmailVerified: u.EmailVerified, Name: u.Name}

	access, err = s.Codec.SignAccess(info)
	if err != nil {
		return "", "", coreerr.Wrap(coreerr.KindInternal, "sign access token", err)
	}

	tokenID := cryptoutil.NewEntityID()
	refresh, err = s.Codec.SignRefresh(u.ID, tokenID)
	if err != nil {
		return "", "", coreerr.Wrap(coreerr.KindInternal, "sign refresh token", err)
	}

	now := s.now()
	rec := storage.RefreshRecord{
		ID:        cryptoutil.NewEntityID(),
		UserID:    u.ID,
		TokenHash: cryptoutil.TokenDigest(refresh),
		ExpiresAt: now.Add(token.DefaultRefreshTTL),
		Revoked:   false,
	}
	if s.Codec.Lifetimes.Refresh > 0 {
		rec.ExpiresAt = now.Add(s.Codec.Lifetimes.Refresh)
	}
	if err := s.RefreshTokens.Insert(ctx, rec); err != nil {
		return "", "", coreerr.Wrap(coreerr.KindInternal, "persist refresh record", err)
	}

	if s.Metrics != nil {
		s.Metrics.TokensIssued.WithLabelValues("access").Inc()
		s.Metrics.TokensIssued.WithLabelValues("refresh").Inc()
	}
	return access, refresh, nil
}

// Refresh exchanges a valid, unrevoked, unexpired refresh token for a
// fresh access token. Steps follow exactly; any failure is
// terminal with no partial state change. The refresh token itself is not
// rotated.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (string, error) {
	outcome := "invalid"
	defer func() {
		if s.Metrics != nil {
			s.Metrics.RefreshOutcomes.WithLabelValues(outcome).Inc()
		}
	}()

	claims, err := s.Codec.VerifyRefresh(rawRefresh)
	if err != nil {
		return "", coreerr.New(coreerr.KindInvalidToken, "invalid refresh token")
	}

	hash := cryptoutil.TokenDigest(rawRefresh)
	rec, err := s.RefreshTokens.FindByHash(ctx, hash)
	if err != nil {
		if err == storage.ErrNotFound {
			return "", coreerr.New(coreerr.KindInvalidToken, "invalid refresh token")
		}
		return "", coreerr.Wrap(coreerr.KindInternal, "lookup refresh record", err)
	}

	if rec.Revoked {
		outcome = "revoked"
		return "", coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagRevoked, "refresh token revoked")
	}

	now := s.now()
	if now.After(rec.ExpiresAt) {
		outcome = "expired"
		return "", coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagExpired, "refresh token expired")
	}

	u, err := s.Users.FindByID(ctx, claims.UserID)
	if err != nil {
		if err == storage.ErrNotFound {
			return "", coreerr.New(coreerr.KindInvalidToken, "invalid refresh token")
		}
		return "", coreerr.Wrap(coreerr.KindInternal, "lookup user", err)
	}

	if err := s.RefreshTokens.MarkUsed(ctx, hash, now); err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "mark refresh token used", err)
	}

	access, err := s.Codec.SignAccess(token.UserInfo{
		UserID: u.ID, Email: u.Email, EmailVerified: u.EmailVerified, Name: u.Name,
	})
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "sign access token", err)
	}

	outcome = "ok"
	if s.Metrics != nil {
		s.Metrics.TokensIssued.WithLabelValues("access").Inc()
	}
	return access, nil
}

// Revoke invalidates a refresh token. A missing record is not an error:
// logout should not leak whether the token ever existed.
func (s *Service) Revoke(ctx context.Context, rawRefresh string) error {
	hash := cryptoutil.TokenDigest(rawRefresh)
	if err := s.RefreshTokens.MarkRevoked(ctx, hash); err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "revoke refresh token", err)
	}
	return nil
}
