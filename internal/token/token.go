// Package token implements the token codec (C2): signing and verification
// of the three JWT kinds the identity provider issues, each bound to an
// issuer, audience, and lifetime
//
// Grounded on the pack's idiomatic HMAC-JWT library, golang-jwt/jwt/v5
// (used this way across Abraxas-365-manifesto, stacklok-toolhive,
// streamspace-dev-streamspace/api and suleymanmyradov-growth-server), in
// place of dexidp/dex's go-jose/RSA-JWKS model: symmetric HMAC signing is
// what go-jose supports but golang-jwt's API expresses more directly.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dexidp/idpd/internal/coreerr"
)

// Kind identifies which of the three JWT kinds a token is.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindID      Kind = "id"
)

// Keys holds the HMAC signing secrets for all three token kinds.
//
// ID tokens are signed with IDSecret when it is set. When IDSecret is
// empty, ID tokens are signed with AccessSecret, so access and ID tokens
// share one key unless a separate IDSecret is configured. RefreshSecret
// must always be distinct so a leaked AccessSecret cannot forge refresh
// tokens.
type Keys struct {
	AccessSecret  []byte
	RefreshSecret []byte
	IDSecret      []byte // optional; defaults to AccessSecret when empty
}

func (k Keys) idSecret() []byte {
	if len(k.IDSecret) == 0 {
		return k.AccessSecret
	}
	return k.IDSecret
}

// Lifetimes configures the validity window of each token kind. Zero
// values fall back to the package defaults (1d / 30d); code lifetime is
// owned by the oauthcore package, not the codec.
type Lifetimes struct {
	Access  time.Duration
	Refresh time.Duration
}

const (
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Codec signs and verifies the three JWT kinds for a fixed issuer/audience
// pair.
type Codec struct {
	Issuer   string
	Audience string

	Keys      Keys
	Lifetimes Lifetimes

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Codec) accessTTL() time.Duration {
	if c.Lifetimes.Access > 0 {
		return c.Lifetimes.Access
	}
	return DefaultAccessTTL
}

func (c *Codec) refreshTTL() time.Duration {
	if c.Lifetimes.Refresh > 0 {
		return c.Lifetimes.Refresh
	}
	return DefaultRefreshTTL
}

// accessClaims backs both the access and ID token kinds: both carry
// userId/email/emailVerified, plus name on the ID token.
type accessClaims struct {
	jwt.RegisteredClaims
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Name          string `json:"name,omitempty"`
}

type refreshClaims struct {
	jwt.RegisteredClaims
	UserID  string `json:"userId"`
	TokenID string `json:"tokenId"`
}

// UserInfo is the subset of a User the codec embeds in access/ID claims.
type UserInfo struct {
	UserID        string
	Email         string
	EmailVerified bool
	Name          string
}

// SignAccess issues an access token for the given user.
func (c *Codec) SignAccess(u UserInfo) (string, error) {
	now := c.now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.Issuer,
			Audience:  jwt.ClaimStrings{c.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL())),
		},
		UserID:        u.UserID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Keys.AccessSecret)
}

// SignID issues an ID token for the given user.
func (c *Codec) SignID(u UserInfo) (string, error) {
	now := c.now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.Issuer,
			Audience:  jwt.ClaimStrings{c.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL())),
		},
		UserID:        u.UserID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Name:          u.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Keys.idSecret())
}

// SignRefresh issues a refresh token binding userID to a fresh, caller
// supplied tokenID (unique per issuance issueSession).
func (c *Codec) SignRefresh(userID, tokenID string) (string, error) {
	now := c.now()
	claims := refreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.refreshTTL())),
		},
		UserID:  userID,
		TokenID: tokenID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Keys.RefreshSecret)
}

// VerifyAccess parses and verifies an access token, classifying failures
// into malformed, expired, and issuer/audience mismatch.
func (c *Codec) VerifyAccess(raw string) (UserInfo, error) {
	claims, err := c.parse(raw, c.Keys.AccessSecret)
	if err != nil {
		return UserInfo{}, err
	}
	if err := c.checkIssAud(claims.Issuer, claims.Audience); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{
		UserID:        claims.UserID,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// VerifyID parses and verifies an ID token.
func (c *Codec) VerifyID(raw string) (UserInfo, error) {
	claims, err := c.parse(raw, c.Keys.idSecret())
	if err != nil {
		return UserInfo{}, err
	}
	if err := c.checkIssAud(claims.Issuer, claims.Audience); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{
		UserID:        claims.UserID,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

// RefreshClaims is the verified payload of a refresh JWT.
type RefreshClaims struct {
	UserID  string
	TokenID string
}

// VerifyRefresh parses and verifies a refresh token against S_refresh.
func (c *Codec) VerifyRefresh(raw string) (RefreshClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims refreshClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.Keys.RefreshSecret, nil
	})
	if err != nil {
		return RefreshClaims{}, classifyParseError(err)
	}
	if claims.Issuer != c.Issuer {
		return RefreshClaims{}, coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagIssuerAud, "token issuer mismatch")
	}
	return RefreshClaims{UserID: claims.UserID, TokenID: claims.TokenID}, nil
}

func (c *Codec) parse(raw string, secret []byte) (accessClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims accessClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return accessClaims{}, classifyParseError(err)
	}
	return claims, nil
}

func (c *Codec) checkIssAud(iss string, aud jwt.ClaimStrings) error {
	if iss != c.Issuer {
		return coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagIssuerAud, "token issuer mismatch")
	}
	for _, a := range aud {
		if a == c.Audience {
			return nil
		}
	}
	return coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagIssuerAud, "token audience mismatch")
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagMalformed, "malformed or badly signed token")
	default:
		return coreerr.Tagged(coreerr.KindInvalidToken, coreerr.TagMalformed, "invalid token")
	}
}
