// Package oauthcore implements the OAuth service (C5): the /authorize
// state machine, code issuance, the /token exchange, and client
// credential checking
//
// Grounded on dexidp/dex's server/authorizationhandlers.go and
// server/authcodehandlers.go (the authorization-code issue/exchange
// shape), narrowed to a single local-password flow with no connectors,
// PKCE, or device-code grant.
package oauthcore

import (
	"context"
	"net/url"
	"time"

	"github.com/dexidp/idpd/internal/coreerr"
	"github.com/dexidp/idpd/internal/cryptoutil"
	"github.com/dexidp/idpd/internal/identity"
	"github.com/dexidp/idpd/internal/metrics"
	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/token"
)

// DefaultCodeTTL is the authorization code lifetime absent configuration.
// An auth code is never allowed to live longer than 10 minutes.
const DefaultCodeTTL = 10 * time.Minute

// Clock is overridable for deterministic tests.
type Clock func() time.Time

// Service implements against the Clients/AuthCodes/Users ports,
// the token codec, and the authentication service (for the two named
// login operations below).
type Service struct {
	Clients       storage.Clients
	AuthCodes     storage.AuthCodes
	Users         storage.Users
	RefreshTokens storage.RefreshTokens
	Codec         *token.Codec
	Identity      *identity.Service
	Metrics       *metrics.Metrics

	// CodeTTL overrides DefaultCodeTTL when non-zero; never honored above
	// 10 minutes.
	CodeTTL time.Duration

	// RequireEmailVerified gates /authorize on SSOUser.EmailVerified when
	// the deployment requires verified email before issuing a code.
	RequireEmailVerified bool

	Now Clock
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) codeTTL() time.Duration {
	ttl := s.CodeTTL
	if ttl <= 0 || ttl > DefaultCodeTTL {
		ttl = DefaultCodeTTL
	}
	return ttl
}

// AuthorizeRequest is the parsed query of GET /oauth/authorize.
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	State        string

	// SSOUser is the verified identity read from the sso_session cookie
	// by the edge layer (internal/session), or nil if the cookie was
	// absent or failed verification.
	SSOUser *token.UserInfo
}

// AuthorizeOutcome distinguishes the two non-error shapes /authorize can
// produce.
type AuthorizeOutcome int

const (
	// OutcomeIssuedCode: redirect to RedirectURI with ?code=...&state=...
	OutcomeIssuedCode AuthorizeOutcome = iota
	// OutcomeNeedsLogin: redirect to the login page, preserving
	// client_id/redirect_uri/state.
	OutcomeNeedsLogin
)

// AuthorizeResult carries the data the edge needs to build its response.
type AuthorizeResult struct {
	Outcome     AuthorizeOutcome
	Code        string // set when Outcome == OutcomeIssuedCode
	State       string
	RedirectURI string // the validated client redirect, for OutcomeIssuedCode
}

// Authorize implements /authorize steps 1-6. Validation
// failures (steps 1-3) return a *coreerr.Error of kind Validation,
// UnknownClient, or BadRedirect and MUST NOT be rendered as a redirect to
// an unvalidated redirect_uri — the edge layer enforces this by only
// building a redirect from a non-error AuthorizeResult.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	if req.ClientID == "" || req.RedirectURI == "" || req.ResponseType != "code" {
		return AuthorizeResult{}, coreerr.New(coreerr.KindValidation, "missing or invalid required parameter")
	}

	client, err := s.Clients.FindByClientID(ctx, req.ClientID)
	if err != nil {
		if err == storage.ErrNotFound {
			return AuthorizeResult{}, coreerr.New(coreerr.KindUnknownClient, "unknown client")
		}
		return AuthorizeResult{}, coreerr.Wrap(coreerr.KindInternal, "lookup client", err)
	}

	if !client.AllowsRedirect(req.RedirectURI) {
		return AuthorizeResult{}, coreerr.New(coreerr.KindBadRedirect, "redirect_uri not in client's allowed list")
	}

	if req.SSOUser == nil || (s.RequireEmailVerified && !req.SSOUser.EmailVerified) {
		return AuthorizeResult{
			Outcome:     OutcomeNeedsLogin,
			State:       req.State,
			RedirectURI: req.RedirectURI,
		}, nil
	}

	code, err := cryptoutil.NewAuthCode()
	if err != nil {
		return AuthorizeResult{}, coreerr.Wrap(coreerr.KindInternal, "generate auth code", err)
	}

	now := s.now()
	if err := s.AuthCodes.Insert(ctx, storage.AuthCode{
		Code:        code,
		UserID:      req.SSOUser.UserID,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		ExpiresAt:   now.Add(s.codeTTL()),
	}); err != nil {
		return AuthorizeResult{}, coreerr.Wrap(coreerr.KindInternal, "persist auth code", err)
	}

	return AuthorizeResult{
		Outcome:     OutcomeIssuedCode,
		Code:        code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, nil
}

// TokenRequest is the parsed body of POST /oauth/token.
type TokenRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// TokenResponse is the JSON body returned on a successful exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Exchange implements /token validation order exactly: each
// numbered step either fails terminally or advances to the next; no step
// is skipped or reordered.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	outcome := "invalid"
	defer func() {
		if s.Metrics != nil {
			s.Metrics.CodeExchanges.WithLabelValues(outcome).Inc()
		}
	}()

	// Step 1: required parameters and grant_type.
	if req.GrantType != "authorization_code" || req.Code == "" || req.ClientID == "" ||
		req.ClientSecret == "" || req.RedirectURI == "" {
		return TokenResponse{}, coreerr.New(coreerr.KindValidation, "missing or invalid required parameter")
	}

	// Step 2: client lookup.
	client, err := s.Clients.FindByClientID(ctx, req.ClientID)
	if err != nil {
		if err == storage.ErrNotFound {
			return TokenResponse{}, coreerr.New(coreerr.KindInvalidClient, "invalid client")
		}
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "lookup client", err)
	}

	// Step 3: client secret, constant-time via bcrypt comparison.
	if !cryptoutil.VerifyPassword(req.ClientSecret, client.ClientSecretHash) {
		return TokenResponse{}, coreerr.New(coreerr.KindInvalidClient, "invalid client")
	}

	// Step 4: code lookup and client binding.
	code, err := s.AuthCodes.FindByCode(ctx, req.Code)
	if err != nil {
		if err == storage.ErrNotFound {
			return TokenResponse{}, coreerr.Tagged(coreerr.KindInvalidGrant, coreerr.TagUnknownCode, "invalid grant")
		}
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "lookup auth code", err)
	}
	if code.ClientID != req.ClientID {
		return TokenResponse{}, coreerr.Tagged(coreerr.KindInvalidGrant, coreerr.TagUnknownCode, "invalid grant")
	}

	// Step 5: not yet used.
	if code.Used {
		return TokenResponse{}, coreerr.Tagged(coreerr.KindInvalidGrant, coreerr.TagUsed, "invalid grant")
	}

	// Step 6: not expired.
	if s.now().After(code.ExpiresAt) {
		return TokenResponse{}, coreerr.Tagged(coreerr.KindInvalidGrant, "expired", "invalid grant")
	}

	// Step 7: redirect_uri byte-exact match.
	if code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, coreerr.Tagged(coreerr.KindInvalidGrant, coreerr.TagBadRedirect, "invalid grant")
	}

	// Step 8: user still exists.
	u, err := s.Users.FindByID(ctx, code.UserID)
	if err != nil {
		if err == storage.ErrNotFound {
			return TokenResponse{}, coreerr.Tagged(coreerr.KindInvalidGrant, coreerr.TagUserGone, "invalid grant")
		}
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "lookup user", err)
	}

	// Step 9: atomic Fresh -> Used transition. A lost race surfaces the
	// same "already used" failure as the synchronous check in step 5.
	ok, err := s.AuthCodes.MarkUsed(ctx, req.Code)
	if err != nil {
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "mark auth code used", err)
	}
	if !ok {
		return TokenResponse{}, coreerr.Tagged(coreerr.KindInvalidGrant, coreerr.TagUsed, "invalid grant")
	}

	// Step 10: issue tokens and persist the refresh record.
	info := token.UserInfo{UserID: u.ID, Email: u.Email, EmailVerified: u.EmailVerified, Name: u.Name}
	access, err := s.Codec.SignAccess(info)
	if err != nil {
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "sign access token", err)
	}
	idTok, err := s.Codec.SignID(info)
	if err != nil {
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "sign id token", err)
	}
	tokenID := cryptoutil.NewEntityID()
	refresh, err := s.Codec.SignRefresh(u.ID, tokenID)
	if err != nil {
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "sign refresh token", err)
	}

	now := s.now()
	refreshTTL := s.Codec.Lifetimes.Refresh
	if refreshTTL <= 0 {
		refreshTTL = token.DefaultRefreshTTL
	}
	if err := s.RefreshTokens.Insert(ctx, storage.RefreshRecord{
		ID:        cryptoutil.NewEntityID(),
		UserID:    u.ID,
		TokenHash: cryptoutil.TokenDigest(refresh),
		ExpiresAt: now.Add(refreshTTL),
	}); err != nil {
		return TokenResponse{}, coreerr.Wrap(coreerr.KindInternal, "persist refresh record", err)
	}

	accessTTL := s.Codec.Lifetimes.Access
	if accessTTL <= 0 {
		accessTTL = token.DefaultAccessTTL
	}

	outcome = "ok"
	if s.Metrics != nil {
		s.Metrics.TokensIssued.WithLabelValues("access").Inc()
		s.Metrics.TokensIssued.WithLabelValues("refresh").Inc()
		s.Metrics.TokensIssued.WithLabelValues("id").Inc()
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		IDToken:      idTok,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
	}, nil
}

// LoginDirect authenticates credentials and issues a session with no
// client context, dispatched by the edge when client_id/redirect_uri are
// absent from POST /auth/login.
func (s *Service) LoginDirect(ctx context.Context, identifier, password string) (storage.User, string, string, error) {
	outcome := "invalid"
	defer func() {
		if s.Metrics != nil {
			s.Metrics.LoginOutcomes.WithLabelValues(outcome).Inc()
		}
	}()

	u, err := s.Identity.Authenticate(ctx, identifier, password)
	if err != nil {
		return storage.User{}, "", "", err
	}
	access, refresh, err := s.Identity.IssueSession(ctx, u)
	if err != nil {
		return storage.User{}, "", "", err
	}
	outcome = "ok"
	return u, access, refresh, nil
}

// LoginAndStartOAuth authenticates credentials, issues a session, and
// returns the /oauth/authorize URL the edge should redirect the browser to
// so the now-set sso_session cookie can be picked up there. It
// deliberately does not issue an auth code itself: Authorize owns that
// decision and its client/redirect validation.
func (s *Service) LoginAndStartOAuth(ctx context.Context, identifier, password, clientID, redirectURI, state string) (u storage.User, access, refresh, authorizeURL string, err error) {
	u, access, refresh, err = s.LoginDirect(ctx, identifier, password)
	if err != nil {
		return storage.User{}, "", "", "", err
	}

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	if state != "" {
		q.Set("state", state)
	}
	return u, access, refresh, "/oauth/authorize?" + q.Encode(), nil
}
