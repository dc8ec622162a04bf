package oauthcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/idpd/internal/coreerr"
	"github.com/dexidp/idpd/internal/cryptoutil"
	"github.com/dexidp/idpd/internal/identity"
	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/storage/memory"
	"github.com/dexidp/idpd/internal/token"
)

const testRedirectURI = "https://rp.example.test/callback"

func newFixture(t *testing.T) (*Service, storage.Store, storage.User) {
	t.Helper()
	store := memory.New()
	codec := &token.Codec{
		Issuer:   "https://idp.example.test",
		Audience: "https://idp.example.test",
		Keys: token.Keys{
			AccessSecret:  []byte("access-secret"),
			RefreshSecret: []byte("refresh-secret"),
		},
	}
	idSvc := &identity.Service{
		Users:         store.Users(),
		RefreshTokens: store.RefreshTokens(),
		Codec:         codec,
	}

	secretHash, err := cryptoutil.HashPassword("client-secret-1", cryptoutil.DefaultHashCost)
	require.NoError(t, err)
	memory.Seed(store, storage.Client{
		ClientID:            "client-1",
		ClientSecretHash:    secretHash,
		AllowedRedirectURIs: []string{testRedirectURI},
	})

	u, err := idSvc.Register(context.Background(), identity.RegisterInput{
		Email: "alice@x.test", Password: "hunter22",
	})
	require.NoError(t, err)
	full, err := store.Users().FindByID(context.Background(), u.ID)
	require.NoError(t, err)

	svc := &Service{
		Clients:       store.Clients(),
		AuthCodes:     store.AuthCodes(),
		Users:         store.Users(),
		RefreshTokens: store.RefreshTokens(),
		Codec:         codec,
		Identity:      idSvc,
	}
	return svc, store, full
}

func TestAuthorizeNeedsLoginWithoutSSOCookie(t *testing.T) {
	svc, _, _ := newFixture(t)
	result, err := svc.Authorize(context.Background(), AuthorizeRequest{
		ClientID: "client-1", RedirectURI: testRedirectURI, ResponseType: "code",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsLogin, result.Outcome)
}

func TestAuthorizeIssuesCodeWithSSOCookie(t *testing.T) {
	svc, _, user := newFixture(t)
	info := &token.UserInfo{UserID: user.ID, Email: user.Email}

	result, err := svc.Authorize(context.Background(), AuthorizeRequest{
		ClientID: "client-1", RedirectURI: testRedirectURI, ResponseType: "code",
		State: "xyz", SSOUser: info,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssuedCode, result.Outcome)
	require.NotEmpty(t, result.Code)
	require.Equal(t, "xyz", result.State)
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	svc, _, _ := newFixture(t)
	_, err := svc.Authorize(context.Background(), AuthorizeRequest{
		ClientID: "no-such-client", RedirectURI: testRedirectURI, ResponseType: "code",
	})
	require.True(t, coreerr.Is(err, coreerr.KindUnknownClient))
}

func TestAuthorizeRejectsBadRedirect(t *testing.T) {
	svc, _, _ := newFixture(t)
	_, err := svc.Authorize(context.Background(), AuthorizeRequest{
		ClientID: "client-1", RedirectURI: "https://evil.example.test/callback", ResponseType: "code",
	})
	require.True(t, coreerr.Is(err, coreerr.KindBadRedirect))
}

func TestAuthorizeRejectsMissingParams(t *testing.T) {
	svc, _, _ := newFixture(t)
	_, err := svc.Authorize(context.Background(), AuthorizeRequest{ClientID: "client-1"})
	require.True(t, coreerr.Is(err, coreerr.KindValidation))
}

func issueCode(t *testing.T, svc *Service, user storage.User) string {
	t.Helper()
	result, err := svc.Authorize(context.Background(), AuthorizeRequest{
		ClientID: "client-1", RedirectURI: testRedirectURI, ResponseType: "code",
		SSOUser: &token.UserInfo{UserID: user.ID, Email: user.Email},
	})
	require.NoError(t, err)
	return result.Code
}

func TestExchangeHappyPath(t *testing.T) {
	svc, _, user := newFixture(t)
	code := issueCode(t, svc, user)

	resp, err := svc.Exchange(context.Background(), TokenRequest{
		GrantType: "authorization_code", Code: code,
		ClientID: "client-1", ClientSecret: "client-secret-1", RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.NotEmpty(t, resp.IDToken)
	require.Equal(t, "Bearer", resp.TokenType)
}

func TestExchangeRejectsCodeReuse(t *testing.T) {
	svc, _, user := newFixture(t)
	code := issueCode(t, svc, user)
	req := TokenRequest{
		GrantType: "authorization_code", Code: code,
		ClientID: "client-1", ClientSecret: "client-secret-1", RedirectURI: testRedirectURI,
	}

	_, err := svc.Exchange(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), req)
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, coreerr.TagUsed, ce.Tag)
}

func TestExchangeRejectsWrongClientSecret(t *testing.T) {
	svc, _, user := newFixture(t)
	code := issueCode(t, svc, user)

	_, err := svc.Exchange(context.Background(), TokenRequest{
		GrantType: "authorization_code", Code: code,
		ClientID: "client-1", ClientSecret: "totally-wrong", RedirectURI: testRedirectURI,
	})
	require.True(t, coreerr.Is(err, coreerr.KindInvalidClient))
}

func TestExchangeRejectsRedirectMismatch(t *testing.T) {
	svc, _, user := newFixture(t)
	code := issueCode(t, svc, user)

	_, err := svc.Exchange(context.Background(), TokenRequest{
		GrantType: "authorization_code", Code: code,
		ClientID: "client-1", ClientSecret: "client-secret-1",
		RedirectURI: "https://rp.example.test/other",
	})
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, coreerr.TagBadRedirect, ce.Tag)
}

func TestExchangeRejectsExpiredCode(t *testing.T) {
	svc, _, user := newFixture(t)
	svc.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	code := issueCode(t, svc, user)

	svc.Now = func() time.Time { return time.Now() }
	_, err := svc.Exchange(context.Background(), TokenRequest{
		GrantType: "authorization_code", Code: code,
		ClientID: "client-1", ClientSecret: "client-secret-1", RedirectURI: testRedirectURI,
	})
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, "expired", ce.Tag)
}

func TestExchangeRejectsUnknownCode(t *testing.T) {
	svc, _, _ := newFixture(t)
	_, err := svc.Exchange(context.Background(), TokenRequest{
		GrantType: "authorization_code", Code: "never-issued",
		ClientID: "client-1", ClientSecret: "client-secret-1", RedirectURI: testRedirectURI,
	})
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, coreerr.TagUnknownCode, ce.Tag)
}

func TestLoginDirectAndStartOAuth(t *testing.T) {
	svc, _, _ := newFixture(t)

	u, access, refresh, err := svc.LoginDirect(context.Background(), "alice@x.test", "hunter22")
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	require.Equal(t, "alice@x.test", u.Email)

	_, _, _, redirectURL, err := svc.LoginAndStartOAuth(
		context.Background(), "alice@x.test", "hunter22", "client-1", testRedirectURI, "state-1")
	require.NoError(t, err)
	require.Contains(t, redirectURL, "/oauth/authorize?")
	require.Contains(t, redirectURL, "client_id=client-1")
	require.Contains(t, redirectURL, "state=state-1")
}
