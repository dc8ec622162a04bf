package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/idpd/internal/corelog"
	"github.com/dexidp/idpd/internal/cryptoutil"
	"github.com/dexidp/idpd/internal/identity"
	"github.com/dexidp/idpd/internal/oauthcore"
	"github.com/dexidp/idpd/internal/session"
	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/storage/memory"
	"github.com/dexidp/idpd/internal/token"
)

const testRedirectURI = "https://rp.example.test/callback"

func newTestRouter(t *testing.T) http.Handler {
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
	idSvc := &identity.Service{Users: store.Users(), RefreshTokens: store.RefreshTokens(), Codec: codec}
	oauthSvc := &oauthcore.Service{
		Clients: store.Clients(), AuthCodes: store.AuthCodes(),
		Users: store.Users(), RefreshTokens: store.RefreshTokens(),
		Codec: codec, Identity: idSvc,
	}
	cookies := &session.Adapter{Codec: codec}

	secretHash, err := cryptoutil.HashPassword("client-secret-1", cryptoutil.DefaultHashCost)
	require.NoError(t, err)
	memory.Seed(store, storage.Client{
		ClientID: "client-1", ClientSecretHash: secretHash,
		AllowedRedirectURIs: []string{testRedirectURI},
	})

	return NewRouter(Config{
		Identity: idSvc,
		OAuth:    oauthSvc,
		Cookies:  cookies,
		Codec:    codec,
		Logger:   corelog.Nop{},
		Health:   func() error { return nil },
	})
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(body).Decode(&env))
	return env
}

func TestRegisterAndLoginDirect(t *testing.T) {
	r := newTestRouter(t)

	regBody := `{"email":"alice@x.test","password":"hunter22"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(regBody))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, decodeEnvelope(t, rec.Body).Success)

	loginBody := `{"identifier":"alice@x.test","password":"hunter22"}`
	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(loginBody))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := rec.Result()
	var sawAccess, sawRefresh, sawSSO bool
	for _, c := range resp.Cookies() {
		switch c.Name {
		case session.CookieAccess:
			sawAccess = true
		case session.CookieRefresh:
			sawRefresh = true
		case session.CookieSSO:
			sawSSO = true
		}
	}
	require.True(t, sawAccess)
	require.True(t, sawRefresh)
	require.True(t, sawSSO)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	r := newTestRouter(t)
	body := `{"identifier":"nobody@x.test","password":"wrongpass1"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	require.False(t, env.Success)
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	r := newTestRouter(t)

	regBody := `{"email":"carol@x.test","password":"hunter22"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(regBody))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	loginBody := `{"identifier":"carol@x.test","password":"hunter22","client_id":"client-1","redirect_uri":"` + testRedirectURI + `","state":"abc"}`
	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(loginBody))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/oauth/authorize", loc.Path)

	var ssoCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieSSO {
			ssoCookie = c
		}
	}
	require.NotNil(t, ssoCookie)

	req = httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+loc.RawQuery, nil)
	req.AddCookie(ssoCookie)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	redirectLoc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := redirectLoc.Query().Get("code")
	require.NotEmpty(t, code)
	require.Equal(t, "abc", redirectLoc.Query().Get("state"))

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"client-1"},
		"client_secret": {"client-secret-1"},
		"redirect_uri":  {testRedirectURI},
	}
	req = httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp oauthcore.TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
}

func TestAuthorizeWithoutCookieRedirectsToLogin(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=client-1&redirect_uri="+
		url.QueryEscape(testRedirectURI)+"&response_type=code", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/login", func() string {
		loc, _ := url.Parse(rec.Header().Get("Location"))
		return loc.Path
	}())
}

func TestAuthorizeRejectsUnknownClientAsJSON(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=nope&redirect_uri="+
		url.QueryEscape(testRedirectURI)+"&response_type=code", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, decodeEnvelope(t, rec.Body).Success)
}

func TestHealthzOK(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMeRequiresBearer(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
