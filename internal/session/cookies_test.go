package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/idpd/internal/token"
)

func testAdapter() *Adapter {
	return &Adapter{
		Config: Config{SSODomain: ".example.test", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour},
		Codec: &token.Codec{
			Issuer:   "https://idp.example.test",
			Audience: "https://idp.example.test",
			Keys: token.Keys{
				AccessSecret:  []byte("access-secret"),
				RefreshSecret: []byte("refresh-secret"),
			},
		},
	}
}

func TestWriteAuthCookiesAreHostScoped(t *testing.T) {
	a := testAdapter()
	w := httptest.NewRecorder()
	a.WriteAuthCookies(w, "access-tok", "refresh-tok")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, c := range cookies {
		require.Empty(t, c.Domain)
		require.True(t, c.HttpOnly)
	}
}

func TestWriteSSOCookieScopedToParentDomain(t *testing.T) {
	a := testAdapter()
	w := httptest.NewRecorder()
	a.WriteSSOCookie(w, "access-tok")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	// net/http drops the leading dot of the configured domain when it
	// serializes the Set-Cookie header.
	require.Equal(t, "example.test", cookies[0].Domain)
	require.Equal(t, CookieSSO, cookies[0].Name)
}

func TestReadSSOSessionRoundTrips(t *testing.T) {
	a := testAdapter()
	access, err := a.Codec.SignAccess(token.UserInfo{UserID: "u1", Email: "alice@x.test"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	r.AddCookie(&http.Cookie{Name: CookieSSO, Value: access})

	info, err := a.ReadSSOSession(r)
	require.NoError(t, err)
	require.Equal(t, "u1", info.UserID)
}

func TestReadSSOSessionMissingCookie(t *testing.T) {
	a := testAdapter()
	r := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	_, err := a.ReadSSOSession(r)
	require.Error(t, err)
}

func TestClearAllExpiresCookies(t *testing.T) {
	a := testAdapter()
	w := httptest.NewRecorder()
	a.ClearAll(w)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 3)
	for _, c := range cookies {
		require.Equal(t, -1, c.MaxAge)
	}
}

func TestExtractBearerPrefersCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: CookieAccess, Value: "cookie-token"})
	r.Header.Set("Authorization", "Bearer header-token")

	got, ok := ExtractBearer(r)
	require.True(t, ok)
	require.Equal(t, "cookie-token", got)
}

func TestExtractBearerFallsBackToHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Authorization", "Bearer header-token")

	got, ok := ExtractBearer(r)
	require.True(t, ok)
	require.Equal(t, "header-token", got)
}

func TestExtractBearerMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	_, ok := ExtractBearer(r)
	require.False(t, ok)
}

func TestExtractRefreshPrefersCookieOverBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	r.AddCookie(&http.Cookie{Name: CookieRefresh, Value: "cookie-refresh"})

	got, ok := ExtractRefresh(r, "body-refresh")
	require.True(t, ok)
	require.Equal(t, "cookie-refresh", got)
}

func TestExtractRefreshFallsBackToBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	got, ok := ExtractRefresh(r, "body-refresh")
	require.True(t, ok)
	require.Equal(t, "body-refresh", got)
}
