package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/idpd/internal/coreerr"
)

func testCodec() *Codec {
	return &Codec{
		Issuer:   "https://idp.example.test",
		Audience: "https://idp.example.test",
		Keys: Keys{
			AccessSecret:  []byte("access-secret"),
			RefreshSecret: []byte("refresh-secret"),
		},
	}
}

func TestSignAndVerifyAccess(t *testing.T) {
	c := testCodec()
	info := UserInfo{UserID: "u1", Email: "alice@x.test", EmailVerified: true}

	raw, err := c.SignAccess(info)
	require.NoError(t, err)

	got, err := c.VerifyAccess(raw)
	require.NoError(t, err)
	require.Equal(t, info.UserID, got.UserID)
	require.Equal(t, info.Email, got.Email)
	require.True(t, got.EmailVerified)
}

func TestSignAndVerifyID(t *testing.T) {
	c := testCodec()
	info := UserInfo{UserID: "u1", Email: "alice@x.test", Name: "Alice"}

	raw, err := c.SignID(info)
	require.NoError(t, err)

	got, err := c.VerifyID(raw)
	require.NoError(t, err)
	require.Equal(t, "Alice", got.Name)
}

func TestIDTokenUsesConfiguredIDSecret(t *testing.T) {
	c := testCodec()
	c.Keys.IDSecret = []byte("id-secret")
	raw, err := c.SignID(UserInfo{UserID: "u1"})
	require.NoError(t, err)

	// Verifying the ID token as an access token must fail: different keys.
	_, err = c.VerifyAccess(raw)
	require.Error(t, err)
}

func TestSignAndVerifyRefresh(t *testing.T) {
	c := testCodec()
	raw, err := c.SignRefresh("u1", "tok-1")
	require.NoError(t, err)

	claims, err := c.VerifyRefresh(raw)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "tok-1", claims.TokenID)
}

func TestVerifyAccessRejectsExpiredToken(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	c := testCodec()
	c.Lifetimes.Access = time.Hour
	c.Now = func() time.Time { return past }

	raw, err := c.SignAccess(UserInfo{UserID: "u1"})
	require.NoError(t, err)

	c.Now = func() time.Time { return time.Now() }
	_, err = c.VerifyAccess(raw)
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, coreerr.TagExpired, ce.Tag)
}

func TestVerifyAccessRejectsWrongSecret(t *testing.T) {
	c := testCodec()
	raw, err := c.SignAccess(UserInfo{UserID: "u1"})
	require.NoError(t, err)

	other := testCodec()
	other.Keys.AccessSecret = []byte("a-different-secret")
	_, err = other.VerifyAccess(raw)
	require.Error(t, err)
}

func TestVerifyAccessRejectsAudienceMismatch(t *testing.T) {
	c := testCodec()
	raw, err := c.SignAccess(UserInfo{UserID: "u1"})
	require.NoError(t, err)

	other := testCodec()
	other.Audience = "https://other.example.test"
	_, err = other.VerifyAccess(raw)
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, coreerr.TagIssuerAud, ce.Tag)
}

func TestVerifyRefreshRejectsAccessToken(t *testing.T) {
	c := testCodec()
	raw, err := c.SignAccess(UserInfo{UserID: "u1"})
	require.NoError(t, err)

	_, err = c.VerifyRefresh(raw)
	require.Error(t, err)
}
