package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/idpd/internal/coreerr"
	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/storage/memory"
	"github.com/dexidp/idpd/internal/token"
)

func newService() *Service {
	store := memory.New()
	codec := &token.Codec{
		Issuer:   "https://idp.example.test",
		Audience: "https://idp.example.test",
		Keys: token.Keys{
			AccessSecret:  []byte("access-secret"),
			RefreshSecret: []byte("refresh-secret"),
		},
	}
	return &Service{
		Users:         store.Users(),
		RefreshTokens: store.RefreshTokens(),
		Codec:         codec,
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newService()
	ctx := context.Background()

	u, err := s.Register(ctx, RegisterInput{Email: "alice@x.test", Password: "hunter22", Name: "Alice"})
	require.NoError(t, err)
	require.Equal(t, "alice@x.test", u.Email)

	authed, err := s.Authenticate(ctx, "alice@x.test", "hunter22")
	require.NoError(t, err)
	require.Equal(t, u.ID, authed.ID)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	s := newService()
	_, err := s.Register(context.Background(), RegisterInput{Email: "bob@x.test", Password: "short"})
	require.Error(t, err)
	require.True(t, coreerr.Is(err, coreerr.KindValidation))
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	s := newService()
	ctx := context.Background()
	_, err := s.Register(ctx, RegisterInput{Email: "carol@x.test", Password: "hunter22"})
	require.NoError(t, err)

	_, err = s.Register(ctx, RegisterInput{Email: "carol@x.test", Password: "hunter22"})
	require.True(t, coreerr.Is(err, coreerr.KindConflict))
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	s := newService()
	ctx := context.Background()
	_, err := s.Register(ctx, RegisterInput{Email: "dave@x.test", Password: "hunter22"})
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, "dave@x.test", "wrong password")
	require.True(t, coreerr.Is(err, coreerr.KindInvalidCredentials))
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	s := newService()
	_, err := s.Authenticate(context.Background(), "nobody@x.test", "whatever1")
	require.True(t, coreerr.Is(err, coreerr.KindInvalidCredentials))
}

func TestIssueSessionAndRefresh(t *testing.T) {
	s := newService()
	ctx := context.Background()
	u, err := s.Register(ctx, RegisterInput{Email: "erin@x.test", Password: "hunter22"})
	require.NoError(t, err)

	full := storage.User{ID: u.ID, Email: u.Email}
	access, refresh, err := s.IssueSession(ctx, full)
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	newAccess, err := s.Refresh(ctx, refresh)
	require.NoError(t, err)
	require.NotEmpty(t, newAccess)
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	s := newService()
	_, err := s.Refresh(context.Background(), "not-a-real-token")
	require.True(t, coreerr.Is(err, coreerr.KindInvalidToken))
}

func TestRevokeThenRefreshFails(t *testing.T) {
	s := newService()
	ctx := context.Background()
	u, err := s.Register(ctx, RegisterInput{Email: "frank@x.test", Password: "hunter22"})
	require.NoError(t, err)

	_, refresh, err := s.IssueSession(ctx, storage.User{ID: u.ID, Email: u.Email})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, refresh))

	_, err = s.Refresh(ctx, refresh)
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, coreerr.TagRevoked, ce.Tag)
}

func TestRevokeOfUnknownTokenIsNotAnError(t *testing.T) {
	s := newService()
	require.NoError(t, s.Revoke(context.Background(), "never-issued"))
}
