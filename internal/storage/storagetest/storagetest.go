// Package storagetest is a conformance suite run against every storage.Store
// implementation, grounded on dexidp/dex's storage/conformance package:
// one shared table of behavioral assertions exercised against whichever
// concrete backend the caller constructs, so the in-memory test double and
// the production SQL adapter are provably equivalent.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/idpd/internal/storage"
)

// RunTests exercises every storage.Store implementation against the same
// assertions. newStore must return a fresh, empty store each call.
func RunTests(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("UserCRUD", func(t *testing.T) { testUserCRUD(t, newStore(t)) })
	t.Run("EmailCaseInsensitive", func(t *testing.T) { testEmailCaseInsensitive(t, newStore(t)) })
	t.Run("RefreshTokenLifecycle", func(t *testing.T) { testRefreshTokenLifecycle(t, newStore(t)) })
	t.Run("AuthCodeOneTimeUse", func(t *testing.T) { testAuthCodeOneTimeUse(t, newStore(t)) })
	t.Run("GarbageCollect", func(t *testing.T) { testGarbageCollect(t, newStore(t)) })
}

func testUserCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := storage.User{
		ID:           "user-1",
		Email:        "alice@x.test",
		Username:     "alice",
		PasswordHash: []byte("hash"),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, s.Users().Insert(ctx, u))

	got, err := s.Users().FindByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Email, got.Email)

	got, err = s.Users().FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	err = s.Users().Insert(ctx, u)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = s.Users().FindByID(ctx, "nonexistent")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testEmailCaseInsensitive(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := storage.User{ID: "user-2", Email: "Bob@X.test", PasswordHash: []byte("h")}
	require.NoError(t, s.Users().Insert(ctx, u))

	got, err := s.Users().FindByEmail(ctx, "bob@x.test")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	dup := storage.User{ID: "user-3", Email: "bob@x.test", PasswordHash: []byte("h")}
	err = s.Users().Insert(ctx, dup)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func testRefreshTokenLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := storage.RefreshRecord{
		ID:        "rt-1",
		UserID:    "user-1",
		TokenHash: "digest-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.RefreshTokens().Insert(ctx, rec))

	got, err := s.RefreshTokens().FindByHash(ctx, "digest-1")
	require.NoError(t, err)
	require.False(t, got.Revoked)

	require.NoError(t, s.RefreshTokens().MarkUsed(ctx, "digest-1", time.Now()))
	got, err = s.RefreshTokens().FindByHash(ctx, "digest-1")
	require.NoError(t, err)
	require.False(t, got.LastUsedAt.IsZero())

	require.NoError(t, s.RefreshTokens().MarkRevoked(ctx, "digest-1"))
	got, err = s.RefreshTokens().FindByHash(ctx, "digest-1")
	require.NoError(t, err)
	require.True(t, got.Revoked)

	// Idempotent revoke of a missing record is not an error.
	require.NoError(t, s.RefreshTokens().MarkRevoked(ctx, "no-such-digest"))
}

func testAuthCodeOneTimeUse(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := storage.AuthCode{
		Code:        "code-1",
		UserID:      "user-1",
		ClientID:    "appA",
		RedirectURI: "https://a.test/cb",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.AuthCodes().Insert(ctx, code))

	ok, err := s.AuthCodes().MarkUsed(ctx, "code-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A second exchange of the same code must lose the race.
	ok, err = s.AuthCodes().MarkUsed(ctx, "code-1")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.AuthCodes().FindByCode(ctx, "code-1")
	require.NoError(t, err)
	require.True(t, got.Used)
}

func testGarbageCollect(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AuthCodes().Insert(ctx, storage.AuthCode{
		Code: "expired", UserID: "u", ClientID: "c", RedirectURI: "r",
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.AuthCodes().Insert(ctx, storage.AuthCode{
		Code: "fresh", UserID: "u", ClientID: "c", RedirectURI: "r",
		ExpiresAt: now.Add(time.Minute),
	}))

	require.NoError(t, s.RefreshTokens().Insert(ctx, storage.RefreshRecord{
		ID: "r1", UserID: "u", TokenHash: "expired-revoked",
		ExpiresAt: now.Add(-time.Minute), Revoked: true,
	}))
	require.NoError(t, s.RefreshTokens().Insert(ctx, storage.RefreshRecord{
		ID: "r2", UserID: "u", TokenHash: "expired-unrevoked",
		ExpiresAt: now.Add(-time.Minute), Revoked: false,
	}))

	result, err := s.GarbageCollect(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, result.AuthCodes)
	require.EqualValues(t, 1, result.RefreshRecords)

	_, err = s.AuthCodes().FindByCode(ctx, "expired")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.AuthCodes().FindByCode(ctx, "fresh")
	require.NoError(t, err)

	// An expired but unrevoked refresh record survives GC: it is "dead"
	// but only physically removed once revoked too.
	_, err = s.RefreshTokens().FindByHash(ctx, "expired-unrevoked")
	require.NoError(t, err)
}
