package cryptoutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple", DefaultHashCost)
	require.NoError(t, err)

	require.True(t, VerifyPassword("correct horse battery staple", hash))
	require.False(t, VerifyPassword("wrong password", hash))
}

func TestHashPasswordRaisesLowCost(t *testing.T) {
	hash, err := HashPassword("hunter2", 1)
	require.NoError(t, err)
	require.True(t, VerifyPassword("hunter2", hash))

	cost, err := bcrypt.Cost(hash)
	require.NoError(t, err)
	require.Equal(t, MinHashCost, cost)
}

func TestHashPasswordTooLong(t *testing.T) {
	_, err := HashPassword(strings.Repeat("a", maxPasswordLength+1), DefaultHashCost)
	require.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestNewAuthCodeIsUnique(t *testing.T) {
	a, err := NewAuthCode()
	require.NoError(t, err)
	b, err := NewAuthCode()
	require.NoError(t, err)

	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
	require.NotContains(t, a, "=")
}

func TestTokenDigestIsDeterministic(t *testing.T) {
	require.Equal(t, TokenDigest("abc"), TokenDigest("abc"))
	require.NotEqual(t, TokenDigest("abc"), TokenDigest("xyz"))
	require.Len(t, TokenDigest("abc"), 64)
}

func TestNewEntityIDIsUnique(t *testing.T) {
	require.NotEqual(t, NewEntityID(), NewEntityID())
}
