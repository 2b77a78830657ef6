package jwt

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenManager(t *testing.T) {
	tm := NewTokenManager("secret", 24, 168)
	assert.Equal(t, []byte("secret"), tm.secret)
	assert.Equal(t, 24*time.Hour, tm.ExpireDuration())
	assert.Equal(t, 168*time.Hour, tm.refreshDur)
}

func TestGenerateAndParse(t *testing.T) {
	tm := NewTokenManager("secret", 24, 168)

	token, err := tm.GenerateToken("NYX-AAAAAAAA", "session-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "NYX-AAAAAAAA", claims.UserID)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, "NYX-AAAAAAAA", claims.Subject)
}

func TestParseToken_Errors(t *testing.T) {
	tm := NewTokenManager("secret", 24, 168)

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.ParseToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenManager("other", 24, 168)
		token, err := other.GenerateToken("NYX-AAAAAAAA", "s")
		require.NoError(t, err)

		_, err = tm.ParseToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		claims := Claims{
			UserID: "NYX-AAAAAAAA",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
		require.NoError(t, err)

		_, err = tm.ParseToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("not yet valid", func(t *testing.T) {
		claims := Claims{
			UserID: "NYX-AAAAAAAA",
			RegisteredClaims: jwt.RegisteredClaims{
				NotBefore: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
		require.NoError(t, err)

		_, err = tm.ParseToken(token)
		assert.ErrorIs(t, err, ErrTokenNotYetValid)
	})

	t.Run("missing user id", func(t *testing.T) {
		token, err := tm.GenerateToken("", "s")
		require.NoError(t, err)

		_, err = tm.ParseToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRefreshToken(t *testing.T) {
	t.Run("fresh token is not refreshable", func(t *testing.T) {
		tm := NewTokenManager("secret", 24, 1)
		token, err := tm.GenerateToken("NYX-AAAAAAAA", "s")
		require.NoError(t, err)

		_, err = tm.RefreshToken(token)
		assert.ErrorIs(t, err, ErrNotRefreshable)
	})

	t.Run("token near expiry keeps session", func(t *testing.T) {
		tm := NewTokenManager("secret", 1, 2)
		token, err := tm.GenerateToken("NYX-AAAAAAAA", "session-9")
		require.NoError(t, err)

		refreshed, err := tm.RefreshToken(token)
		require.NoError(t, err)

		claims, err := tm.ParseToken(refreshed)
		require.NoError(t, err)
		assert.Equal(t, "session-9", claims.SessionID)
	})

	t.Run("expired beyond window", func(t *testing.T) {
		tm := NewTokenManager("secret", 24, 1)
		claims := Claims{
			UserID: "NYX-AAAAAAAA",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-3 * time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
		require.NoError(t, err)

		_, err = tm.RefreshToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}
