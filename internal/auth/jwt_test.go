package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWTVerifier(t *testing.T) {
	v, err := NewJWTVerifier("topsecret")
	require.NoError(t, err)
	ctx := context.Background()

	good := sign(t, jwt.SigningMethodHS256, []byte("topsecret"), supabaseClaims{
		Email:        "ana@example.com",
		UserMetadata: map[string]any{"username": "ana"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	id, err := v.Verify(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-1", Email: "ana@example.com", Username: "ana"}, id)

	tests := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{
			Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
		"expired": sign(t, jwt.SigningMethodHS256, []byte("topsecret"), jwt.RegisteredClaims{
			Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}),
		"no expiry": sign(t, jwt.SigningMethodHS256, []byte("topsecret"), jwt.RegisteredClaims{Subject: "user-1"}),
		"no subject": sign(t, jwt.SigningMethodHS256, []byte("topsecret"), jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
		"wrong alg": sign(t, jwt.SigningMethodHS512, []byte("topsecret"), jwt.RegisteredClaims{
			Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
		"garbage": "not.a.token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, tok)
			assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
		})
	}
}

func TestNewVerifierSelection(t *testing.T) {
	v, err := NewVerifier("secret", nil)
	require.NoError(t, err)
	assert.IsType(t, &JWTVerifier{}, v)

	sb := NewSupabaseClient("https://example.supabase.co/", "anon")
	v, err = NewVerifier("", sb)
	require.NoError(t, err)
	assert.Same(t, sb, v)

	_, err = NewVerifier("", nil)
	assert.Error(t, err)
}
