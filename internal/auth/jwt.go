package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type supabaseClaims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

// JWTVerifier checks Supabase access tokens locally against the project's
// HS256 secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, accessToken string) (Identity, error) {
	claims := &supabaseClaims{}
	_, err := v.parser.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	id := Identity{UserID: claims.Subject, Email: claims.Email}
	if name, ok := claims.UserMetadata["username"].(string); ok {
		id.Username = name
	}
	return id, nil
}

// NewVerifier prefers local verification and falls back to asking Supabase.
func NewVerifier(jwtSecret string, supabase *SupabaseClient) (Verifier, error) {
	if strings.TrimSpace(jwtSecret) != "" {
		return NewJWTVerifier(jwtSecret)
	}
	if supabase == nil {
		return nil, errors.New("either a jwt secret or a supabase client is required")
	}
	return supabase, nil
}
