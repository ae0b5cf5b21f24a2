package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"realtime-service/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Authenticator resolves a bearer token to a platform identity. Identities
// are issued by the auth service; this service only validates and consumes
// them.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.Identity, error)
}

// Claims is the token payload issued by the platform's auth service.
type Claims struct {
	ParticipantType string `json:"ptype"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens signed with the platform secret.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator constructs the validator.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate parses and validates the token and returns the identity it
// carries.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (models.Identity, error) {
	if len(a.secret) == 0 {
		return models.Identity{}, errors.New("jwt secret not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return models.Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return models.Identity{}, ErrInvalidToken
	}
	identity := models.Identity{
		UserID: claims.Subject,
		Type:   models.ParticipantType(claims.ParticipantType),
	}
	if !identity.Type.Valid() {
		return models.Identity{}, ErrInvalidToken
	}
	return identity, nil
}
