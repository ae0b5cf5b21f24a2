package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/models"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret, subject, ptype string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		ParticipantType: ptype,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticateValidToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, testSecret, "user-7", "student", time.Hour)

	identity, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.Identity{UserID: "user-7", Type: models.ParticipantStudent}, identity)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, "some-other-secret", "user-7", "student", time.Hour)

	_, err := a.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, testSecret, "user-7", "student", -time.Minute)

	_, err := a.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, testSecret, "", "student", time.Hour)

	_, err := a.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsUnknownParticipantType(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, testSecret, "user-7", "superadmin", time.Hour)

	_, err := a.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	_, err := a.Authenticate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsWrongSigningMethod(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		ParticipantType: "student",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-7",
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateWithoutSecret(t *testing.T) {
	a := NewJWTAuthenticator("")
	token := signToken(t, testSecret, "user-7", "student", time.Hour)

	_, err := a.Authenticate(context.Background(), token)
	assert.Error(t, err)
}
