package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestIssueAndValidate(t *testing.T) {
	svc := NewTokenService(secret, "ehr-access")
	subject := uuid.New()

	token, err := svc.Issue(subject, "clinician", time.Hour)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "clinician", claims.Role)

	id, err := claims.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, subject, id)
}

func TestValidateRejects(t *testing.T) {
	svc := NewTokenService(secret, "ehr-access")
	subject := uuid.New()

	expired := NewTokenService(secret, "ehr-access")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, err := expired.Issue(subject, "patient", time.Hour)
	require.NoError(t, err)

	otherKey, err := NewTokenService("another-secret-another-secret-xx", "ehr-access").Issue(subject, "patient", time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewTokenService(secret, "someone-else").Issue(subject, "patient", time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role:             "patient",
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject.String(), Issuer: "ehr-access"},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: "patient",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "not-a-uuid",
			Issuer:    "ehr-access",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not.a.token",
		"expired":      expiredToken,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"no expiry":    noExpiry,
		"bad subject":  badSubject,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Validate(token)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
			assert.True(t, errors.Is(err, ErrInvalidToken))
		})
	}
}
