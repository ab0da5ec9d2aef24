package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueToken(t *testing.T, secret string, claims Claims, method jwt.SigningMethod) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func testClaims(room string) Claims {
	return Claims{
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "focus-app",
			Subject:   "meet.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	verifier := NewVerifier(Config{AppID: "focus-app", Secret: "s3cret", Domain: "meet.example.com"})

	token := issueToken(t, "s3cret", testClaims("orbit"), jwt.SigningMethodHS256)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.AllowsRoom("orbit"))
	assert.True(t, claims.AllowsRoom("ORBIT"))
	assert.False(t, claims.AllowsRoom("other"))
}

func TestVerifyWildcardRoom(t *testing.T) {
	verifier := NewVerifier(Config{AppID: "focus-app", Secret: "s3cret", Domain: "meet.example.com"})

	token := issueToken(t, "s3cret", testClaims("*"), jwt.SigningMethodHS256)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.AllowsRoom("anything"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	verifier := NewVerifier(Config{AppID: "focus-app", Secret: "s3cret"})

	token := issueToken(t, "other-secret", testClaims("orbit"), jwt.SigningMethodHS256)
	_, err := verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier := NewVerifier(Config{AppID: "focus-app", Secret: "s3cret"})

	claims := testClaims("orbit")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := issueToken(t, "s3cret", claims, jwt.SigningMethodHS256)
	_, err := verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	verifier := NewVerifier(Config{AppID: "focus-app", Secret: "s3cret"})

	claims := testClaims("orbit")
	claims.Issuer = "someone-else"
	token := issueToken(t, "s3cret", claims, jwt.SigningMethodHS256)
	_, err := verifier.Verify(token)
	assert.ErrorIs(t, err, ErrWrongAudience)
}

func TestVerifyRequiresConfiguration(t *testing.T) {
	verifier := NewVerifier(Config{})

	_, err := verifier.Verify("whatever")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
