package identity

import (
	"context"
	"testing"
	"time"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(config.IdentityConfig{Secret: "s3cret", Issuer: "netsentry", Audience: "control"})
	require.NoError(t, err)
	return v
}

func TestVerify_Valid(t *testing.T) {
	v := newVerifier(t)
	tok, err := v.Issue("alice", "tok-1", time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, "netsentry", id.Claims["iss"])
}

func TestVerify_Unauthorized(t *testing.T) {
	v := newVerifier(t)

	other, err := NewJWTVerifier(config.IdentityConfig{Secret: "different", Issuer: "netsentry", Audience: "control"})
	require.NoError(t, err)
	forged, err := other.Issue("mallory", "", time.Hour)
	require.NoError(t, err)

	expired, err := v.Issue("alice", "", -time.Minute)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "netsentry", Audience: jwt.ClaimStrings{"control"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "Bearer not.a.jwt"},
		{"wrong secret", forged},
		{"expired", expired},
		{"no subject", noSubject},
		{"alg none", noneAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			require.Error(t, err)
			assert.Equal(t, nserrors.KindUnauthorized, nserrors.GetKind(err))
		})
	}
}

func TestVerify_Revoked(t *testing.T) {
	v, err := NewJWTVerifier(config.IdentityConfig{Secret: "s3cret", RevokedTokens: []string{"tok-2"}})
	require.NoError(t, err)

	byID, err := v.Issue("bob", "tok-2", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), byID)
	require.Error(t, err)
	assert.Equal(t, nserrors.KindRevoked, nserrors.GetKind(err))

	byHash, err := v.Issue("carol", "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), byHash)
	require.NoError(t, err)

	v.Revoke(TokenHash(byHash))
	_, err = v.Verify(context.Background(), byHash)
	assert.Equal(t, nserrors.KindRevoked, nserrors.GetKind(err))
}

func TestNewJWTVerifier_NoSecret(t *testing.T) {
	_, err := NewJWTVerifier(config.IdentityConfig{})
	assert.Error(t, err)
}
