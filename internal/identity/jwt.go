// Package identity verifies operator bearer tokens.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier accepts HS256 tokens signed with a shared secret. Tokens can be
// revoked by their jti claim or by the SHA-256 of the raw token.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewJWTVerifier builds a verifier from config.
func NewJWTVerifier(cfg config.IdentityConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("identity secret is not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	v := &JWTVerifier{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser:   jwt.NewParser(opts...),
		revoked:  make(map[string]struct{}),
	}
	for _, id := range cfg.RevokedTokens {
		v.Revoke(id)
	}
	return v, nil
}

// Revoke blocks a token id (jti) or a token hash.
func (v *JWTVerifier) Revoke(id string) {
	v.mu.Lock()
	v.revoked[id] = struct{}{}
	v.mu.Unlock()
}

func (v *JWTVerifier) isRevoked(ids ...string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := v.revoked[id]; ok {
			return true
		}
	}
	return false
}

// Verify checks the bearer credential and returns the operator identity.
func (v *JWTVerifier) Verify(ctx context.Context, bearer string) (model.Identity, error) {
	raw := strings.TrimSpace(bearer)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return model.Identity{}, nserrors.New(nserrors.KindUnauthorized, "missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return model.Identity{}, nserrors.Wrap(err, nserrors.KindUnauthorized, "invalid token")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return model.Identity{}, nserrors.New(nserrors.KindUnauthorized, "token has no subject")
	}

	jti, _ := claims["jti"].(string)
	if v.isRevoked(jti, TokenHash(raw)) {
		return model.Identity{}, nserrors.Attr(nserrors.New(nserrors.KindRevoked, "token has been revoked"), "subject", subject)
	}

	return model.Identity{Subject: subject, Claims: map[string]any(claims)}, nil
}

// Issue signs a token for subject; used by operators' tooling and tests.
func (v *JWTVerifier) Issue(subject, id string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.issuer != "" {
		claims.Issuer = v.issuer
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenHash is the revocation key for a raw token without a jti.
func TokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
