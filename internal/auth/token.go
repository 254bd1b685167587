package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "tessera"

// tokenClaims is the signed envelope around a token. The signature is a
// cheap pre-filter only; the vault-stored hash of the full token string
// is the source of truth for validity, revocation, and expiry.
type tokenClaims struct {
	TenantKey  string   `json:"tid"`
	SessionKey string   `json:"sid"`
	Scopes     []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenHash returns the deterministic lookup key for a token value.
func TokenHash(tokenValue string) string {
	sum := sha256.Sum256([]byte(tokenValue))
	return hex.EncodeToString(sum[:])
}

func (s *Service) mintToken(tenantKey, sessionKey string, scopes []string, now time.Time, ttl time.Duration) (string, tokenClaims, error) {
	claims := tokenClaims{
		TenantKey:  tenantKey,
		SessionKey: sessionKey,
		Scopes:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", tokenClaims{}, err
	}
	return signed, claims, nil
}

// parseToken verifies the envelope signature. Expiry is deliberately
// not checked here: the stored record decides, so that the reason
// reported to the caller comes from one place.
func (s *Service) parseToken(raw string) (*tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	var claims tokenClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
