package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadToken signals a missing, malformed, expired or forged token.
var ErrBadToken = errors.New("gate: invalid token")

// TokenIssuer mints and verifies the signed service tokens the transport
// layer presents on each call.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewTokenIssuer(secret string, ttl time.Duration, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, issuer: issuer}
}

// Issue signs a token carrying the identity id.
func (t *TokenIssuer) Issue(identityID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identityID,
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("gate: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and issuer and returns the identity id.
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrBadToken
	}
	return claims.Subject, nil
}
