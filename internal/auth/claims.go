package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token identity values.
const (
	Issuer             = "wemos-relay"
	ControllerAudience = "controller"

	defaultTTL = 60 * time.Minute
)

// ControllerClaims are the claims carried by a controller bearer token.
// Subject is the controller's source name, echoed to observers and the
// audit log with each command it submits.
type ControllerClaims struct {
	jwt.RegisteredClaims
}

// Source returns the controller name the token was issued to.
func (c *ControllerClaims) Source() string {
	return c.Subject
}

// GenerateControllerToken signs an HS256 token for source valid for ttl.
// A non-positive ttl uses one hour.
func GenerateControllerToken(source, secret string, ttl time.Duration) (string, error) {
	if source == "" {
		return "", ErrMissingSource
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := time.Now()
	claims := ControllerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   source,
			Audience:  jwt.ClaimStrings{ControllerAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing controller token: %w", err)
	}
	return signed, nil
}

// ParseControllerToken validates signature, expiry, issuer and audience
// and returns the claims.
func ParseControllerToken(tokenString, secret string) (*ControllerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ControllerClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(ControllerAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*ControllerClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}
