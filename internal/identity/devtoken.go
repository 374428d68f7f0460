package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DevClaims is the payload of a development token. The verification
// contract only looks at Name.
type DevClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// IssueDevToken signs an HS256 token naming name, valid for ttl.
func IssueDevToken(secret []byte, name string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("identity: dev secret is empty")
	}
	if name == "" {
		return "", errors.New("identity: dev token needs a name")
	}

	now := time.Now()
	claims := &DevClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "relay-dev",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseDevToken validates signature and expiry of a development token.
func ParseDevToken(secret []byte, token string) (*DevClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &DevClaims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	claims, ok := parsed.Claims.(*DevClaims)
	if !ok || !parsed.Valid || claims.Name == "" {
		return nil, fmt.Errorf("%w: %v", ErrRejected, jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}
