package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aribuy/apms-sub002/internal/rbac"
)

// Claims identify the actor behind a request. Role must be one of the closed
// rbac roles.
type Claims struct {
	Name string    `json:"name"`
	Role rbac.Role `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the authenticated caller derived from verified claims.
type Actor struct {
	ID   string
	Name string
	Role rbac.Role
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs an HS256 token for the actor valid for ttl.
func IssueToken(secret []byte, actor Actor, ttl time.Duration, now time.Time) (string, error) {
	if actor.ID == "" || !actor.Role.Valid() {
		return "", fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	claims := Claims{
		Name: actor.Name,
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the signature and expiry and resolves the role.
func ParseToken(secret []byte, token string) (Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Actor{}, ErrExpiredToken
	}
	if err != nil {
		return Actor{}, ErrInvalidToken
	}

	role, err := rbac.ParseRole(string(claims.Role))
	if err != nil || claims.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: claims.Subject, Name: claims.Name, Role: role}, nil
}
