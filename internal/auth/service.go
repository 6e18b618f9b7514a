// Package auth issues and verifies operator tokens for the admin endpoints.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	PermTiersRead  = "tiers:read"
	PermTiersWrite = "tiers:write"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrForbidden       = errors.New("missing permission")
	ErrSecretTooShort  = errors.New("jwt secret must be at least 32 bytes")
	ErrMissingOperator = errors.New("operator is required")
)

const minSecretLength = 32

type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type Claims struct {
	Operator string   `json:"operator"`
	Perms    []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Has reports whether the token grants perm.
func (c *Claims) Has(perm string) bool {
	return slices.Contains(c.Perms, perm)
}

func NewService(secret, issuer string, ttl time.Duration) (*Service, error) {
	if len(secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for operator carrying perms.
func (s *Service) Issue(operator string, perms ...string) (string, error) {
	if operator == "" {
		return "", ErrMissingOperator
	}
	now := s.now()
	claims := &Claims{
		Operator: operator,
		Perms:    perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyToken parses a token with or without a "Bearer " prefix.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize verifies the token and requires perm.
func (s *Service) Authorize(tokenString, perm string) (*Claims, error) {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.Has(perm) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, perm)
	}
	return claims, nil
}
