package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultServiceName is the subject dispatch presents to the orders API.
	DefaultServiceName = "dispatch"

	serviceTokenTTL = 15 * time.Minute
	// tokens are re-minted this long before they expire
	refreshSkew = time.Minute
)

type Claims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// GenerateServiceToken signs a short-lived HS256 token identifying service.
func GenerateServiceToken(secret, service string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := Claims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   service,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// TokenSource hands out a cached service token, minting a new one shortly
// before the current one expires.
type TokenSource struct {
	secret  string
	service string
	ttl     time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(secret, service string) *TokenSource {
	return &TokenSource{secret: secret, service: service, ttl: serviceTokenTTL}
}

func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expires) > refreshSkew {
		return s.token, nil
	}
	token, expires, err := GenerateServiceToken(s.secret, s.service, s.ttl)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	s.token, s.expires = token, expires
	return token, nil
}
