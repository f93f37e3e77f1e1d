// Package utils holds token helpers shared by the HTTP middleware and the
// WebSocket handler.
package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// claim checks.
var ErrInvalidToken = errors.New("invalid token")

// NewAccessToken signs an HS256 token whose subject is userID. Tokens are
// issued by the identity service; this helper exists for tooling and tests.
func NewAccessToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseUserID verifies raw with secret and returns its subject. Numeric
// subjects are accepted and formatted as decimal strings.
func ParseUserID(secret, raw string) (string, error) {
	if raw == "" {
		return "", ErrInvalidToken
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	var id string
	switch sub := claims["sub"].(type) {
	case string:
		id = sub
	case float64:
		id = strconv.FormatFloat(sub, 'f', -1, 64)
	}
	if id == "" {
		if v, ok := claims["user_id"].(string); ok {
			id = v
		}
	}
	if id == "" {
		return "", ErrInvalidToken
	}
	return id, nil
}

// BearerToken strips the "Bearer " prefix from an Authorization header.
func BearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
