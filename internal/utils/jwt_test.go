package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserIDRoundTrip(t *testing.T) {
	raw, err := NewAccessToken("secret", "u-42", time.Minute)
	require.NoError(t, err)

	id, err := ParseUserID("secret", raw)
	require.NoError(t, err)
	assert.Equal(t, "u-42", id)
}

func TestParseUserIDNumericSubject(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": 17,
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := ParseUserID("secret", raw)
	require.NoError(t, err)
	assert.Equal(t, "17", id)
}

func TestParseUserIDRejects(t *testing.T) {
	good, err := NewAccessToken("secret", "u-1", time.Minute)
	require.NoError(t, err)
	expired, err := NewAccessToken("secret", "u-1", -time.Minute)
	require.NoError(t, err)
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()}).
		SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, tc := range map[string]struct{ secret, raw string }{
		"wrong secret": {"other", good},
		"expired":      {"secret", expired},
		"no subject":   {"secret", noSub},
		"garbage":      {"secret", "not.a.token"},
		"empty":        {"secret", ""},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUserID(tc.secret, tc.raw)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
