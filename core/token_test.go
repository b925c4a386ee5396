package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenSecret = []byte("test-secret")

func TestIdentityTokenRoundTrip(t *testing.T) {
	p := Participant{ID: "+84900000001", Role: Instructor, DisplayName: "Ms Lan"}

	token, exp, err := NewIdentityToken(p, time.Hour, tokenSecret)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := VerifyIdentityToken(token, tokenSecret)
	require.NoError(t, err)
	assert.Equal(t, p, claims.Participant())
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyIdentityToken(t *testing.T) {
	p := Participant{ID: "student@example.com", Role: Student, DisplayName: "An"}

	t.Run("expired token", func(t *testing.T) {
		token, _, err := NewIdentityToken(p, -time.Minute, tokenSecret)
		require.NoError(t, err)

		_, err = VerifyIdentityToken(token, tokenSecret)
		require.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, _, err := NewIdentityToken(p, time.Hour, tokenSecret)
		require.NoError(t, err)

		_, err = VerifyIdentityToken(token, []byte("other-secret"))
		require.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := VerifyIdentityToken("not-a-token", tokenSecret)
		require.ErrorIs(t, err, ErrTokenInvalid)
	})
}
