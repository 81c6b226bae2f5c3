package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsTokenValid(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("Missing Token", func(t *testing.T) {
		c := Credentials{AccessTokenExpiresAt: now.Add(time.Hour)}
		assert.False(t, c.TokenValid(now), "no access token should never be valid")
	})

	t.Run("Expired", func(t *testing.T) {
		c := Credentials{AccessToken: "tok", AccessTokenExpiresAt: now.Add(-time.Second)}
		assert.False(t, c.TokenValid(now))
	})

	t.Run("Expiry Equals Now", func(t *testing.T) {
		c := Credentials{AccessToken: "tok", AccessTokenExpiresAt: now}
		assert.False(t, c.TokenValid(now), "an expiry exactly at now is no longer valid")
	})

	t.Run("Valid", func(t *testing.T) {
		c := Credentials{AccessToken: "tok", AccessTokenExpiresAt: now.Add(time.Minute)}
		assert.True(t, c.TokenValid(now))
	})
}

func TestCredentialsCanRefresh(t *testing.T) {
	assert.False(t, Credentials{}.CanRefresh())
	assert.False(t, Credentials{RefreshToken: "r"}.CanRefresh(), "refresh also needs the user id")
	assert.False(t, Credentials{UserID: "u"}.CanRefresh())
	assert.True(t, Credentials{RefreshToken: "r", UserID: "u"}.CanRefresh())
}

func TestMigrateCredentials(t *testing.T) {
	t.Run("Current Version Untouched", func(t *testing.T) {
		in := Credentials{Username: "a@b.c"}
		out, changed, err := MigrateCredentials(in, CurrentCredentialsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, in, out)
	})

	t.Run("From Zero", func(t *testing.T) {
		in := Credentials{Username: "a@b.c"}
		out, changed, err := MigrateCredentials(in, 0)
		require.NoError(t, err)
		assert.False(t, changed, "version 1 has no defaults to apply")
		assert.Equal(t, in, out)
	})
}
