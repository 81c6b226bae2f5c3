package types

import (
	"fmt"
	"time"
)

// CurrentCredentialsVersion is the current version of the stored credential
// set. Increment this value when adding new fields that require migration.
const CurrentCredentialsVersion = 1

// Credentials is the full vendor credential set. The access token is
// short-lived and its expiry is computed locally (the vendor does not return
// one); the refresh token is long-lived and rotates on every refresh, the
// previous value being invalidated server-side.
type Credentials struct {
	// Account identity, set at authentication and never changed by a refresh.
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`
	Username  string `json:"username"`

	AccessToken string `json:"accessToken"`
	// AccessTokenExpiresAt is a local estimate (issue time plus a fixed
	// lifetime with margin), not a server-asserted value. It only drives the
	// proactive-refresh heuristic; the server remains the final authority.
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`

	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

// TokenValid reports whether an access token is present and the locally
// computed expiry is still in the future. A 401 on a token that passes this
// check must still trigger a reactive refresh.
func (c Credentials) TokenValid(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.AccessTokenExpiresAt)
}

// CanRefresh reports whether the set holds what the token refresh endpoint
// needs. When false, only a full re-authentication can recover.
func (c Credentials) CanRefresh() bool {
	return c.RefreshToken != "" && c.UserID != ""
}

// MigrateCredentials migrates a stored credential set to the current version.
// It returns the migrated set, a boolean indicating if changes were made, and
// an error if migration failed.
func MigrateCredentials(c Credentials, currentVersion int) (Credentials, bool, error) {
	if currentVersion >= CurrentCredentialsVersion {
		return c, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentCredentialsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial, nothing to default
		default:
			return c, false, fmt.Errorf("unknown credentials version: %d", version)
		}
	}

	return c, migrated, nil
}
