package aneo

import (
	"context"
	"encoding/json"

	"github.com/aneobridge/aneobridge/pkg/types"
)

// API defines the interface for the vendor cloud, implemented by Client.
// Pollers, the server and the mqtt bridge all consume this.
type API interface {
	// Authenticate exchanges a username and password for a fresh credential
	// set and installs it on the client.
	Authenticate(ctx context.Context, username, password string) (types.Credentials, error)

	// SetCredentials installs a previously persisted credential set.
	SetCredentials(creds types.Credentials)

	// Credentials returns a copy of the current credential set.
	Credentials() types.Credentials

	// TokenValid reports whether the access token looks usable based on its
	// locally computed expiry. Heuristic only.
	TokenValid() bool

	// NeedsReauth reports whether the refresh token was rejected and only a
	// full re-authentication can recover.
	NeedsReauth() bool

	// EnsureValidToken refreshes the token pair if the access token expired.
	EnsureValidToken(ctx context.Context) error

	// Refresh rotates the token pair unconditionally.
	Refresh(ctx context.Context) error

	// GetSubscriptions returns the account's charging subscriptions.
	GetSubscriptions(ctx context.Context) ([]types.Subscription, error)

	// GetChargerState returns the state of a single charging point.
	GetChargerState(ctx context.Context, chargerID string) (types.ChargerState, error)

	// AllChargerStates returns the state of every charger on the account,
	// keyed by charger id. Individual charger failures are dropped from the
	// result, not returned as errors.
	AllChargerStates(ctx context.Context) (map[string]types.Charger, error)

	// PriceData returns today's (and, in the evening, tomorrow's) hourly
	// prices for a subscription.
	PriceData(ctx context.Context, subscriptionID string) (types.PriceData, error)

	// StartCharging and StopCharging control the charging transaction on a
	// charger's socket.
	StartCharging(ctx context.Context, chargerID, subscriptionID string) (json.RawMessage, error)
	StopCharging(ctx context.Context, chargerID, subscriptionID string) (json.RawMessage, error)

	// SetCableLock sets whether the cable stays locked to the charger when
	// not charging.
	SetCableLock(ctx context.Context, chargerID string, locked bool) (json.RawMessage, error)
}
