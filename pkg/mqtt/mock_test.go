package mqtt

import (
	"context"
	"encoding/json"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockAPI struct {
	mock.Mock
}

var _ aneo.API = (*mockAPI)(nil)

func (m *mockAPI) Authenticate(ctx context.Context, username, password string) (types.Credentials, error) {
	args := m.Called(ctx, username, password)
	if len(args) > 0 {
		return args.Get(0).(types.Credentials), args.Error(1)
	}
	return types.Credentials{}, nil
}

func (m *mockAPI) SetCredentials(creds types.Credentials) {
	m.Called(creds)
}

func (m *mockAPI) Credentials() types.Credentials {
	args := m.Called()
	if len(args) > 0 {
		return args.Get(0).(types.Credentials)
	}
	return types.Credentials{}
}

func (m *mockAPI) TokenValid() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockAPI) NeedsReauth() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockAPI) EnsureValidToken(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockAPI) Refresh(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockAPI) GetSubscriptions(ctx context.Context) ([]types.Subscription, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Subscription), args.Error(1)
	}
	return nil, nil
}

func (m *mockAPI) GetChargerState(ctx context.Context, chargerID string) (types.ChargerState, error) {
	args := m.Called(ctx, chargerID)
	if len(args) > 0 {
		return args.Get(0).(types.ChargerState), args.Error(1)
	}
	return types.ChargerState{}, nil
}

func (m *mockAPI) AllChargerStates(ctx context.Context) (map[string]types.Charger, error) {
	args := m.Called(ctx)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(map[string]types.Charger), args.Error(1)
}

func (m *mockAPI) PriceData(ctx context.Context, subscriptionID string) (types.PriceData, error) {
	args := m.Called(ctx, subscriptionID)
	if len(args) > 0 {
		return args.Get(0).(types.PriceData), args.Error(1)
	}
	return types.PriceData{}, nil
}

func (m *mockAPI) StartCharging(ctx context.Context, chargerID, subscriptionID string) (json.RawMessage, error) {
	args := m.Called(ctx, chargerID, subscriptionID)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(json.RawMessage), args.Error(1)
}

func (m *mockAPI) StopCharging(ctx context.Context, chargerID, subscriptionID string) (json.RawMessage, error) {
	args := m.Called(ctx, chargerID, subscriptionID)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(json.RawMessage), args.Error(1)
}

func (m *mockAPI) SetCableLock(ctx context.Context, chargerID string, locked bool) (json.RawMessage, error) {
	args := m.Called(ctx, chargerID, locked)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(json.RawMessage), args.Error(1)
}

// snapshotSource serves a fixed charger snapshot in place of the poller.
type snapshotSource map[string]types.Charger

func (s snapshotSource) Charger(chargerID string) (types.Charger, bool) {
	c, ok := s[chargerID]
	return c, ok
}
