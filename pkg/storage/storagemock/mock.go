package storagemock

import (
	"context"

	"github.com/aneobridge/aneobridge/pkg/storage"
	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetCredentials(ctx context.Context) (types.Credentials, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Credentials), args.Int(1), args.Error(2)
	}
	return types.Credentials{}, 0, nil
}

func (m *MockDatabase) SetCredentials(ctx context.Context, creds types.Credentials, version int) error {
	args := m.Called(ctx, creds, version)
	return args.Error(0)
}

func (m *MockDatabase) GetSubscriptionID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.String(0), args.Error(1)
	}
	return "", nil
}

func (m *MockDatabase) SetSubscriptionID(ctx context.Context, subscriptionID string) error {
	args := m.Called(ctx, subscriptionID)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
