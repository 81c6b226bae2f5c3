package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/storage/storagemock"
	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func chargerSnapshot(status string) map[string]types.Charger {
	return map[string]types.Charger{
		"charger-1": {
			Subscription: types.Subscription{
				ID:      "sub-1",
				Charger: &types.SubscriptionCharger{ChargerID: "charger-1"},
			},
			State: types.ChargerState{
				Sockets: []types.Socket{{Status: status}},
			},
		},
	}
}

func TestChargersCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("AllChargerStates", mock.Anything).Return(chargerSnapshot(types.SocketStatusCharging), nil)

		c := NewChargers(m)
		var published []map[string]types.Charger
		c.OnUpdate(func(chargers map[string]types.Charger) {
			published = append(published, chargers)
		})

		c.cycle(ctx)

		chargers := c.Chargers()
		require.Len(t, chargers, 1)
		assert.True(t, chargers["charger-1"].State.Charging())

		st := c.Status()
		assert.False(t, st.AuthRequired)
		assert.Zero(t, st.Failures)
		assert.Empty(t, st.LastError)
		assert.False(t, st.LastSuccess.IsZero(), "a successful cycle should stamp LastSuccess")

		require.Len(t, published, 1, "the snapshot should be handed to the update callback")
	})

	t.Run("Keeps Snapshot On Failure", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("AllChargerStates", mock.Anything).Return(chargerSnapshot(types.SocketStatusCharging), nil).Once()
		m.On("AllChargerStates", mock.Anything).Return(nil, aneo.ErrCannotConnect).Once()

		c := NewChargers(m)
		c.cycle(ctx)
		c.cycle(ctx)

		chargers := c.Chargers()
		require.Len(t, chargers, 1, "a failed cycle should leave the previous snapshot in place")

		st := c.Status()
		assert.Equal(t, 1, st.Failures)
		assert.NotEmpty(t, st.LastError)
		assert.False(t, st.AuthRequired, "a connect failure is not an auth failure")
	})

	t.Run("Reactive Refresh", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("AllChargerStates", mock.Anything).Return(nil, aneo.ErrInvalidAuth).Once()
		m.On("Refresh", mock.Anything).Return(nil).Once()
		m.On("AllChargerStates", mock.Anything).Return(chargerSnapshot(types.SocketStatusPreparing), nil).Once()

		c := NewChargers(m)
		c.cycle(ctx)

		chargers := c.Chargers()
		require.Len(t, chargers, 1, "a rejected token should refresh and retry once")
		assert.Equal(t, types.ChargeStatusReady, chargers["charger-1"].State.ChargeStatus())
		assert.Zero(t, c.Status().Failures)
		m.AssertExpectations(t)
	})

	t.Run("Rejected Again After Refresh", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("AllChargerStates", mock.Anything).Return(nil, aneo.ErrInvalidAuth).Twice()
		m.On("Refresh", mock.Anything).Return(nil).Once()

		c := NewChargers(m)
		c.cycle(ctx)

		st := c.Status()
		assert.True(t, st.AuthRequired, "a second rejection after a successful refresh is terminal, not a transient failure")
		assert.Equal(t, 1, st.Failures)
		m.AssertExpectations(t)
	})

	t.Run("Auth Required Latch", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(true)

		c := NewChargers(m)
		c.cycle(ctx)
		c.cycle(ctx)

		assert.True(t, c.Status().AuthRequired)
		m.AssertNotCalled(t, "AllChargerStates", mock.Anything)
		m.AssertNotCalled(t, "EnsureValidToken", mock.Anything)
	})

	t.Run("Refresh Token Rejected", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(aneo.ErrInvalidRefreshToken)

		c := NewChargers(m)
		c.cycle(ctx)

		st := c.Status()
		assert.True(t, st.AuthRequired)
		m.AssertNotCalled(t, "AllChargerStates", mock.Anything)
	})

	t.Run("Recovers After Login", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(true).Once()
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("AllChargerStates", mock.Anything).Return(chargerSnapshot(types.SocketStatusCharging), nil)

		c := NewChargers(m)
		c.cycle(ctx)
		require.True(t, c.Status().AuthRequired)

		c.cycle(ctx)
		assert.False(t, c.Status().AuthRequired, "a successful cycle should clear the latch")
	})
}

func TestPricesCycle(t *testing.T) {
	ctx := context.Background()

	pd := types.PriceData{
		CurrentPrice: 1.5,
		Today: []types.PriceEntry{
			{Price: 1.5, Start: time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)},
		},
	}

	t.Run("Success", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("PriceData", mock.Anything, "sub-1").Return(pd, nil)

		db := &storagemock.MockDatabase{}
		db.On("GetSubscriptionID", mock.Anything).Return("sub-1", nil)

		p := NewPrices(m, db)
		var published []types.PriceData
		p.OnUpdate(func(pd types.PriceData) {
			published = append(published, pd)
		})

		p.cycle(ctx)

		got, ok := p.Prices()
		require.True(t, ok)
		assert.Equal(t, 1.5, got.CurrentPrice)
		require.Len(t, published, 1)
	})

	t.Run("No Subscription", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)

		db := &storagemock.MockDatabase{}
		db.On("GetSubscriptionID", mock.Anything).Return("", nil)

		p := NewPrices(m, db)
		p.cycle(ctx)

		_, ok := p.Prices()
		assert.False(t, ok)
		st := p.Status()
		assert.Equal(t, 1, st.Failures, "an unresolved subscription id should surface as a failed cycle")
		assert.Contains(t, st.LastError, "login required")
		m.AssertNotCalled(t, "PriceData", mock.Anything, mock.Anything)
	})

	t.Run("Storage Error", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)

		db := &storagemock.MockDatabase{}
		db.On("GetSubscriptionID", mock.Anything).Return("", errors.New("db broke"))

		p := NewPrices(m, db)
		p.cycle(ctx)

		assert.Equal(t, 1, p.Status().Failures)
	})

	t.Run("Reactive Refresh", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("PriceData", mock.Anything, "sub-1").Return(types.PriceData{}, aneo.ErrInvalidAuth).Once()
		m.On("Refresh", mock.Anything).Return(nil).Once()
		m.On("PriceData", mock.Anything, "sub-1").Return(pd, nil).Once()

		db := &storagemock.MockDatabase{}
		db.On("GetSubscriptionID", mock.Anything).Return("sub-1", nil)

		p := NewPrices(m, db)
		p.cycle(ctx)

		got, ok := p.Prices()
		require.True(t, ok)
		assert.Equal(t, 1.5, got.CurrentPrice)
		m.AssertExpectations(t)
	})

	t.Run("Refresh Fails After Rejection", func(t *testing.T) {
		m := &mockAPI{}
		m.On("NeedsReauth").Return(false)
		m.On("EnsureValidToken", mock.Anything).Return(nil)
		m.On("PriceData", mock.Anything, "sub-1").Return(types.PriceData{}, aneo.ErrInvalidAuth).Once()
		m.On("Refresh", mock.Anything).Return(aneo.ErrInvalidRefreshToken).Once()

		db := &storagemock.MockDatabase{}
		db.On("GetSubscriptionID", mock.Anything).Return("sub-1", nil)

		p := NewPrices(m, db)
		p.cycle(ctx)

		_, ok := p.Prices()
		assert.False(t, ok)
		assert.True(t, p.Status().AuthRequired)
	})
}

func TestChargersRun(t *testing.T) {
	m := &mockAPI{}
	m.On("NeedsReauth").Return(true)

	c := NewChargers(m)
	c.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	// enough for the immediate cycle plus at least one tick
	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after cancel")
	}

	assert.True(t, c.Status().AuthRequired)
	assert.GreaterOrEqual(t, len(m.Calls), 2, "expected the immediate cycle plus ticked cycles")
}
