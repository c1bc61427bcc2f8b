package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peaksync/peaksync/pkg/hydro"
	"github.com/peaksync/peaksync/pkg/rateplan"
	"github.com/peaksync/peaksync/pkg/storage/storagemock"
	"github.com/peaksync/peaksync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, client *hydro.MockClient, db *storagemock.MockDatabase) *Coordinator {
	t.Helper()
	registry, err := rateplan.NewRegistry()
	require.NoError(t, err)

	c := &Coordinator{
		client:            client,
		db:                db,
		ratePlan:          types.RatePlanDCPC,
		contractID:        "c1",
		pollInterval:      time.Minute,
		pollDeadline:      5 * time.Second,
		degradedThreshold: 2,
		preheat:           2 * time.Hour,
		registry:          registry,
		now: func() time.Time {
			return time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
		},
	}
	require.NoError(t, c.init(context.Background()))
	return c
}

func accountDoc() map[string]any {
	return map[string]any{"balance": 42.5}
}

func contractDoc() map[string]any {
	return map[string]any{
		"rate": "DCPC",
		"current_period": map[string]any{
			"id":                "p1",
			"total_consumption": 420.0,
		},
	}
}

func newHappyMocks() (*hydro.MockClient, *storagemock.MockDatabase) {
	client := &hydro.MockClient{}
	client.On("FetchAccount", mock.Anything).Return(accountDoc(), nil)
	client.On("FetchContract", mock.Anything).Return(contractDoc(), nil)
	client.On("FetchPeakEvents", mock.Anything, mock.Anything).Return([]types.PeakEvent{}, nil)

	db := &storagemock.MockDatabase{}
	db.On("GetCreditState", mock.Anything, "c1").Return(types.CreditState{}, nil)
	db.On("SetCreditState", mock.Anything, "c1", mock.Anything).Return(nil)
	db.On("InsertDerivation", mock.Anything, "c1", mock.Anything).Return(nil)
	return client, db
}

func TestPollPublishes(t *testing.T) {
	ctx := context.Background()
	client, db := newHappyMocks()
	c := newTestCoordinator(t, client, db)

	c.poll(ctx)

	snap := c.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Version)
	assert.False(t, snap.Partial)
	assert.Equal(t, "p1", snap.PeriodID)

	values, warnings := c.SensorValues()
	assert.Empty(t, warnings)
	v := values["balance"]
	require.True(t, v.Available)
	assert.Equal(t, 42.5, v.Number)
	v = values["current_period_total_consumption"]
	require.True(t, v.Available)
	assert.Equal(t, 420.0, v.Number)

	db.AssertCalled(t, "SetCreditState", mock.Anything, "c1", mock.Anything)
	db.AssertCalled(t, "InsertDerivation", mock.Anything, "c1", mock.Anything)
}

func TestPollPartialFailureCarriesForward(t *testing.T) {
	ctx := context.Background()

	client := &hydro.MockClient{}
	client.On("FetchAccount", mock.Anything).Return(accountDoc(), nil).Once()
	client.On("FetchAccount", mock.Anything).Return(nil, errors.New("portal down"))
	client.On("FetchContract", mock.Anything).Return(contractDoc(), nil)
	client.On("FetchPeakEvents", mock.Anything, mock.Anything).Return([]types.PeakEvent{}, nil)

	db := &storagemock.MockDatabase{}
	db.On("GetCreditState", mock.Anything, "c1").Return(types.CreditState{}, nil)
	db.On("SetCreditState", mock.Anything, "c1", mock.Anything).Return(nil)
	db.On("InsertDerivation", mock.Anything, "c1", mock.Anything).Return(nil)

	c := newTestCoordinator(t, client, db)

	c.poll(ctx)
	snap := c.Snapshot()
	require.NotNil(t, snap)
	assert.False(t, snap.Partial)

	c.poll(ctx)
	snap = c.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Version)
	assert.True(t, snap.Partial)

	// the failed account fetch keeps the previous poll's data
	values, _ := c.SensorValues()
	v := values["balance"]
	require.True(t, v.Available)
	assert.Equal(t, 42.5, v.Number)
}

func TestPollAllSourcesFail(t *testing.T) {
	ctx := context.Background()

	client := &hydro.MockClient{}
	client.On("FetchAccount", mock.Anything).Return(nil, errors.New("down"))
	client.On("FetchContract", mock.Anything).Return(nil, errors.New("down"))
	client.On("FetchPeakEvents", mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	db := &storagemock.MockDatabase{}
	db.On("GetCreditState", mock.Anything, "c1").Return(types.CreditState{}, nil)

	c := newTestCoordinator(t, client, db)

	c.poll(ctx)
	assert.Nil(t, c.Snapshot(), "a fully failed poll must not publish")
	assert.False(t, c.Degraded())

	c.poll(ctx)
	assert.True(t, c.Degraded(), "expected degraded after threshold consecutive failures")
}

func TestDegradedResetsOnSuccess(t *testing.T) {
	ctx := context.Background()

	client := &hydro.MockClient{}
	client.On("FetchAccount", mock.Anything).Return(nil, errors.New("down")).Twice()
	client.On("FetchContract", mock.Anything).Return(nil, errors.New("down")).Twice()
	client.On("FetchPeakEvents", mock.Anything, mock.Anything).Return(nil, errors.New("down")).Twice()
	client.On("FetchAccount", mock.Anything).Return(accountDoc(), nil)
	client.On("FetchContract", mock.Anything).Return(contractDoc(), nil)
	client.On("FetchPeakEvents", mock.Anything, mock.Anything).Return([]types.PeakEvent{}, nil)

	db := &storagemock.MockDatabase{}
	db.On("GetCreditState", mock.Anything, "c1").Return(types.CreditState{}, nil)
	db.On("SetCreditState", mock.Anything, "c1", mock.Anything).Return(nil)
	db.On("InsertDerivation", mock.Anything, "c1", mock.Anything).Return(nil)

	c := newTestCoordinator(t, client, db)

	c.poll(ctx)
	c.poll(ctx)
	require.True(t, c.Degraded())

	c.poll(ctx)
	assert.False(t, c.Degraded())
	require.NotNil(t, c.Snapshot())
}

func TestVersionsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	client, db := newHappyMocks()
	c := newTestCoordinator(t, client, db)

	var last int64
	for i := 0; i < 3; i++ {
		c.poll(ctx)
		snap := c.Snapshot()
		require.NotNil(t, snap)
		assert.Greater(t, snap.Version, last)
		last = snap.Version
	}
}

func TestSubscribeLatestWins(t *testing.T) {
	ctx := context.Background()
	client, db := newHappyMocks()
	c := newTestCoordinator(t, client, db)

	ch := c.Subscribe()

	// two polls without the subscriber draining: only the newest survives
	c.poll(ctx)
	c.poll(ctx)

	select {
	case snap := <-ch:
		assert.Equal(t, int64(2), snap.Version)
	default:
		t.Fatal("expected a snapshot on the subscription channel")
	}
	select {
	case snap := <-ch:
		t.Fatalf("expected channel drained, got version %d", snap.Version)
	default:
	}
}

func TestSubscribeReplaysCurrentSnapshot(t *testing.T) {
	ctx := context.Background()
	client, db := newHappyMocks()
	c := newTestCoordinator(t, client, db)

	c.poll(ctx)

	ch := c.Subscribe()
	select {
	case snap := <-ch:
		assert.Equal(t, int64(1), snap.Version)
	default:
		t.Fatal("expected the current snapshot to be replayed on subscribe")
	}
}

func TestInitRestoresCreditState(t *testing.T) {
	client := &hydro.MockClient{}
	db := &storagemock.MockDatabase{}
	db.On("GetCreditState", mock.Anything, "c1").Return(types.CreditState{
		PeriodID:        "p1",
		CumulatedCredit: 9.87,
	}, nil)

	c := newTestCoordinator(t, client, db)
	assert.Equal(t, 9.87, c.calc.State().CumulatedCredit)
}

func TestInitToleratesStorageFailure(t *testing.T) {
	client := &hydro.MockClient{}
	db := &storagemock.MockDatabase{}
	db.On("GetCreditState", mock.Anything, "c1").Return(types.CreditState{}, errors.New("firestore down"))

	c := newTestCoordinator(t, client, db)
	assert.Zero(t, c.calc.State())
}
