package derive

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/peaksync/peaksync/pkg/credit"
	"github.com/peaksync/peaksync/pkg/rateplan"
	"github.com/peaksync/peaksync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDeriver(t *testing.T, plan types.RatePlan, now time.Time) *Deriver {
	t.Helper()
	registry, err := rateplan.NewRegistry()
	require.NoError(t, err)
	calc := credit.New(types.CreditState{}, credit.RatesFor(plan))
	d := New(registry, calc, 2*time.Hour)
	d.now = func() time.Time { return now }
	return d
}

func TestDerivePathSensors(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d := newDeriver(t, types.RatePlanD, now)

	snap := &types.Snapshot{
		Version:   1,
		FetchedAt: now,
		Data: map[string]any{
			"account": map[string]any{"balance": 42.5},
			"contract": map[string]any{
				"rate": "D",
				"current_period": map[string]any{
					"total_consumption": 420.0,
					"start_date":        "2026-01-01T00:00:00Z",
				},
			},
		},
	}

	values, warnings, err := d.Derive(ctx, snap, types.RatePlanD)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	v := values["current_period_total_consumption"]
	require.True(t, v.Available)
	assert.Equal(t, 420.0, v.Number)

	v = values["balance"]
	require.True(t, v.Available)
	assert.Equal(t, 42.5, v.Number)

	v = values["rate_code"]
	require.True(t, v.Available)
	assert.Equal(t, "D", v.Text)

	v = values["current_period_start"]
	require.True(t, v.Available)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), v.Time)

	// a path with no backing data is unavailable, not an error
	v = values["current_period_mean_daily_consumption"]
	assert.False(t, v.Available)
}

func TestDeriveMissingNestedKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d := newDeriver(t, types.RatePlanD, now)

	snap := &types.Snapshot{
		Version: 1,
		Data: map[string]any{
			"contract": map[string]any{},
		},
	}

	values, _, err := d.Derive(ctx, snap, types.RatePlanD)
	require.NoError(t, err)
	assert.False(t, values["current_period_total_consumption"].Available)
}

func TestDeriveUnknownPlan(t *testing.T) {
	ctx := context.Background()
	d := newDeriver(t, types.RatePlanD, time.Now())
	_, _, err := d.Derive(ctx, &types.Snapshot{}, types.RatePlan("Z"))
	assert.Error(t, err)
}

func TestDeriveTypeMismatchWarns(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d := newDeriver(t, types.RatePlanD, now)

	snap := &types.Snapshot{
		Data: map[string]any{
			"account": map[string]any{"balance": "not-a-number"},
		},
	}

	values, warnings, err := d.Derive(ctx, snap, types.RatePlanD)
	require.NoError(t, err)
	assert.False(t, values["balance"].Available)

	var found bool
	for _, w := range warnings {
		if w.Sensor == "balance" {
			found = true
		}
	}
	assert.True(t, found, "expected a warning for the mistyped sensor")
}

func TestDeriveCalculatorSensors(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	d := newDeriver(t, types.RatePlanDCPC, now)

	morning := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	snap := &types.Snapshot{
		Version:  3,
		PeriodID: "p1",
		Data:     map[string]any{"contract": map[string]any{}},
		PeakEvents: []types.PeakEvent{
			// settled morning event: 3 kWh under an 8 kWh baseline
			{Start: morning, End: morning.Add(3 * time.Hour), Kind: types.PeakEventCredit, ActualKWH: 5, ReferenceKWH: 8},
			// tonight's event, not settled yet
			{Start: evening, End: evening.Add(4 * time.Hour), Kind: types.PeakEventCredit, ActualKWH: math.NaN(), ReferenceKWH: math.NaN()},
		},
	}

	values, warnings, err := d.Derive(ctx, snap, types.RatePlanDCPC)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	v := values["cumulated_credit"]
	require.True(t, v.Available)
	assert.InDelta(t, 3*0.587, v.Number, 1e-9)

	v = values["peak_cumulated_consumption"]
	require.True(t, v.Available)
	assert.Equal(t, 5.0, v.Number)

	v = values["next_peak_start"]
	require.True(t, v.Available)
	assert.Equal(t, evening, v.Time)

	v = values["next_peak_end"]
	require.True(t, v.Available)
	assert.Equal(t, evening.Add(4*time.Hour), v.Time)
}

func TestDerivePredicates(t *testing.T) {
	ctx := context.Background()
	morning := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	events := []types.PeakEvent{
		{Start: morning, End: morning.Add(3 * time.Hour), Kind: types.PeakEventCredit, ActualKWH: math.NaN(), ReferenceKWH: math.NaN()},
		{Start: evening, End: evening.Add(4 * time.Hour), Kind: types.PeakEventCredit, ActualKWH: math.NaN(), ReferenceKWH: math.NaN()},
	}

	derive := func(t *testing.T, now time.Time) map[string]types.SensorValue {
		d := newDeriver(t, types.RatePlanDCPC, now)
		values, _, err := d.Derive(ctx, &types.Snapshot{PeriodID: "p1", PeakEvents: events}, types.RatePlanDCPC)
		require.NoError(t, err)
		return values
	}

	t.Run("inside a peak window", func(t *testing.T) {
		values := derive(t, morning.Add(time.Hour))
		assert.True(t, values["peak_in_progress"].Bool)
		assert.False(t, values["preheat_in_progress"].Bool)
		assert.True(t, values["peak_today"].Bool)
	})

	t.Run("during preheat", func(t *testing.T) {
		values := derive(t, evening.Add(-time.Hour))
		assert.False(t, values["peak_in_progress"].Bool)
		assert.True(t, values["preheat_in_progress"].Bool)
	})

	t.Run("quiet day", func(t *testing.T) {
		values := derive(t, time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC))
		assert.False(t, values["peak_in_progress"].Bool)
		assert.False(t, values["preheat_in_progress"].Bool)
		assert.False(t, values["peak_today"].Bool)
	})
}

func TestDerivePeakState(t *testing.T) {
	ctx := context.Background()
	evening := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	events := []types.PeakEvent{
		{Start: evening, End: evening.Add(4 * time.Hour), Kind: types.PeakEventCritical, ActualKWH: math.NaN(), ReferenceKWH: math.NaN()},
	}

	for _, tc := range []struct {
		name string
		now  time.Time
		want string
	}{
		{"normal", evening.Add(-6 * time.Hour), "normal"},
		{"preheat", evening.Add(-time.Hour), "preheat"},
		{"peak", evening.Add(time.Hour), "peak"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newDeriver(t, types.RatePlanDPC, tc.now)
			values, _, err := d.Derive(ctx, &types.Snapshot{PeriodID: "p1", PeakEvents: events}, types.RatePlanDPC)
			require.NoError(t, err)
			v := values["peak_state"]
			require.True(t, v.Available)
			assert.Equal(t, tc.want, v.Text)
		})
	}
}

