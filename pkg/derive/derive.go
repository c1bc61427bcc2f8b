// Package derive turns a snapshot into typed sensor values. One unresolvable
// sensor never aborts the rest of the pass; it becomes an explicit
// "unavailable" value instead.
package derive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/peaksync/peaksync/pkg/credit"
	"github.com/peaksync/peaksync/pkg/log"
	"github.com/peaksync/peaksync/pkg/rateplan"
	"github.com/peaksync/peaksync/pkg/types"
)

// Deriver applies the sensor definition table to snapshots. The calculator
// strategy for the configured plan is selected once at construction, not
// re-dispatched per field.
type Deriver struct {
	registry *rateplan.Registry
	calc     *credit.Calculator
	preheat  time.Duration

	// now is swapped in tests
	now func() time.Time
}

// New creates a Deriver. preheat is the lead duration before a peak start
// during which the pre-heat binary sensor is on.
func New(registry *rateplan.Registry, calc *credit.Calculator, preheat time.Duration) *Deriver {
	return &Deriver{
		registry: registry,
		calc:     calc,
		preheat:  preheat,
		now:      time.Now,
	}
}

// Derive produces the sensor-key to value mapping for the plan from the
// snapshot. The returned error is reserved for configuration problems
// (unknown plan); data problems come back as warnings and unavailable values.
func (d *Deriver) Derive(ctx context.Context, snap *types.Snapshot, plan types.RatePlan) (map[string]types.SensorValue, []types.Warning, error) {
	defs, err := d.registry.Definitions(plan)
	if err != nil {
		return nil, nil, err
	}

	now := d.now()
	state, warnings := d.calc.Fold(ctx, snap.PeriodID, snap.PeakEvents, now)

	values := make(map[string]types.SensorValue, len(defs))
	for _, def := range defs {
		var v types.SensorValue
		var warn *types.Warning
		switch {
		case def.Derivation != rateplan.DerivationNone:
			v, warn = derivedValue(def, state, snap.PeakEvents, now, d.preheat)
		case def.Predicate != rateplan.PredicateNone:
			v = predicateValue(def, snap.PeakEvents, now, d.preheat)
		default:
			v, warn = pathValue(def, snap.Data)
		}
		if warn != nil {
			warn.Sensor = def.Key
			warnings = append(warnings, *warn)
			log.Ctx(ctx).DebugContext(ctx, "sensor derivation warning",
				slog.String("sensor", def.Key),
				slog.String("message", warn.Message),
			)
		}
		values[def.Key] = v
	}
	return values, warnings, nil
}

// derivedValue reads a calculator-backed field or a peak schedule quantity.
func derivedValue(def rateplan.Definition, state types.CreditState, events []types.PeakEvent, now time.Time, preheat time.Duration) (types.SensorValue, *types.Warning) {
	switch def.Derivation {
	case rateplan.DerivationCumulatedCredit:
		return types.SensorValue{Kind: def.Kind, Available: true, Number: state.CumulatedCredit}, nil
	case rateplan.DerivationCumulatedConsumption:
		return types.SensorValue{Kind: def.Kind, Available: true, Number: state.CumulatedKWH}, nil
	case rateplan.DerivationNextPeakStart:
		if next, ok := nextPeak(events, now); ok {
			return types.SensorValue{Kind: def.Kind, Available: true, Time: next.Start}, nil
		}
		return types.Unavailable(def.Kind), nil
	case rateplan.DerivationNextPeakEnd:
		if next, ok := nextPeak(events, now); ok {
			return types.SensorValue{Kind: def.Kind, Available: true, Time: next.End}, nil
		}
		return types.Unavailable(def.Kind), nil
	case rateplan.DerivationPeakState:
		return types.SensorValue{Kind: def.Kind, Available: true, Text: peakState(events, now, preheat)}, nil
	}
	return types.Unavailable(def.Kind), &types.Warning{
		Message: fmt.Sprintf("unknown derivation: %s", def.Derivation),
	}
}

// predicateValue evaluates a boolean sensor against the peak schedule.
func predicateValue(def rateplan.Definition, events []types.PeakEvent, now time.Time, preheat time.Duration) types.SensorValue {
	var b bool
	switch def.Predicate {
	case rateplan.PredicatePeakActive:
		for _, e := range events {
			if e.Kind != types.PeakEventAnchor && e.Contains(now) {
				b = true
				break
			}
		}
	case rateplan.PredicatePreheatActive:
		for _, e := range events {
			if e.Kind != types.PeakEventAnchor && e.InPreheat(now, preheat) {
				b = true
				break
			}
		}
	case rateplan.PredicatePeakToday:
		y, m, day := now.Year(), now.Month(), now.Day()
		for _, e := range events {
			ey, em, ed := e.Start.In(now.Location()).Date()
			if e.Kind != types.PeakEventAnchor && ey == y && em == m && ed == day {
				b = true
				break
			}
		}
	}
	return types.SensorValue{Kind: def.Kind, Available: true, Bool: b}
}

// pathValue resolves the definition's compiled path against the snapshot data
// and coerces the result to the declared kind.
func pathValue(def rateplan.Definition, data map[string]any) (types.SensorValue, *types.Warning) {
	raw, ok := def.Path.Resolve(data)
	if !ok {
		// absent data is an expected runtime condition, not a warning
		return types.Unavailable(def.Kind), nil
	}

	switch def.Kind {
	case types.ValueKindNumeric:
		switch n := raw.(type) {
		case float64:
			return types.SensorValue{Kind: def.Kind, Available: true, Number: n}, nil
		case int:
			return types.SensorValue{Kind: def.Kind, Available: true, Number: float64(n)}, nil
		case int64:
			return types.SensorValue{Kind: def.Kind, Available: true, Number: float64(n)}, nil
		}
	case types.ValueKindBoolean:
		if b, ok := raw.(bool); ok {
			return types.SensorValue{Kind: def.Kind, Available: true, Bool: b}, nil
		}
	case types.ValueKindEnum:
		if s, ok := raw.(string); ok {
			return types.SensorValue{Kind: def.Kind, Available: true, Text: s}, nil
		}
	case types.ValueKindTimestamp:
		if s, ok := raw.(string); ok {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return types.Unavailable(def.Kind), &types.Warning{
					Message: fmt.Sprintf("failed to parse timestamp %q: %v", s, err),
				}
			}
			return types.SensorValue{Kind: def.Kind, Available: true, Time: t}, nil
		}
		if t, ok := raw.(time.Time); ok {
			return types.SensorValue{Kind: def.Kind, Available: true, Time: t}, nil
		}
	}
	return types.Unavailable(def.Kind), &types.Warning{
		Message: fmt.Sprintf("value at %s has unexpected type %T", def.Path, raw),
	}
}

// nextPeak returns the first non-anchor event that has not ended yet.
func nextPeak(events []types.PeakEvent, now time.Time) (types.PeakEvent, bool) {
	var next types.PeakEvent
	var found bool
	for _, e := range events {
		if e.Kind == types.PeakEventAnchor || !e.End.After(now) {
			continue
		}
		if !found || e.Start.Before(next.Start) {
			next = e
			found = true
		}
	}
	return next, found
}

// peakState classifies the current instant for dynamic pricing plans.
func peakState(events []types.PeakEvent, now time.Time, preheat time.Duration) string {
	for _, e := range events {
		if e.Kind == types.PeakEventAnchor {
			continue
		}
		if e.Contains(now) {
			return "peak"
		}
	}
	for _, e := range events {
		if e.Kind == types.PeakEventAnchor {
			continue
		}
		if e.InPreheat(now, preheat) {
			return "preheat"
		}
	}
	return "normal"
}
