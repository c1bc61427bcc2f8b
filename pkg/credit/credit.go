// Package credit folds peak events into the per-contract running credit and
// consumption totals. The fold is idempotent under re-delivery of the same
// event list across poll cycles and the credit total is non-decreasing within
// a billing period.
package credit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/peaksync/peaksync/pkg/log"
	"github.com/peaksync/peaksync/pkg/types"
)

// winterCreditDollarsPerKWH is the credit granted per kWh of reduction below
// the baseline during winter credit events.
const winterCreditDollarsPerKWH = 0.587

// Rates maps event kinds to the credit earned per kWh of reduction. Kinds
// without an entry accumulate consumption but never credit.
type Rates struct {
	CreditPerKWH map[types.PeakEventKind]float64
}

// RatesFor returns the credit rates for a plan. Only plans rewarding
// reduction carry a non-empty table.
func RatesFor(plan types.RatePlan) Rates {
	switch plan {
	case types.RatePlanDCPC:
		return Rates{CreditPerKWH: map[types.PeakEventKind]float64{
			types.PeakEventCredit: winterCreditDollarsPerKWH,
		}}
	default:
		return Rates{}
	}
}

// Calculator owns the CreditState for one contract. All mutation happens
// inside Fold; readers get copies via State.
type Calculator struct {
	mu    sync.Mutex
	state types.CreditState
	rates Rates
}

// New creates a Calculator seeded with a previously persisted state.
func New(initial types.CreditState, rates Rates) *Calculator {
	return &Calculator{state: initial, rates: rates}
}

// State returns a copy of the current state.
func (c *Calculator) State() types.CreditState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fold processes the snapshot's peak events in chronological order and
// returns the updated state. Events already reflected in LastEventEnd are
// skipped, events still in the future are ignored until complete, and a
// single malformed event is skipped with a warning without aborting the rest.
// The totals reset only when periodID differs from the state's period.
func (c *Calculator) Fold(ctx context.Context, periodID string, events []types.PeakEvent, now time.Time) (types.CreditState, []types.Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	var warnings []types.Warning

	if periodID != "" && periodID != st.PeriodID {
		if st.PeriodID != "" {
			log.Ctx(ctx).InfoContext(ctx, "billing period changed, resetting credit totals",
				slog.String("previous", st.PeriodID),
				slog.String("current", periodID),
			)
		}
		st = types.CreditState{PeriodID: periodID}
	}

	sorted := make([]types.PeakEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	for _, e := range sorted {
		if e.End.Before(e.Start) {
			warnings = append(warnings, types.Warning{
				Message: fmt.Sprintf("peak event ends before it starts (%s > %s)", e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339)),
			})
			continue
		}
		// already folded in a previous cycle
		if !e.End.After(st.LastEventEnd) {
			continue
		}
		// not complete yet, pick it up on a later cycle
		if e.End.After(now) {
			continue
		}
		if !e.Settled() {
			warnings = append(warnings, types.Warning{
				Message: fmt.Sprintf("peak event at %s is missing consumption figures", e.Start.Format(time.RFC3339)),
			})
			continue
		}

		delta := e.ReferenceKWH - e.ActualKWH
		rate := c.rates.CreditPerKWH[e.Kind]
		if delta > 0 && rate > 0 {
			st.CumulatedCredit += delta * rate
		}
		st.CumulatedKWH += e.ActualKWH
		st.LastEventEnd = e.End

		log.Ctx(ctx).DebugContext(ctx, "folded peak event",
			slog.Time("start", e.Start),
			slog.Time("end", e.End),
			slog.String("kind", string(e.Kind)),
			slog.Float64("deltaKWH", delta),
			slog.Float64("cumulatedCredit", st.CumulatedCredit),
		)
	}

	c.state = st
	return st, warnings
}
