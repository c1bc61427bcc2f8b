// Package rateplan holds the static sensor definition table and the registry
// that filters it by rate plan. The table is immutable after init; unknown
// plans and malformed definitions are setup errors, not runtime conditions.
package rateplan

import (
	"fmt"

	"github.com/peaksync/peaksync/pkg/attrpath"
	"github.com/peaksync/peaksync/pkg/types"
)

// Derivation names a calculator-backed field a definition reads instead of a
// plain path lookup.
type Derivation string

const (
	DerivationNone                 Derivation = ""
	DerivationCumulatedCredit      Derivation = "cumulated_credit"
	DerivationCumulatedConsumption Derivation = "cumulated_consumption"
	DerivationNextPeakStart        Derivation = "next_peak_start"
	DerivationNextPeakEnd          Derivation = "next_peak_end"
	DerivationPeakState            Derivation = "peak_state"
)

// Predicate names the rule applied to produce a boolean sensor from the
// current snapshot's peak events.
type Predicate string

const (
	PredicateNone          Predicate = ""
	PredicatePeakActive    Predicate = "peak_active"
	PredicatePreheatActive Predicate = "preheat_active"
	PredicatePeakToday     Predicate = "peak_today"
)

// Definition is the static descriptor of one derivable measurement.
type Definition struct {
	Key string

	// DataSource is the dotted path into the snapshot data. Empty when the
	// value comes from a Derivation or a Predicate instead.
	DataSource string
	// Path is the compiled form of DataSource, filled in by NewRegistry.
	Path attrpath.Path

	// Rates lists the plans the sensor applies to. Nil means all plans.
	Rates []types.RatePlan

	Kind       types.ValueKind
	Derivation Derivation
	Predicate  Predicate
}

// AppliesTo reports whether the definition is applicable to the plan.
func (d Definition) AppliesTo(plan types.RatePlan) bool {
	if d.Rates == nil {
		return true
	}
	for _, r := range d.Rates {
		if r == plan {
			return true
		}
	}
	return false
}

// sensors is the static definition table. Paths follow the provider's merged
// account/contract document layout.
var sensors = []Definition{
	{
		Key:        "balance",
		DataSource: "account.balance",
		Kind:       types.ValueKindNumeric,
	},
	{
		Key:        "current_period_total_consumption",
		DataSource: "contract.current_period.total_consumption",
		Kind:       types.ValueKindNumeric,
	},
	{
		Key:        "current_period_mean_daily_consumption",
		DataSource: "contract.current_period.mean_daily_consumption",
		Kind:       types.ValueKindNumeric,
	},
	{
		Key:        "current_period_total_cost",
		DataSource: "contract.current_period.total_cost",
		Kind:       types.ValueKindNumeric,
	},
	{
		Key:        "current_period_remaining_days",
		DataSource: "contract.current_period.remaining_days",
		Kind:       types.ValueKindNumeric,
	},
	{
		Key:        "current_period_start",
		DataSource: "contract.current_period.start_date",
		Kind:       types.ValueKindTimestamp,
	},
	{
		Key:        "rate_code",
		DataSource: "contract.rate",
		Kind:       types.ValueKindEnum,
	},
	{
		Key:        "annual_consumption",
		DataSource: "contract.annual.total_consumption",
		Rates:      []types.RatePlan{types.RatePlanDT},
		Kind:       types.ValueKindNumeric,
	},
	{
		Key:        "cumulated_credit",
		Rates:      []types.RatePlan{types.RatePlanDCPC},
		Kind:       types.ValueKindNumeric,
		Derivation: DerivationCumulatedCredit,
	},
	{
		Key:        "peak_cumulated_consumption",
		Rates:      []types.RatePlan{types.RatePlanDCPC, types.RatePlanDPC},
		Kind:       types.ValueKindNumeric,
		Derivation: DerivationCumulatedConsumption,
	},
	{
		Key:        "next_peak_start",
		Rates:      []types.RatePlan{types.RatePlanDCPC, types.RatePlanDPC, types.RatePlanMGDP},
		Kind:       types.ValueKindTimestamp,
		Derivation: DerivationNextPeakStart,
	},
	{
		Key:        "next_peak_end",
		Rates:      []types.RatePlan{types.RatePlanDCPC, types.RatePlanDPC, types.RatePlanMGDP},
		Kind:       types.ValueKindTimestamp,
		Derivation: DerivationNextPeakEnd,
	},
	{
		Key:        "peak_state",
		Rates:      []types.RatePlan{types.RatePlanDPC},
		Kind:       types.ValueKindEnum,
		Derivation: DerivationPeakState,
	},
	{
		Key:       "peak_in_progress",
		Rates:     []types.RatePlan{types.RatePlanDCPC, types.RatePlanDPC, types.RatePlanMGDP},
		Kind:      types.ValueKindBoolean,
		Predicate: PredicatePeakActive,
	},
	{
		Key:       "preheat_in_progress",
		Rates:     []types.RatePlan{types.RatePlanDCPC, types.RatePlanDPC},
		Kind:      types.ValueKindBoolean,
		Predicate: PredicatePreheatActive,
	},
	{
		Key:       "peak_today",
		Rates:     []types.RatePlan{types.RatePlanDCPC, types.RatePlanDPC, types.RatePlanMGDP},
		Kind:      types.ValueKindBoolean,
		Predicate: PredicatePeakToday,
	},
}

// Registry maps rate plans to their applicable sensor definitions.
type Registry struct {
	defs []Definition
}

// NewRegistry compiles and validates the static table. Any problem here is a
// configuration error that should stop setup before the poll loop starts.
func NewRegistry() (*Registry, error) {
	defs := make([]Definition, len(sensors))
	seen := make(map[string]bool, len(sensors))
	for i, d := range sensors {
		if d.Key == "" {
			return nil, fmt.Errorf("sensor definition %d has no key", i)
		}
		if seen[d.Key] {
			return nil, fmt.Errorf("duplicate sensor key: %s", d.Key)
		}
		seen[d.Key] = true

		if d.DataSource != "" {
			p, err := attrpath.Compile(d.DataSource)
			if err != nil {
				return nil, fmt.Errorf("sensor %s: %w", d.Key, err)
			}
			d.Path = p
		} else if d.Derivation == DerivationNone && d.Predicate == PredicateNone {
			return nil, fmt.Errorf("sensor %s has no data source, derivation, or predicate", d.Key)
		}
		if d.Predicate != PredicateNone && d.Kind != types.ValueKindBoolean {
			return nil, fmt.Errorf("sensor %s has a predicate but is not boolean", d.Key)
		}
		for _, r := range d.Rates {
			if !r.Valid() {
				return nil, fmt.Errorf("sensor %s references unknown rate plan %s", d.Key, r)
			}
		}
		defs[i] = d
	}
	return &Registry{defs: defs}, nil
}

// Definitions returns the ordered definitions applicable to the plan.
// An unknown plan is a configuration error, never a silent empty result.
func (r *Registry) Definitions(plan types.RatePlan) ([]Definition, error) {
	if !plan.Valid() {
		return nil, fmt.Errorf("unknown rate plan: %s", plan)
	}
	var out []Definition
	for _, d := range r.defs {
		if d.AppliesTo(plan) {
			out = append(out, d)
		}
	}
	return out, nil
}
