package types

import "fmt"

// RatePlan identifies the utility pricing plan governing which sensors and
// derived metrics apply to a contract.
type RatePlan string

const (
	// RatePlanD is the base residential rate.
	RatePlanD RatePlan = "D"
	// RatePlanDCPC is rate D with the critical peak credit option (winter credits).
	RatePlanDCPC RatePlan = "DCPC"
	// RatePlanDT is the dual tariff rate.
	RatePlanDT RatePlan = "DT"
	// RatePlanDPC is the dynamic pricing (flex) rate.
	RatePlanDPC RatePlan = "DPC"
	// RatePlanM is the medium-power business rate.
	RatePlanM RatePlan = "M"
	// RatePlanMGDP is rate M with the demand response option.
	RatePlanMGDP RatePlan = "MGDP"
)

// RatePlans lists every supported plan.
var RatePlans = []RatePlan{
	RatePlanD,
	RatePlanDCPC,
	RatePlanDT,
	RatePlanDPC,
	RatePlanM,
	RatePlanMGDP,
}

// ParseRatePlan converts a configured rate identifier into a RatePlan.
// It accepts the provider's spellings ("D+CPC", "M-GDP") as well as the
// canonical ones.
func ParseRatePlan(s string) (RatePlan, error) {
	switch s {
	case "D":
		return RatePlanD, nil
	case "DCPC", "D+CPC", "D CPC":
		return RatePlanDCPC, nil
	case "DT":
		return RatePlanDT, nil
	case "DPC":
		return RatePlanDPC, nil
	case "M":
		return RatePlanM, nil
	case "MGDP", "M-GDP", "M GDP":
		return RatePlanMGDP, nil
	}
	return "", fmt.Errorf("unknown rate plan: %s", s)
}

// Valid returns true if the plan is one of the supported plans.
func (p RatePlan) Valid() bool {
	for _, known := range RatePlans {
		if p == known {
			return true
		}
	}
	return false
}

// CreditBearing returns true if the plan accumulates credit/consumption totals
// across peak events and therefore needs persisted CreditState.
func (p RatePlan) CreditBearing() bool {
	return p == RatePlanDCPC || p == RatePlanDPC
}
