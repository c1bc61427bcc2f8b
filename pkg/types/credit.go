package types

import "time"

// CreditState is the per-contract running total of credit and consumption
// across peak events within one billing period. It is owned by the credit
// calculator; everyone else gets copies.
type CreditState struct {
	// PeriodID is the billing period the totals belong to. The totals reset
	// when the snapshot reports a different period, never on poll failure.
	PeriodID string `json:"periodID"`

	// CumulatedCredit is the accumulated credit in dollars. Non-decreasing
	// within a billing period.
	CumulatedCredit float64 `json:"cumulatedCredit"`

	// CumulatedKWH is the total consumption measured across folded events.
	CumulatedKWH float64 `json:"cumulatedKWH"`

	// LastEventEnd is the end time of the most recent event folded in.
	// Events ending at or before it are skipped on re-delivery.
	LastEventEnd time.Time `json:"lastEventEnd"`
}
