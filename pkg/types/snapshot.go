package types

import "time"

// Snapshot is an immutable merged view of the latest account/contract data.
// A new Snapshot supersedes the previous one on every successful or
// partially-successful poll cycle; it is never mutated after publish.
type Snapshot struct {
	// Version increases by exactly one per published snapshot.
	Version int64 `json:"version"`
	// FetchedAt is when the poll cycle that produced this snapshot started.
	FetchedAt time.Time `json:"fetchedAt"`
	// Partial is true if one or more sub-fetches failed and the stale
	// sub-trees from the previous snapshot were carried forward.
	Partial bool `json:"partial"`

	// Data holds the merged nested documents keyed by sub-tree
	// ("account", "contract"). Values are string-keyed maps, ordered
	// sequences, or scalars as decoded from JSON.
	Data map[string]any `json:"data"`

	// PeakEvents is the decoded peak event sub-tree, kept typed because the
	// calculator and the binary-sensor predicates consume it directly.
	PeakEvents []PeakEvent `json:"peakEvents"`

	// PeriodID identifies the current billing period as reported by the
	// provider. A change resets credit accumulation.
	PeriodID string `json:"periodID"`
}

// Warning records a non-fatal derivation problem (a skipped malformed event,
// an unresolvable path). Warnings never abort a poll cycle.
type Warning struct {
	Sensor  string `json:"sensor,omitempty"`
	Message string `json:"message"`
}

// DerivationRecord is one persisted derivation pass, used for history.
type DerivationRecord struct {
	Timestamp       time.Time      `json:"timestamp"`
	SnapshotVersion int64          `json:"snapshotVersion"`
	Partial         bool           `json:"partial"`
	RatePlan        RatePlan       `json:"ratePlan"`
	Values          map[string]any `json:"values"`
	Warnings        []Warning      `json:"warnings,omitempty"`
}
