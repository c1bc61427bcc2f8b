package hydro

import (
	"context"

	"github.com/peaksync/peaksync/pkg/types"
)

// Client is the provider API collaborator the coordinator polls. Each fetch
// may fail with a transport, auth, or decode error; the coordinator treats
// every failure uniformly as "this sub-tree failed" and carries the previous
// data forward.
type Client interface {
	// FetchAccount returns the account document.
	FetchAccount(ctx context.Context) (map[string]any, error)

	// FetchContract returns the contract document, including the current
	// billing period.
	FetchContract(ctx context.Context) (map[string]any, error)

	// FetchPeakEvents returns the scheduled and settled peak events,
	// restricted to the given billing period when one is known.
	FetchPeakEvents(ctx context.Context, periodID string) ([]types.PeakEvent, error)
}
