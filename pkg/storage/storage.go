package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/peaksync/peaksync/pkg/types"
)

// Database defines the interface for persisting calculator state and
// derivation history.
type Database interface {
	// Credit state
	GetCreditState(ctx context.Context, contractID string) (types.CreditState, error)
	SetCreditState(ctx context.Context, contractID string, state types.CreditState) error

	// Derivation history
	InsertDerivation(ctx context.Context, contractID string, rec types.DerivationRecord) error
	GetDerivationHistory(ctx context.Context, contractID string, start, end time.Time) ([]types.DerivationRecord, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
