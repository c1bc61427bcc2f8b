package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/peaksync/peaksync/pkg/log"
	"github.com/peaksync/peaksync/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists credit state and derivation history per contract.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(contractID, name string) (*firestore.CollectionRef, error) {
	if contractID == "" {
		return nil, fmt.Errorf("contractID cannot be empty")
	}
	return f.client.Collection("contracts").Doc(contractID).Collection(name), nil
}

// GetCreditState retrieves the accumulated credit state from the
// "state/credit" document. A contract with no stored state starts from zero.
func (f *FirestoreProvider) GetCreditState(ctx context.Context, contractID string) (types.CreditState, error) {
	coll, err := f.getCollection(contractID, "state")
	if err != nil {
		return types.CreditState{}, err
	}
	doc, err := coll.Doc("credit").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CreditState{}, nil
		}
		return types.CreditState{}, fmt.Errorf("failed to fetch credit state doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "credit state doc missing json", slog.String("contractID", contractID))
		return types.CreditState{}, fmt.Errorf("credit state document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "credit state doc json not string", slog.String("contractID", contractID))
		return types.CreditState{}, fmt.Errorf("credit state 'json' field is not a string")
	}

	var s types.CreditState
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal credit state json", slog.String("contractID", contractID), slog.Any("err", err))
		return types.CreditState{}, fmt.Errorf("failed to unmarshal credit state json: %w", err)
	}
	return s, nil
}

// SetCreditState saves the accumulated credit state to the "state/credit"
// document. It stores the state as a JSON string for portability.
func (f *FirestoreProvider) SetCreditState(ctx context.Context, contractID string, state types.CreditState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal credit state: %w", err)
	}

	coll, err := f.getCollection(contractID, "state")
	if err != nil {
		return err
	}
	_, err = coll.Doc("credit").Set(ctx, map[string]interface{}{
		"json":     string(jsonBytes),
		"periodID": state.PeriodID,
	})
	if err != nil {
		return fmt.Errorf("failed to save credit state: %w", err)
	}
	return nil
}

// InsertDerivation adds a derivation record to the "derivations" collection as
// a JSON blob.
// The document ID is the RFC3339 timestamp for efficient range queries.
func (f *FirestoreProvider) InsertDerivation(ctx context.Context, contractID string, rec types.DerivationRecord) error {
	if rec.Timestamp.IsZero() {
		return fmt.Errorf("derivation record missing timestamp")
	}
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal derivation record: %w", err)
	}

	coll, err := f.getCollection(contractID, "derivations")
	if err != nil {
		return err
	}
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := rec.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": rec.Timestamp,
		"version":   rec.SnapshotVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to insert derivation record: %w", err)
	}
	return nil
}

// GetDerivationHistory retrieves derivation records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetDerivationHistory(ctx context.Context, contractID string, start, end time.Time) ([]types.DerivationRecord, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(contractID, "derivations")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var recs []types.DerivationRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating derivations: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "derivation doc missing json", slog.String("docID", doc.Ref.ID), slog.String("contractID", contractID), slog.Any("err", err))
			return nil, fmt.Errorf("derivation document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "derivation doc json not string", slog.String("docID", doc.Ref.ID), slog.String("contractID", contractID))
			return nil, fmt.Errorf("derivation document %s 'json' field is not string", doc.Ref.ID)
		}

		var r types.DerivationRecord
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal derivation record", slog.String("docID", doc.Ref.ID), slog.String("contractID", contractID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal derivation record (id=%s): %w", doc.Ref.ID, err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}
