package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Accounts live in an "accounts" collection and each account's
// history in a "history" collection, both keyed by customer code.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how the firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project ID may be inferred from the environment
	return nil
}

// Init initializes the Firestore client. This must be called before using
// the provider methods.
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

// setJSONDoc stores a value as a JSON string for portability, with an
// updated timestamp for debugging.
func (f *FirestoreProvider) setJSONDoc(ctx context.Context, collection, docID string, v any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, docID, err)
	}
	_, err = f.client.Collection(collection).Doc(docID).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"updated": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", collection, docID, err)
	}
	return nil
}

// getJSONDoc loads a document written by setJSONDoc. It returns false when
// the document does not exist.
func (f *FirestoreProvider) getJSONDoc(ctx context.Context, collection, docID string, out any) (bool, error) {
	doc, err := f.client.Collection(collection).Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to fetch %s/%s: %w", collection, docID, err)
	}
	return true, decodeJSONDoc(ctx, doc, out)
}

func decodeJSONDoc(ctx context.Context, doc *firestore.DocumentSnapshot, out any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json field", slog.String("doc", doc.Ref.Path))
		return fmt.Errorf("document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document 'json' field is not a string")
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("failed to unmarshal document json: %w", err)
	}
	return nil
}

// GetAccount implements the Database interface.
func (f *FirestoreProvider) GetAccount(ctx context.Context, customerID string) (types.Account, bool, error) {
	var a types.Account
	ok, err := f.getJSONDoc(ctx, "accounts", customerID, &a)
	return a, ok, err
}

// ListAccounts implements the Database interface.
func (f *FirestoreProvider) ListAccounts(ctx context.Context) ([]types.Account, error) {
	iter := f.client.Collection("accounts").
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var accts []types.Account
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate accounts: %w", err)
		}
		var a types.Account
		if err := decodeJSONDoc(ctx, doc, &a); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping unreadable account doc",
				slog.String("doc", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		accts = append(accts, a)
	}
	return accts, nil
}

// SaveAccount implements the Database interface.
func (f *FirestoreProvider) SaveAccount(ctx context.Context, acct types.Account) error {
	return f.setJSONDoc(ctx, "accounts", acct.CustomerID, acct)
}

// DeleteAccount implements the Database interface.
func (f *FirestoreProvider) DeleteAccount(ctx context.Context, customerID string) error {
	_, err := f.client.Collection("accounts").Doc(customerID).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", customerID, err)
	}
	return nil
}

// ReadHistory implements the Database interface.
func (f *FirestoreProvider) ReadHistory(ctx context.Context, customerID string) (types.HistoryDocument, bool, error) {
	var doc types.HistoryDocument
	ok, err := f.getJSONDoc(ctx, "history", customerID, &doc)
	return doc, ok, err
}

// WriteHistory implements the Database interface.
func (f *FirestoreProvider) WriteHistory(ctx context.Context, customerID string, doc types.HistoryDocument) error {
	return f.setJSONDoc(ctx, "history", customerID, doc)
}

// DeleteHistory implements the Database interface.
func (f *FirestoreProvider) DeleteHistory(ctx context.Context, customerID string) error {
	_, err := f.client.Collection("history").Doc(customerID).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete history for %s: %w", customerID, err)
	}
	return nil
}
