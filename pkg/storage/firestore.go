package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Useful when the bridge runs on Cloud Run or another box without
// a writable disk.
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

// Init initializes the Firestore client and verifies the bridge collection
// is reachable, so a bad project id fails at startup instead of on the first
// poll.
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

	it := client.Collection("bridge").Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && err != iterator.Done {
		client.Close()
		return fmt.Errorf("failed to read bridge collection (project=%s, database=%s): %w", projectID, database, err)
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

// GetCredentials retrieves the credential set from the "bridge/credentials"
// document.
func (f *FirestoreProvider) GetCredentials(ctx context.Context) (types.Credentials, int, error) {
	doc, err := f.client.Collection("bridge").Doc("credentials").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// nothing stored yet
			return types.Credentials{}, 0, nil
		}
		return types.Credentials{}, 0, fmt.Errorf("failed to fetch credentials doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "credentials doc missing json")
		return types.Credentials{}, 0, fmt.Errorf("credentials document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "credentials doc json not string")
		return types.Credentials{}, 0, fmt.Errorf("credentials 'json' field is not a string")
	}

	var creds types.Credentials
	if err := json.Unmarshal([]byte(jsonStr), &creds); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal credentials json", slog.Any("err", err))
		return types.Credentials{}, 0, fmt.Errorf("failed to unmarshal credentials json: %w", err)
	}
	return creds, version, nil
}

// SetCredentials saves the credential set to the "bridge/credentials"
// document. It stores the credentials as a JSON string for portability.
func (f *FirestoreProvider) SetCredentials(ctx context.Context, creds types.Credentials, version int) error {
	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	_, err = f.client.Collection("bridge").Doc("credentials").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetSubscriptionID retrieves the resolved subscription id from the
// "bridge/config" document.
func (f *FirestoreProvider) GetSubscriptionID(ctx context.Context) (string, error) {
	doc, err := f.client.Collection("bridge").Doc("config").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch config doc: %w", err)
	}

	val, err := doc.DataAt("subscriptionID")
	if err != nil {
		// the doc exists but the id was never set
		return "", nil
	}
	id, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "config doc subscriptionID not string")
		return "", fmt.Errorf("config 'subscriptionID' field is not a string")
	}
	return id, nil
}

// SetSubscriptionID saves the resolved subscription id to the
// "bridge/config" document, preserving any other config fields.
func (f *FirestoreProvider) SetSubscriptionID(ctx context.Context, subscriptionID string) error {
	_, err := f.client.Collection("bridge").Doc("config").Set(ctx, map[string]interface{}{
		"subscriptionID": subscriptionID,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save subscription id: %w", err)
	}
	return nil
}
