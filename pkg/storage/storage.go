package storage

import (
	"context"
	"fmt"

	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Database defines the interface for persisting the credential set and the
// resolved subscription id. These are the only things the bridge must not
// lose across restarts: the refresh token rotates on every refresh, so a
// missed write means the user has to log in again.
type Database interface {
	// Credentials
	// GetCredentials returns zero credentials and version 0 when nothing has
	// been stored yet.
	GetCredentials(ctx context.Context) (types.Credentials, int, error)
	SetCredentials(ctx context.Context, creds types.Credentials, version int) error

	// Subscription selection
	// GetSubscriptionID returns an empty id when none has been resolved yet.
	GetSubscriptionID(ctx context.Context) (string, error)
	SetSubscriptionID(ctx context.Context, subscriptionID string) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, firestore)")

	var p struct{ Database }

	sq := configuredSQLite()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
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
