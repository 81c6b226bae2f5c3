package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"
)

// SQLiteProvider implements the Database interface on a local SQLite file.
// This is the default provider: the bridge usually runs on a single box next
// to the home network and a file is all the durability it needs.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

// configuredSQLite sets up the SQLite provider.
// It registers flags for configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "aneobridge.db", "Path to the SQLite database file")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path cannot be empty")
	}
	return nil
}

// Init opens the database and creates the schema.
// This must be called before using the provider methods.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	_, err = db.ExecContext(ctx, `
create table if not exists credentials(id integer primary key, json text not null, version integer not null);
create table if not exists config(key text primary key, value text not null);
	`)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database file.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetCredentials retrieves the stored credential set. The table holds at
// most one row.
func (s *SQLiteProvider) GetCredentials(ctx context.Context) (types.Credentials, int, error) {
	row := s.db.QueryRowContext(ctx, "select json, version from credentials where id = 1")

	var jsonStr string
	var version int
	if err := row.Scan(&jsonStr, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Credentials{}, 0, nil
		}
		return types.Credentials{}, 0, fmt.Errorf("failed to fetch credentials row: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal([]byte(jsonStr), &creds); err != nil {
		return types.Credentials{}, 0, fmt.Errorf("failed to unmarshal credentials json: %w", err)
	}
	return creds, version, nil
}

// SetCredentials saves the credential set, replacing any previous one. It
// stores the credentials as a JSON string for portability with the other
// providers.
func (s *SQLiteProvider) SetCredentials(ctx context.Context, creds types.Credentials, version int) error {
	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "replace into credentials (id, json, version) values (1, ?, ?)",
		string(jsonBytes), version)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetSubscriptionID retrieves the resolved subscription id.
func (s *SQLiteProvider) GetSubscriptionID(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, "select value from config where key = 'subscription_id'")

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch subscription id: %w", err)
	}
	return id, nil
}

// SetSubscriptionID saves the resolved subscription id.
func (s *SQLiteProvider) SetSubscriptionID(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, "replace into config (key, value) values ('subscription_id', ?)",
		subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to save subscription id: %w", err)
	}
	return nil
}
