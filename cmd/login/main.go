package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/common"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/storage"
	"github.com/aneobridge/aneobridge/pkg/types"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
)

// login bootstraps the bridge's storage without the HTTP API: it
// authenticates against the vendor, persists the credential set and resolves
// the subscription the price poller should follow.
func main() {
	_ = godotenv.Load()

	api := aneo.Configured()
	db := storage.Configured()

	username := lflag.RequiredString("username", "Aneo Mobility account email")
	password := lflag.String("password", "", "Account password, prompted on stdin when empty")

	lflag.Configure()

	ctx := context.Background()
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	pass := *password
	if pass == "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", *username)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to read password", "error", err)
			os.Exit(1)
		}
		pass = strings.TrimSpace(line)
	}
	if pass == "" {
		log.Ctx(ctx).ErrorContext(ctx, "password cannot be empty")
		os.Exit(1)
	}

	creds, err := api.Authenticate(ctx, *username, pass)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "authentication failed", "error", err)
		os.Exit(1)
	}
	if err := db.SetCredentials(ctx, creds, types.CurrentCredentialsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist credentials", "error", err)
		os.Exit(1)
	}

	subID, err := resolveSubscription(ctx, api, db)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve subscription", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "login stored",
		"accountID", common.Redact(creds.AccountID),
		"subscriptionID", common.Redact(subID),
	)
}

// resolveSubscription keeps a previously stored subscription id when the
// account still exposes it, otherwise stores the first subscription. An
// account with no subscriptions resolves to empty, which leaves price
// polling disabled.
func resolveSubscription(ctx context.Context, api aneo.API, db storage.Database) (string, error) {
	existing, err := db.GetSubscriptionID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read stored subscription id: %w", err)
	}

	subs, err := api.GetSubscriptions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "account has no subscriptions, price polling stays disabled")
		return "", nil
	}

	if existing != "" {
		for _, sub := range subs {
			if sub.ID == existing {
				return existing, nil
			}
		}
	}

	subID := subs[0].ID
	if err := db.SetSubscriptionID(ctx, subID); err != nil {
		return "", fmt.Errorf("failed to store subscription id: %w", err)
	}
	return subID, nil
}
