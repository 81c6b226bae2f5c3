package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/mqtt"
	"github.com/aneobridge/aneobridge/pkg/poll"
	"github.com/aneobridge/aneobridge/pkg/server"
	"github.com/aneobridge/aneobridge/pkg/storage"
	"github.com/aneobridge/aneobridge/pkg/types"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// load a .env when running locally, flags can come from the environment
	_ = godotenv.Load()

	// init packages
	api := aneo.Configured()
	db := storage.Configured()
	chargers, prices := poll.Configured(api, db)
	bridge := mqtt.Configured(api, chargers)

	// init server
	srv := server.Configured(api, db, chargers, prices)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// every rotated token pair is flushed to storage before the triggering
	// call returns, a missed write would orphan the account
	api.OnCredentials(func(ctx context.Context, creds types.Credentials) {
		if err := db.SetCredentials(ctx, creds, types.CurrentCredentialsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist credentials", "error", err)
		}
	})

	if err := loadCredentials(ctx, api, db); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load credentials", "error", err)
		os.Exit(1)
	}

	if err := bridge.Connect(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt broker", "error", err)
		os.Exit(1)
	}
	defer bridge.Close()
	chargers.OnUpdate(bridge.PublishChargers)
	prices.OnUpdate(bridge.PublishPrices)

	go chargers.Run(ctx)
	go prices.Run(ctx)

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// loadCredentials installs the stored credential set and validates it with
// one refresh, rotating the stored refresh token like the vendor's own app
// does on launch. A rejected or missing credential set is not fatal: the
// daemon stays up reporting auth-required until a login repairs it.
func loadCredentials(ctx context.Context, api aneo.API, db storage.Database) error {
	creds, version, err := db.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stored credentials: %w", err)
	}

	creds, changed, err := types.MigrateCredentials(creds, version)
	if err != nil {
		return fmt.Errorf("failed to migrate stored credentials: %w", err)
	}
	if changed {
		if err := db.SetCredentials(ctx, creds, types.CurrentCredentialsVersion); err != nil {
			return fmt.Errorf("failed to store migrated credentials: %w", err)
		}
	}

	if !creds.CanRefresh() {
		log.Ctx(ctx).WarnContext(ctx, "no stored credentials, login required before polling can start")
		return nil
	}
	api.SetCredentials(creds)

	if err := api.Refresh(ctx); err != nil {
		if errors.Is(err, aneo.ErrInvalidRefreshToken) {
			log.Ctx(ctx).WarnContext(ctx, "stored refresh token rejected, login required", "error", err)
			return nil
		}
		// transient, the pollers keep retrying with the stored tokens
		log.Ctx(ctx).WarnContext(ctx, "failed to validate stored credentials", "error", err)
	}
	return nil
}
