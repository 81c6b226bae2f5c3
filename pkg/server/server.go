package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/poll"
	"github.com/aneobridge/aneobridge/pkg/storage"
	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
)

// ChargerSource provides the latest charger snapshot and the health of the
// poller maintaining it, normally the charger poller.
type ChargerSource interface {
	Chargers() map[string]types.Charger
	Charger(chargerID string) (types.Charger, bool)
	Status() poll.Status
}

// PriceSource provides the latest price schedule and the health of the
// poller maintaining it, normally the price poller.
type PriceSource interface {
	Prices() (types.PriceData, bool)
	Status() poll.Status
}

// tokenVerifier validates a raw OIDC id token and returns its email claim.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server exposes the bridge over a local HTTP API: poller snapshots out,
// vendor login and charger commands in.
type Server struct {
	api      aneo.API
	db       storage.Database
	chargers ChargerSource
	prices   PriceSource

	listenAddr string
	httpServer *http.Server

	apiToken      string
	allowedEmails []string
	oidcAudiences map[string]string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(a aneo.API, db storage.Database, chargers ChargerSource, prices PriceSource) *Server {
	srv := &Server{
		api:        a,
		db:         db,
		chargers:   chargers,
		prices:     prices,
		serverName: "aneobridge",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	apiToken := lflag.String("api-token", "", "Static bearer token protecting the API, empty disables token auth")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")
	allowedEmails := lflag.String("allowed-emails", "", "comma-delimited list of email addresses allowed via OIDC, empty allows any verified email")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.apiToken = *apiToken
		if *allowedEmails != "" {
			srv.allowedEmails = strings.Split(*allowedEmails, ",")
			for i, email := range srv.allowedEmails {
				srv.allowedEmails[i] = strings.TrimSpace(email)
			}
		}
		if len(oidcAudiences) > 0 {
			issuers := map[string]string{
				"google": "https://accounts.google.com",
				"apple":  "https://appleid.apple.com",
			}
			srv.oidcAudiences = make(map[string]string, len(oidcAudiences))
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
			for n, a := range oidcAudiences {
				issuer, ok := issuers[n]
				if !ok {
					log.Ctx(context.Background()).Error("unsupported oidc provider", slog.String("provider", n))
					os.Exit(1)
				}
				provider, err := oidc.NewProvider(context.Background(), issuer)
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("provider", n), slog.Any("error", err))
					os.Exit(1)
				}
				srv.oidcVerifiers[n] = oidcEmailVerifier(provider, a)
				srv.oidcAudiences[n] = a
			}
		}

		// no token and no OIDC means a trusted local network
		if srv.apiToken == "" && len(srv.oidcAudiences) == 0 {
			srv.bypassAuth = true
		}
	})

	return srv
}

func oidcEmailVerifier(provider *oidc.Provider, clientID string) tokenVerifier {
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", err
		}
		return claims.Email, nil
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/chargers", s.handleListChargers)
	apiMux.HandleFunc("GET /api/chargers/{chargerID}", s.handleGetCharger)
	apiMux.HandleFunc("GET /api/prices", s.handleGetPrices)
	apiMux.HandleFunc("POST /api/chargers/{chargerID}/start", s.handleStartCharging)
	apiMux.HandleFunc("POST /api/chargers/{chargerID}/stop", s.handleStopCharging)
	apiMux.HandleFunc("POST /api/chargers/{chargerID}/cable-lock", s.handleCableLock)
	apiMux.HandleFunc("POST /api/login", s.handleLogin)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(jsonContentType(apiMux)))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if s.bypassAuth {
		log.Ctx(ctx).WarnContext(ctx, "api authentication disabled, do not expose the listen address")
	}
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// jsonContentType stamps the response type up front, every api route encodes
// JSON and the content sniffer would otherwise label it text/plain. Handlers
// that reply with http.Error still override it.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeAneoError maps a failed vendor call onto an HTTP status.
func writeAneoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, aneo.ErrInvalidRefreshToken):
		writeJSONError(w, "re-authentication required", http.StatusUnauthorized)
	case errors.Is(err, aneo.ErrInvalidAuth):
		writeJSONError(w, "vendor rejected credentials", http.StatusUnauthorized)
	case errors.Is(err, aneo.ErrCannotConnect):
		writeJSONError(w, "vendor api unreachable", http.StatusBadGateway)
	case errors.Is(err, aneo.ErrBadResponse):
		writeJSONError(w, "vendor api returned a malformed response", http.StatusBadGateway)
	default:
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
