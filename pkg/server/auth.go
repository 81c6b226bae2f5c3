package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aneobridge/aneobridge/pkg/common"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/google/uuid"
)

// authMiddleware tags every request with an id for log correlation and,
// unless auth is disabled, requires either the static API token or a
// verified OIDC id token in the Authorization header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(
			slog.String("reqPath", r.URL.Path),
			slog.String("requestID", uuid.New().String()),
		))

		if s.bypassAuth {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Ctx(ctx).ErrorContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if s.apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) == 1 {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if len(s.oidcVerifiers) > 0 {
			email, err := s.authenticateToken(ctx, token)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !s.emailAllowed(email) {
				log.Ctx(ctx).WarnContext(ctx, "email not allowed", slog.String("email", common.Redact(email)))
				writeJSONError(w, "email not allowed", http.StatusForbidden)
				return
			}
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", common.Redact(email))))
			log.Ctx(ctx).DebugContext(ctx, "authenticated request")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	var errs []error

	for providerName, verifier := range s.oidcVerifiers {
		email, err := verifier(ctx, token)
		if err == nil {
			return email, nil
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", providerName, err))
	}

	if len(errs) > 1 {
		return "", errors.Join(errs...)
	}
	if len(errs) == 1 {
		return "", errs[0]
	}
	return "", errors.New("no valid audiences configured or token invalid")
}

func (s *Server) emailAllowed(email string) bool {
	if len(s.allowedEmails) == 0 {
		return true
	}
	for _, allowed := range s.allowedEmails {
		if email == allowed {
			return true
		}
	}
	return false
}
