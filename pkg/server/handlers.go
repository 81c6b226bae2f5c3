package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/common"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/poll"
	"github.com/aneobridge/aneobridge/pkg/types"
)

type statusResponse struct {
	Version      string      `json:"version"`
	AuthRequired bool        `json:"authRequired"`
	TokenValid   bool        `json:"tokenValid"`
	Chargers     poll.Status `json:"chargers"`
	Prices       poll.Status `json:"prices"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	err := json.NewEncoder(w).Encode(statusResponse{
		Version:      common.Version(),
		AuthRequired: s.api.NeedsReauth(),
		TokenValid:   s.api.TokenValid(),
		Chargers:     s.chargers.Status(),
		Prices:       s.prices.Status(),
	})
	if err != nil {
		panic(http.ErrAbortHandler)
	}
}

type chargerResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SubscriptionID string `json:"subscriptionId"`
	SocketStatus   string `json:"socketStatus,omitempty"`
	ChargeStatus   string `json:"chargeStatus"`
	Charging       bool   `json:"charging"`
	CarConnected   bool   `json:"carConnected"`
	SessionActive  bool   `json:"sessionActive"`
	CableLockOpen  bool   `json:"cableLockOpen"`
}

func newChargerResponse(c types.Charger) chargerResponse {
	resp := chargerResponse{
		ID:             c.ID(),
		Name:           c.Name(),
		SubscriptionID: c.Subscription.ID,
		ChargeStatus:   c.State.ChargeStatus(),
		Charging:       c.State.Charging(),
		CarConnected:   c.State.CarConnected(),
		SessionActive:  c.State.SessionActive(),
		CableLockOpen:  c.State.CableLockOpen(),
	}
	if status, ok := c.State.SocketStatus(); ok {
		resp.SocketStatus = status
	}
	return resp
}

func (s *Server) handleListChargers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.chargers.Chargers()
	chargers := make([]chargerResponse, 0, len(snapshot))
	for _, c := range snapshot {
		chargers = append(chargers, newChargerResponse(c))
	}
	sort.Slice(chargers, func(i, j int) bool {
		return chargers[i].ID < chargers[j].ID
	})

	err := json.NewEncoder(w).Encode(struct {
		Chargers []chargerResponse `json:"chargers"`
	}{Chargers: chargers})
	if err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleGetCharger(w http.ResponseWriter, r *http.Request) {
	charger, ok := s.chargers.Charger(r.PathValue("chargerID"))
	if !ok {
		writeJSONError(w, "unknown charger", http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(newChargerResponse(charger)); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	pd, ok := s.prices.Prices()
	if !ok {
		writeJSONError(w, "no prices fetched yet", http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(pd); err != nil {
		panic(http.ErrAbortHandler)
	}
}

type loginResponse struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSONError(w, "username and password are required", http.StatusBadRequest)
		return
	}

	if _, err := s.api.Authenticate(ctx, req.Username, req.Password); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "login failed", slog.String("username", common.Redact(req.Username)), slog.Any("error", err))
		if errors.Is(err, aneo.ErrInvalidAuth) {
			writeJSONError(w, "invalid username or password", http.StatusUnauthorized)
			return
		}
		writeAneoError(w, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "login succeeded", slog.String("username", common.Redact(req.Username)))

	subID, err := s.resolveSubscription(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve subscription after login", slog.Any("error", err))
		writeJSONError(w, "login succeeded but failed to resolve subscription", http.StatusBadGateway)
		return
	}

	if err := json.NewEncoder(w).Encode(loginResponse{SubscriptionID: subID}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// resolveSubscription picks the subscription the bridge polls prices for. A
// previously resolved id wins as long as the account still exposes it,
// otherwise the first subscription is stored. Accounts with no subscriptions
// resolve to empty without error.
func (s *Server) resolveSubscription(ctx context.Context) (string, error) {
	existing, err := s.db.GetSubscriptionID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read stored subscription id: %w", err)
	}

	subs, err := s.api.GetSubscriptions(ctx)
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
		log.Ctx(ctx).WarnContext(ctx, "stored subscription no longer on account, re-resolving", slog.String("subscriptionID", common.Redact(existing)))
	}

	subID := subs[0].ID
	if err := s.db.SetSubscriptionID(ctx, subID); err != nil {
		return "", fmt.Errorf("failed to store subscription id: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "resolved subscription", slog.String("subscriptionID", common.Redact(subID)))
	return subID, nil
}

type commandResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleStartCharging(w http.ResponseWriter, r *http.Request) {
	s.handleTransaction(w, r, true)
}

func (s *Server) handleStopCharging(w http.ResponseWriter, r *http.Request) {
	s.handleTransaction(w, r, false)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request, start bool) {
	ctx := r.Context()
	chargerID := r.PathValue("chargerID")
	charger, ok := s.chargers.Charger(chargerID)
	if !ok {
		writeJSONError(w, "unknown charger", http.StatusNotFound)
		return
	}

	var result json.RawMessage
	var err error
	if start {
		result, err = s.api.StartCharging(ctx, chargerID, charger.Subscription.ID)
	} else {
		result, err = s.api.StopCharging(ctx, chargerID, charger.Subscription.ID)
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "charger command failed", slog.String("chargerID", common.Redact(chargerID)), slog.Bool("start", start), slog.Any("error", err))
		writeAneoError(w, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "charger command executed", slog.String("chargerID", common.Redact(chargerID)), slog.Bool("start", start))

	if err := json.NewEncoder(w).Encode(commandResponse{Result: result}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleCableLock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chargerID := r.PathValue("chargerID")

	var req struct {
		Locked *bool `json:"locked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Locked == nil {
		writeJSONError(w, "locked is required", http.StatusBadRequest)
		return
	}

	result, err := s.api.SetCableLock(ctx, chargerID, *req.Locked)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cable lock command failed", slog.String("chargerID", common.Redact(chargerID)), slog.Bool("locked", *req.Locked), slog.Any("error", err))
		writeAneoError(w, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "cable lock updated", slog.String("chargerID", common.Redact(chargerID)), slog.Bool("locked", *req.Locked))

	if err := json.NewEncoder(w).Encode(commandResponse{Result: result}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
