package aneo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aneobridge/aneobridge/pkg/common"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/prices"
	"github.com/aneobridge/aneobridge/pkg/types"
	"github.com/go-playground/validator"
)

// Every failure from the client wraps exactly one of these. Callers decide
// retry behavior off the kind, so a 401/403 must never surface as
// ErrCannotConnect.
var (
	// ErrCannotConnect covers transport errors, timeouts and non-auth HTTP
	// failures. Transient, retry on the next poll tick.
	ErrCannotConnect = errors.New("cannot connect to aneo api")
	// ErrInvalidAuth means the access token was rejected or is missing. One
	// reactive refresh plus retry is warranted.
	ErrInvalidAuth = errors.New("access token rejected")
	// ErrInvalidRefreshToken means the refresh token was rejected or is
	// missing. Terminal until the user authenticates again.
	ErrInvalidRefreshToken = errors.New("refresh token rejected")
	// ErrBadResponse means the vendor answered with a body we could not
	// parse or that failed validation.
	ErrBadResponse = errors.New("malformed aneo api response")
)

const (
	defaultBaseURL = "https://api.aneomobility.com"
	defaultTimeout = 20 * time.Second

	// accessTokenLifetime is the local estimate for access token validity.
	// The vendor issues 60 minute tokens but never returns the expiry, so we
	// refresh 5 minutes early to absorb clock skew and in-flight latency.
	accessTokenLifetime = 55 * time.Minute

	// defaultTomorrowFromHour is the local hour from which next-day prices
	// are typically published by the vendor.
	defaultTomorrowFromHour = 20

	// socketID is the socket commands act on. The vendor's home chargers
	// have a single socket.
	socketID = 1
)

var osloLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		panic(fmt.Errorf("failed to load oslo location: %w", err))
	}
	return loc
}()

// Client talks to the Aneo Mobility cloud API. It owns the credential set and
// classifies every failure into one of the error kinds above. All methods are
// safe for concurrent use; a refresh is a critical section so two pollers can
// never persist a stale token pair over a newer one.
type Client struct {
	client           *http.Client
	baseURL          string
	loc              *time.Location
	tomorrowFromHour int
	now              func() time.Time
	validate         *validator.Validate

	mu          sync.Mutex
	creds       types.Credentials
	needsReauth bool
	onCreds     func(context.Context, types.Credentials)
}

var _ API = (*Client)(nil)

// New returns a client with defaults. Use Configured for the flag-driven
// instance.
func New() *Client {
	return &Client{
		client:           common.HTTPClient(defaultTimeout),
		baseURL:          defaultBaseURL,
		loc:              osloLocation,
		tomorrowFromHour: defaultTomorrowFromHour,
		now:              time.Now,
		validate:         validator.New(),
	}
}

// OnCredentials registers a callback invoked with the new credential set
// after every successful authenticate or refresh, before the triggering call
// returns. Wire this to storage so a rotated refresh token is never lost.
// The callback runs with internal state locked, keep it quick.
func (c *Client) OnCredentials(fn func(context.Context, types.Credentials)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCreds = fn
}

// SetCredentials installs a previously persisted credential set and clears
// any needs-reauth latch.
func (c *Client) SetCredentials(creds types.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	c.needsReauth = false
}

// Credentials returns a copy of the current credential set.
func (c *Client) Credentials() types.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// TokenValid reports whether the access token is present and its locally
// computed expiry is in the future. The server is the final authority: a 401
// on a token that passes this check still triggers a reactive refresh.
func (c *Client) TokenValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.TokenValid(c.now())
}

// NeedsReauth reports whether the refresh token was rejected and further
// calls will fail until new credentials are installed.
func (c *Client) NeedsReauth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsReauth
}

// Authenticate exchanges a username and password for a fresh credential set.
// The access token expiry is computed locally, the refresh token expiry is
// taken from the server.
func (c *Client) Authenticate(ctx context.Context, username, password string) (types.Credentials, error) {
	log.Ctx(ctx).DebugContext(ctx, "authenticating", slog.String("username", common.Redact(username)))

	req, err := c.newPostJSONRequest(ctx, authenticateRequest{
		UserName: username,
		Password: password,
	}, "api/account/authenticate")
	if err != nil {
		return types.Credentials{}, err
	}

	var res authenticateResult
	if err := c.doRequest(req, &res, ErrInvalidAuth); err != nil {
		return types.Credentials{}, err
	}
	if err := c.validate.Struct(res); err != nil {
		return types.Credentials{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	refreshExpiry, err := parseVendorTime(res.RefreshTokenExpiresAt)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("%w: bad refreshTokenExpiresAt: %v", ErrBadResponse, err)
	}

	creds := types.Credentials{
		UserID:                res.ID,
		AccountID:             res.AccountID,
		Username:              res.UserName,
		AccessToken:           res.AccessToken,
		AccessTokenExpiresAt:  c.now().Add(accessTokenLifetime),
		RefreshToken:          res.RefreshToken,
		RefreshTokenExpiresAt: refreshExpiry,
	}

	c.mu.Lock()
	c.applyCredentials(ctx, creds)
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "authenticated", slog.String("accountID", common.Redact(creds.AccountID)))
	return creds, nil
}

// Refresh rotates the token pair unconditionally, preserving the account
// identity fields. Used reactively after a 401 on a data call and at startup
// to validate stored credentials.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// EnsureValidToken refreshes only when the locally computed expiry has
// passed. Concurrent pollers coalesce here: a caller that acquires the lock
// after another poller already refreshed observes the fresh token and skips
// its own refresh.
func (c *Client) EnsureValidToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds.TokenValid(c.now()) {
		return nil
	}
	return c.refreshLocked(ctx)
}

// refreshLocked must be called with c.mu held. The lock is held across the
// network call on purpose: refreshes are serialized and the persist callback
// always sees token pairs in rotation order.
func (c *Client) refreshLocked(ctx context.Context) error {
	if c.needsReauth {
		return fmt.Errorf("%w: re-authentication required", ErrInvalidRefreshToken)
	}
	if !c.creds.CanRefresh() {
		c.needsReauth = true
		return fmt.Errorf("%w: missing user id or refresh token", ErrInvalidRefreshToken)
	}

	log.Ctx(ctx).DebugContext(ctx, "refreshing access token", slog.String("userID", common.Redact(c.creds.UserID)))

	req, err := c.newPostJSONRequest(ctx, refreshRequest{
		UserID:       c.creds.UserID,
		RefreshToken: c.creds.RefreshToken,
	}, "api/account/token/refresh")
	if err != nil {
		return err
	}

	var res refreshResult
	if err := c.doRequest(req, &res, ErrInvalidRefreshToken); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			log.Ctx(ctx).WarnContext(ctx, "refresh token rejected, re-authentication required")
			c.needsReauth = true
		}
		return err
	}
	if err := c.validate.Struct(res); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	refreshExpiry, err := parseVendorTime(res.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: bad expiresAt: %v", ErrBadResponse, err)
	}

	// Both tokens are replaced together and the identity fields carry over.
	creds := c.creds
	creds.AccessToken = res.AccessToken
	creds.AccessTokenExpiresAt = c.now().Add(accessTokenLifetime)
	creds.RefreshToken = res.RefreshToken
	creds.RefreshTokenExpiresAt = refreshExpiry
	c.applyCredentials(ctx, creds)
	return nil
}

// applyCredentials must be called with c.mu held.
func (c *Client) applyCredentials(ctx context.Context, creds types.Credentials) {
	c.creds = creds
	c.needsReauth = false
	if c.onCreds != nil {
		c.onCreds(ctx, creds)
	}
}

// GetSubscriptions returns the account's charging subscriptions.
func (c *Client) GetSubscriptions(ctx context.Context) ([]types.Subscription, error) {
	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}

	req, err := c.newGetRequest(ctx, nil, "api/subscription/v3/subscriptions")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var subs []types.Subscription
	if err := c.doRequest(req, &subs, ErrInvalidAuth); err != nil {
		return nil, err
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched subscriptions", slog.Int("count", len(subs)))
	return subs, nil
}

// GetChargerState returns the detailed state of one charging point.
func (c *Client) GetChargerState(ctx context.Context, chargerID string) (types.ChargerState, error) {
	token, err := c.bearerToken()
	if err != nil {
		return types.ChargerState{}, err
	}

	req, err := c.newGetRequest(ctx, nil, "api/chargingpoint", chargerID)
	if err != nil {
		return types.ChargerState{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var state types.ChargerState
	if err := c.doRequest(req, &state, ErrInvalidAuth); err != nil {
		return types.ChargerState{}, err
	}
	return state, nil
}

// AllChargerStates fetches the subscriptions and then the state of every
// charger they expose. A single charger's failure drops that charger from
// the result, it never aborts the sweep.
func (c *Client) AllChargerStates(ctx context.Context) (map[string]types.Charger, error) {
	subs, err := c.GetSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	chargers := make(map[string]types.Charger)
	for _, sub := range subs {
		chargerID := sub.ChargerID()
		if chargerID == "" {
			continue
		}
		state, err := c.GetChargerState(ctx, chargerID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to get charger state",
				slog.String("chargerID", common.Redact(chargerID)),
				slog.Any("error", err),
			)
			continue
		}
		chargers[chargerID] = types.Charger{
			Subscription: sub,
			State:        state,
		}
	}
	return chargers, nil
}

// PriceData returns the normalized price schedule for a subscription. Today
// is always fetched. Tomorrow is only fetched from the configured evening
// hour onward, and an empty tomorrow list means the vendor has not published
// next-day prices yet, which is not an error.
func (c *Client) PriceData(ctx context.Context, subscriptionID string) (types.PriceData, error) {
	if subscriptionID == "" {
		return types.PriceData{}, errors.New("missing subscription id")
	}

	now := c.now().In(c.loc)
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	tomorrowStart := todayStart.AddDate(0, 0, 1)

	log.Ctx(ctx).DebugContext(ctx, "fetching prices for today",
		slog.String("date", todayStart.Format("2006-01-02")),
		slog.String("subscriptionID", common.Redact(subscriptionID)),
	)
	rawToday, err := c.marketPrices(ctx, subscriptionID, todayStart)
	if err != nil {
		return types.PriceData{}, err
	}
	today, err := prices.Day(todayStart, rawToday)
	if err != nil {
		return types.PriceData{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var tomorrow []types.PriceEntry
	if now.Hour() >= c.tomorrowFromHour {
		log.Ctx(ctx).DebugContext(ctx, "fetching prices for tomorrow",
			slog.String("date", tomorrowStart.Format("2006-01-02")),
		)
		raw, err := c.marketPrices(ctx, subscriptionID, tomorrowStart)
		if err != nil {
			return types.PriceData{}, err
		}
		if len(raw) > 0 {
			tomorrow, err = prices.Day(tomorrowStart, raw)
			if err != nil {
				return types.PriceData{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
			}
		}
	} else {
		log.Ctx(ctx).DebugContext(ctx, "skipping tomorrow prices fetch",
			slog.Int("fromHour", c.tomorrowFromHour),
		)
	}

	return types.PriceData{
		CurrentPrice: prices.Current(today, now),
		Today:        today,
		Tomorrow:     tomorrow,
	}, nil
}

func (c *Client) marketPrices(ctx context.Context, subscriptionID string, day time.Time) ([]float64, error) {
	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("date", day.Format("2006-01-02"))
	req, err := c.newGetRequest(ctx, params, "api/myprices", subscriptionID, "market-prices")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var res marketPricesResult
	if err := c.doRequest(req, &res, ErrInvalidAuth); err != nil {
		return nil, err
	}

	out := make([]float64, len(res.Prices))
	for i, p := range res.Prices {
		out[i] = p.Price
	}
	return out, nil
}

// StartCharging starts a charging transaction on the charger's socket using
// the charger's own subscription.
func (c *Client) StartCharging(ctx context.Context, chargerID, subscriptionID string) (json.RawMessage, error) {
	log.Ctx(ctx).InfoContext(ctx, "starting charging", slog.String("chargerID", common.Redact(chargerID)))
	// the start/stop endpoints name the charger id field "identifier"
	return c.command(ctx, transactionRequest{
		Identifier:     chargerID,
		SocketID:       socketID,
		SubscriptionID: subscriptionID,
	}, "api/chargingpoint/v3/transaction/start")
}

// StopCharging stops the running charging transaction.
func (c *Client) StopCharging(ctx context.Context, chargerID, subscriptionID string) (json.RawMessage, error) {
	log.Ctx(ctx).InfoContext(ctx, "stopping charging", slog.String("chargerID", common.Redact(chargerID)))
	return c.command(ctx, transactionRequest{
		Identifier:     chargerID,
		SocketID:       socketID,
		SubscriptionID: subscriptionID,
	}, "api/chargingpoint/v3/transaction/stop")
}

// SetCableLock sets whether the cable stays permanently locked to the
// charger.
func (c *Client) SetCableLock(ctx context.Context, chargerID string, locked bool) (json.RawMessage, error) {
	log.Ctx(ctx).InfoContext(ctx, "setting cable lock",
		slog.String("chargerID", common.Redact(chargerID)),
		slog.Bool("locked", locked),
	)
	return c.command(ctx, cableLockRequest{
		ChargerID: chargerID,
		SocketID:  socketID,
		Locked:    locked,
	}, "api/chargingpoint/v3/set-cable-lock")
}

// command posts an action and returns the vendor's ack body verbatim.
func (c *Client) command(ctx context.Context, body interface{}, elem ...string) (json.RawMessage, error) {
	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}

	req, err := c.newPostJSONRequest(ctx, body, elem...)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var ack json.RawMessage
	if err := c.doRequest(req, &ack, ErrInvalidAuth); err != nil {
		return nil, err
	}
	return ack, nil
}

// bearerToken returns the access token for data calls. It fails locally,
// without a network call, when no token is held or the client is latched in
// the needs-reauth state.
func (c *Client) bearerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.needsReauth {
		return "", fmt.Errorf("%w: re-authentication required", ErrInvalidRefreshToken)
	}
	if c.creds.AccessToken == "" {
		return "", fmt.Errorf("%w: missing access token", ErrInvalidAuth)
	}
	return c.creds.AccessToken, nil
}

func (c *Client) newGetRequest(ctx context.Context, params url.Values, elem ...string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, elem...)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Client) newPostJSONRequest(ctx context.Context, data interface{}, elem ...string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, elem...)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doRequest executes the request and decodes the response into dest.
// authErr is what an HTTP 401/403 wraps: ErrInvalidAuth for access-token
// calls, ErrInvalidRefreshToken for the refresh call itself. Everything else
// non-2xx is a connect failure, never an auth failure.
func (c *Client) doRequest(req *http.Request, dest interface{}, authErr error) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", authErr, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrCannotConnect, resp.StatusCode)
	}

	if dest != nil && len(body) > 0 {
		if err := json.Unmarshal(body, dest); err != nil {
			log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode aneo response",
				slog.Any("error", err),
				slog.String("url", req.URL.Path),
			)
			return fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}
	return nil
}

// parseVendorTime parses the vendor's timestamps. Usually RFC 3339 with
// seven fractional digits, but some responses omit the zone, those are UTC.
func parseVendorTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999", s)
}

// Internal Structs

type authenticateRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

type authenticateResult struct {
	ID                    string `json:"id" validate:"required"`
	UserName              string `json:"userName" validate:"required"`
	AccountID             string `json:"accountId" validate:"required"`
	AccessToken           string `json:"accessToken" validate:"required"`
	RefreshToken          string `json:"refreshToken" validate:"required"`
	RefreshTokenExpiresAt string `json:"refreshTokenExpiresAt" validate:"required"`
}

type refreshRequest struct {
	UserID       string `json:"userId"`
	RefreshToken string `json:"refreshToken"`
}

type refreshResult struct {
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken" validate:"required"`
	// ExpiresAt is the refresh token expiry, about a month out. The access
	// token expiry is never returned.
	ExpiresAt string `json:"expiresAt" validate:"required"`
}

type marketPricesResult struct {
	Prices []marketPrice `json:"prices"`
}

type marketPrice struct {
	Price float64 `json:"price"`
}

type transactionRequest struct {
	Identifier     string `json:"identifier"`
	SocketID       int    `json:"socketId"`
	SubscriptionID string `json:"subscriptionId"`
}

type cableLockRequest struct {
	ChargerID string `json:"chargerId"`
	SocketID  int    `json:"socketId"`
	Locked    bool   `json:"locked"`
}
