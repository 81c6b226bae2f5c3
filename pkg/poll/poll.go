package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/storage"
	"github.com/aneobridge/aneobridge/pkg/types"
)

const (
	// defaultChargersInterval matches how often the vendor's own app polls.
	defaultChargersInterval = 30 * time.Second
	// defaultPricesInterval is hourly, prices only change on the hour.
	defaultPricesInterval = time.Hour
)

// Status is a snapshot of a poller's health for the status API.
type Status struct {
	LastSuccess  time.Time `json:"lastSuccess"`
	LastError    string    `json:"lastError,omitempty"`
	Failures     int       `json:"failures"`
	AuthRequired bool      `json:"authRequired"`
}

// pollCore carries what both pollers share: the API handle, the tick
// interval, and the health bookkeeping around every cycle.
type pollCore struct {
	name     string
	api      aneo.API
	interval time.Duration

	mu     sync.RWMutex
	status Status
}

// Status returns the poller's current health.
func (p *pollCore) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// run executes cycle immediately and then on every tick until ctx is done.
func (p *pollCore) run(ctx context.Context, cycle func(context.Context)) {
	ctx = log.Component(ctx, p.name)
	log.Ctx(ctx).InfoContext(ctx, "poller started", slog.Duration("interval", p.interval))

	cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cycle(ctx)
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "poller stopped")
			return
		}
	}
}

// ensureReady reports whether a cycle should proceed to its data fetch. It
// skips the cycle entirely while re-authentication is pending and refreshes
// the access token when the locally tracked expiry has passed.
func (p *pollCore) ensureReady(ctx context.Context) bool {
	if p.api.NeedsReauth() {
		p.markAuthRequired(ctx, nil)
		return false
	}
	if err := p.api.EnsureValidToken(ctx); err != nil {
		if errors.Is(err, aneo.ErrInvalidRefreshToken) {
			p.markAuthRequired(ctx, err)
		} else {
			p.markFailure(ctx, err)
		}
		return false
	}
	return true
}

// fetchWithRetry runs fetch, and when the server rejects a token we thought
// was valid it refreshes once and retries. Bookkeeping for the terminal
// error is handled here; the caller only proceeds on true.
func (p *pollCore) fetchWithRetry(ctx context.Context, fetch func(context.Context) error) bool {
	err := fetch(ctx)
	if errors.Is(err, aneo.ErrInvalidAuth) {
		log.Ctx(ctx).DebugContext(ctx, "access token rejected, refreshing")
		if rerr := p.api.Refresh(ctx); rerr != nil {
			if errors.Is(rerr, aneo.ErrInvalidRefreshToken) {
				p.markAuthRequired(ctx, rerr)
			} else {
				p.markFailure(ctx, rerr)
			}
			return false
		}
		err = fetch(ctx)
	}
	if err != nil {
		// a second rejection right after a successful refresh means the
		// session is broken beyond a token rotation, retrying every tick
		// won't fix it
		if errors.Is(err, aneo.ErrInvalidRefreshToken) || errors.Is(err, aneo.ErrInvalidAuth) {
			p.markAuthRequired(ctx, err)
		} else {
			p.markFailure(ctx, err)
		}
		return false
	}
	return true
}

func (p *pollCore) markSuccess() {
	p.mu.Lock()
	p.status.LastSuccess = time.Now()
	p.status.LastError = ""
	p.status.Failures = 0
	p.status.AuthRequired = false
	p.mu.Unlock()
}

func (p *pollCore) markFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.status.Failures++
	failures := p.status.Failures
	p.mu.Unlock()
	log.Ctx(ctx).WarnContext(ctx, "poll cycle failed",
		slog.Any("error", err),
		slog.Int("failures", failures),
	)
}

// markAuthRequired latches the auth-required state. The first transition is
// an error, repeats only log at debug so a broken refresh token doesn't
// flood the logs every tick.
func (p *pollCore) markAuthRequired(ctx context.Context, err error) {
	p.mu.Lock()
	first := !p.status.AuthRequired
	p.status.AuthRequired = true
	if err != nil {
		p.status.LastError = err.Error()
		p.status.Failures++
	}
	p.mu.Unlock()

	if first {
		log.Ctx(ctx).ErrorContext(ctx, "re-authentication required, polling suspended until login")
	} else {
		log.Ctx(ctx).DebugContext(ctx, "still awaiting re-authentication")
	}
}

// Chargers polls the vendor for the state of every charger on the account
// and keeps the latest snapshot in memory. A cycle that fails leaves the
// previous snapshot in place.
type Chargers struct {
	pollCore

	// onUpdate and chargers are guarded by pollCore.mu.
	onUpdate func(map[string]types.Charger)
	chargers map[string]types.Charger
}

// NewChargers returns a charger poller with defaults. Use Configured for the
// flag-driven instance.
func NewChargers(api aneo.API) *Chargers {
	return &Chargers{
		pollCore: pollCore{
			name:     "chargers",
			api:      api,
			interval: defaultChargersInterval,
		},
	}
}

// OnUpdate registers a callback invoked with each fresh snapshot. The
// snapshot must be treated as read-only.
func (c *Chargers) OnUpdate(fn func(map[string]types.Charger)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Run blocks polling until ctx is canceled.
func (c *Chargers) Run(ctx context.Context) {
	c.run(ctx, c.cycle)
}

// Chargers returns a copy of the latest snapshot keyed by charger id.
func (c *Chargers) Chargers() map[string]types.Charger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.Charger, len(c.chargers))
	for id, ch := range c.chargers {
		out[id] = ch
	}
	return out
}

// Charger returns one charger from the latest snapshot.
func (c *Chargers) Charger(id string) (types.Charger, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.chargers[id]
	return ch, ok
}

func (c *Chargers) cycle(ctx context.Context) {
	if !c.ensureReady(ctx) {
		return
	}

	var chargers map[string]types.Charger
	ok := c.fetchWithRetry(ctx, func(ctx context.Context) error {
		var err error
		chargers, err = c.api.AllChargerStates(ctx)
		return err
	})
	if !ok {
		return
	}

	c.mu.Lock()
	c.chargers = chargers
	onUpdate := c.onUpdate
	c.mu.Unlock()
	c.markSuccess()
	log.Ctx(ctx).DebugContext(ctx, "charger snapshot updated", slog.Int("count", len(chargers)))

	if onUpdate != nil {
		onUpdate(chargers)
	}
}

// Prices polls the vendor for the hourly price schedule of the resolved
// subscription. The subscription id is read from storage on every cycle so
// a login that resolves it takes effect without a restart.
type Prices struct {
	pollCore
	db storage.Database

	// onUpdate, prices and havePrices are guarded by pollCore.mu.
	onUpdate   func(types.PriceData)
	prices     types.PriceData
	havePrices bool
}

// NewPrices returns a price poller with defaults. Use Configured for the
// flag-driven instance.
func NewPrices(api aneo.API, db storage.Database) *Prices {
	return &Prices{
		pollCore: pollCore{
			name:     "prices",
			api:      api,
			interval: defaultPricesInterval,
		},
		db: db,
	}
}

// OnUpdate registers a callback invoked with each fresh schedule.
func (p *Prices) OnUpdate(fn func(types.PriceData)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// Run blocks polling until ctx is canceled.
func (p *Prices) Run(ctx context.Context) {
	p.run(ctx, p.cycle)
}

// Prices returns the latest schedule. The second return is false until the
// first successful fetch.
func (p *Prices) Prices() (types.PriceData, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prices, p.havePrices
}

func (p *Prices) cycle(ctx context.Context) {
	if !p.ensureReady(ctx) {
		return
	}

	subID, err := p.db.GetSubscriptionID(ctx)
	if err != nil {
		p.markFailure(ctx, fmt.Errorf("failed to load subscription id: %w", err))
		return
	}
	if subID == "" {
		// a login resolves the subscription id, until then every cycle
		// fails so the misconfiguration is visible in the status
		p.markFailure(ctx, errors.New("no subscription id resolved, login required"))
		return
	}

	var pd types.PriceData
	ok := p.fetchWithRetry(ctx, func(ctx context.Context) error {
		var err error
		pd, err = p.api.PriceData(ctx, subID)
		return err
	})
	if !ok {
		return
	}

	p.mu.Lock()
	p.prices = pd
	p.havePrices = true
	onUpdate := p.onUpdate
	p.mu.Unlock()
	p.markSuccess()
	log.Ctx(ctx).DebugContext(ctx, "price schedule updated",
		slog.Float64("currentPrice", pd.CurrentPrice),
		slog.Bool("haveTomorrow", len(pd.Tomorrow) > 0),
	)

	if onUpdate != nil {
		onUpdate(pd)
	}
}
