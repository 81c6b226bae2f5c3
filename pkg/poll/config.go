package poll

import (
	"fmt"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/storage"
	"github.com/levenlabs/go-lflag"
)

// Configured sets up both pollers based on flags.
func Configured(api aneo.API, db storage.Database) (*Chargers, *Prices) {
	chargers := NewChargers(api)
	prices := NewPrices(api, db)

	chargersInterval := lflag.Duration("poll-chargers-interval", defaultChargersInterval, "How often to poll charger state")
	pricesInterval := lflag.Duration("poll-prices-interval", defaultPricesInterval, "How often to poll the price schedule")

	lflag.Do(func() {
		if *chargersInterval <= 0 {
			panic(fmt.Sprintf("poll-chargers-interval must be positive, got %s", *chargersInterval))
		}
		if *pricesInterval <= 0 {
			panic(fmt.Sprintf("poll-prices-interval must be positive, got %s", *pricesInterval))
		}
		chargers.interval = *chargersInterval
		prices.interval = *pricesInterval
	})

	return chargers, prices
}
