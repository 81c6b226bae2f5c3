package types

import "time"

// PriceEntry is one hour of the normalized price schedule. The interval is
// half-open: Start inclusive, Stop exclusive.
type PriceEntry struct {
	Price float64   `json:"price"`
	Start time.Time `json:"price_start"`
	Stop  time.Time `json:"price_stop"`
}

// PriceData is the result of one price poll. Today always has 24 entries on
// success. Tomorrow is nil until the vendor publishes next-day prices,
// typically in the evening.
type PriceData struct {
	CurrentPrice float64      `json:"current_price"`
	Today        []PriceEntry `json:"today"`
	Tomorrow     []PriceEntry `json:"tomorrow,omitempty"`
}
