// Package prices expands the vendor's raw hourly price list into a schedule
// of wall-clock intervals.
package prices

import (
	"fmt"
	"time"

	"github.com/aneobridge/aneobridge/pkg/types"
)

// HoursPerDay is the number of entries a full daily schedule has.
const HoursPerDay = 24

// Day expands raw hourly prices into half-open [start, stop) intervals for
// the day beginning at dayStart. dayStart must be midnight in the location
// the schedule should be expressed in. Entries beyond the first 24 are
// ignored, fewer than 24 is an error.
func Day(dayStart time.Time, raw []float64) ([]types.PriceEntry, error) {
	if len(raw) < HoursPerDay {
		return nil, fmt.Errorf("expected %d hourly prices, got %d", HoursPerDay, len(raw))
	}

	entries := make([]types.PriceEntry, HoursPerDay)
	for hour := 0; hour < HoursPerDay; hour++ {
		start := time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day(), hour, 0, 0, 0, dayStart.Location())
		entries[hour] = types.PriceEntry{
			Price: raw[hour],
			Start: start,
			Stop:  start.Add(time.Hour),
		}
	}
	return entries, nil
}

// Current returns the price in effect at now from a schedule built by Day
// for now's day. The schedule is indexed by wall-clock hour.
func Current(entries []types.PriceEntry, now time.Time) float64 {
	hour := now.Hour()
	if hour >= len(entries) {
		return 0
	}
	return entries[hour].Price
}
