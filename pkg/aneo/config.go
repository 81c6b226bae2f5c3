package aneo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aneobridge/aneobridge/pkg/common"
	"github.com/levenlabs/go-lflag"
)

// Configured sets up the Aneo Mobility client based on flags.
func Configured() *Client {
	c := New()

	baseURL := lflag.String("aneo-base-url", defaultBaseURL, "Base URL of the Aneo Mobility API")
	timeout := lflag.Duration("aneo-timeout", defaultTimeout, "Timeout for Aneo Mobility API requests")
	timezone := lflag.String("timezone", "Europe/Oslo", "IANA timezone the price schedule is built in")
	tomorrowFrom := lflag.String("prices-tomorrow-after", strconv.Itoa(defaultTomorrowFromHour),
		"Local hour (0-23) from which tomorrow's prices are fetched")

	lflag.Do(func() {
		c.baseURL = *baseURL
		c.client = common.HTTPClient(*timeout)

		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone %q: %v", *timezone, err))
		}
		c.loc = loc

		hour, err := strconv.Atoi(*tomorrowFrom)
		if err != nil || hour < 0 || hour > 23 {
			panic(fmt.Sprintf("prices-tomorrow-after must be an hour within 0-23, got %q", *tomorrowFrom))
		}
		c.tomorrowFromHour = hour
	})

	return c
}
