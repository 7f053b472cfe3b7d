package timesync

import (
	"context"
	"time"

	"github.com/beevik/ntp"

	"github.com/sdss/cerebro/errors"
)

// DefaultQueryTimeout bounds one NTP exchange.
const DefaultQueryTimeout = 5 * time.Second

// NTPReferencer measures the clock offset against an NTP server.
type NTPReferencer struct {
	Timeout time.Duration
}

// NewNTPReferencer creates a referencer with the default query timeout.
func NewNTPReferencer() *NTPReferencer {
	return &NTPReferencer{Timeout: DefaultQueryTimeout}
}

// Query performs one NTP exchange and returns the measured clock offset.
func (r *NTPReferencer) Query(ctx context.Context, server string) (time.Duration, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, errors.WrapTransient(err, "NTPReferencer", "Query",
			"NTP exchange")
	}
	if err := resp.Validate(); err != nil {
		return 0, errors.WrapTransient(err, "NTPReferencer", "Query",
			"NTP response validation")
	}
	return resp.ClockOffset, nil
}
