// Package ntp queries the time from an SNTP server, for setting the RTC from the network.
package ntp

import (
	"context"
	"errors"
	"fmt"
	"time"

	sntp "github.com/beevik/ntp"
)

// DefaultTimeout applies when the context has no deadline.
const DefaultTimeout = 5 * time.Second

// ErrKissOfDeath is returned when the server answers with stratum 0, asking the client to back
// off.
var ErrKissOfDeath = errors.New("ntp: kiss-of-death reply")

// Query asks host for the current time. host may include a port; the default is 123. The
// query gives up at the context deadline. The reply must pass the library's validity checks.
func Query(ctx context.Context, host string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	resp, err := sntp.QueryWithOptions(host, sntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return time.Time{}, fmt.Errorf("ntp: %w", err)
	}
	if resp.Stratum == 0 {
		return time.Time{}, fmt.Errorf("%w %q", ErrKissOfDeath, resp.KissCode)
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("ntp: %w", err)
	}
	return resp.Time.UTC(), nil
}
