package provider

import (
	"context"
	"time"
)

// AddressFunc returns the instance's current address, or "" if none yet.
type AddressFunc func(ctx context.Context) (string, error)

// PollAddress calls fetch every interval until it yields an address or
// timeout elapses. Timeout is not an error: it returns "". Errors from
// fetch end the wait.
func PollAddress(ctx context.Context, interval, timeout time.Duration, fetch AddressFunc) (string, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		addr, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		if addr != "" {
			return addr, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", nil
		case <-ticker.C:
		}
	}
}
