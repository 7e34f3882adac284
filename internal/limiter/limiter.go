// Package limiter rate-limits forced upstream syncs per client.
package limiter

import (
	"context"
	"time"
)

// Limiter counts forced sync requests per client in fixed windows.
type Limiter interface {
	// Allow records one attempt and reports whether it is within the limit,
	// with the time until the current window ends when it is not.
	Allow(ctx context.Context, ipHash []byte) (bool, time.Duration, error)
}

// Unlimited is a Limiter that always allows. Used when the limit is disabled.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(context.Context, []byte) (bool, time.Duration, error) { return true, 0, nil }
