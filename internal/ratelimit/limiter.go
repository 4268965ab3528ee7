// Package ratelimit bounds request rates per client per endpoint class
// across any number of stateless workers. The shared-store implementation
// is authoritative; the in-memory one exists for single-process deployments
// and tests.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

const (
	// DefaultLimit and DefaultWindow match the production policy:
	// 10 attempts per client per endpoint class per hour.
	DefaultLimit  = 10
	DefaultWindow = time.Hour

	keyPrefix = "signet:ratelimit"
)

// Decision is the outcome of one Allow call.
//
// Degraded is set when the shared counter store was unreachable and the
// limiter failed open: availability of the signature workflow outweighs the
// marginal risk of an unthrottled window during a store outage. Callers
// must audit degraded decisions.
type Decision struct {
	Allowed   bool
	Remaining int
	Degraded  bool
}

// Limiter is an atomic increment-and-check counter with a self-expiring
// window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Key builds the counter key for a client address and endpoint class.
// Colons are replaced so IPv6 addresses produce unambiguous keys.
func Key(clientAddr, endpoint string) string {
	addr := strings.ReplaceAll(strings.TrimSpace(clientAddr), ":", "_")
	if addr == "" {
		addr = "unknown"
	}
	return keyPrefix + ":" + addr + ":" + endpoint
}
