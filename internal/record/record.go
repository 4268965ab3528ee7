// Package record is the data layer for signable records: business entities
// awaiting exactly one external signature. The business layer owns the rest
// of each record; this core reads and writes only the token lifecycle
// fields, and the single-use guarantee rests entirely on TrySetConsumed
// being an atomic compare-and-swap.
package record

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no signable record exists for the key.
	ErrNotFound = errors.New("record: not found")

	// ErrUnavailable indicates the backing store could not be reached.
	// Unlike the rate limiter, the record store never fails open: single-use
	// semantics cannot be guaranteed without it.
	ErrUnavailable = errors.New("record: store unavailable")
)

// Signable holds the token lifecycle fields of one record awaiting a
// signature. Consumed flips to true at most once per signing cycle; only
// an explicit re-issue starts a new cycle, overwriting the expiry and
// clearing the flag.
type Signable struct {
	Type           string
	ID             string
	TokenIssuedAt  time.Time
	TokenExpiresAt time.Time
	Consumed       bool
	ConsumedAt     time.Time
}

// Store is the transactional resource behind the validation pipeline.
type Store interface {
	// Get resolves a record by type and identifier.
	Get(ctx context.Context, recordType, id string) (Signable, error)

	// SetIssued stamps a fresh issuance window onto the record, creating
	// the lifecycle row if it does not exist. It starts a new signing
	// cycle: the consumed flag is cleared, and the overwritten expiry
	// supersedes every previously issued token.
	SetIssued(ctx context.Context, recordType, id string, issuedAt, expiresAt time.Time) error

	// TrySetConsumed atomically flips the consumed flag and reports whether
	// this call won. Exactly one concurrent caller observes true; all
	// others observe false, regardless of arrival order.
	TrySetConsumed(ctx context.Context, recordType, id string) (bool, error)

	// SetExpiry overwrites the stored expiry, for out-of-band extension.
	SetExpiry(ctx context.Context, recordType, id string, expiresAt time.Time) error
}
