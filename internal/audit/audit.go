// Package audit is the append-only record of every security-relevant event
// in the signature workflow. Entries are immutable once written; the read
// side exists for external reporting tooling only.
package audit

import (
	"context"
	"time"
)

// Kind classifies a security event.
type Kind string

const (
	KindIssued           Kind = "issued"
	KindValidated        Kind = "validated"
	KindConsumed         Kind = "consumed"
	KindMalformed        Kind = "malformed"
	KindTampered         Kind = "tampered"
	KindExpired          Kind = "expired"
	KindReused           Kind = "reused"
	KindNotFound         Kind = "not_found"
	KindRateLimited      Kind = "rate_limited"
	KindReferrerRejected Kind = "referrer_rejected"
	KindLimiterDegraded  Kind = "rate_limiter_degraded"
	KindStoreError       Kind = "store_error"
)

// Entry is one audit row. RecordType/RecordID may be empty: a tampered
// token never resolves to a record. TokenPrefix holds at most the first
// eight characters of the presented token; full tokens are never persisted.
type Entry struct {
	ID          string
	OccurredAt  time.Time
	Kind        Kind
	ClientAddr  string
	Endpoint    string
	RecordType  string
	RecordID    string
	TokenPrefix string
	UserAgent   string
	Detail      string
}

// Recorder appends entries. Implementations must be safe for concurrent
// use and must never panic into request handling.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Filter narrows a Query. Zero values are ignored.
type Filter struct {
	From       time.Time
	To         time.Time
	Kinds      []Kind
	RecordType string
	RecordID   string
	Limit      int
}

// Stats summarizes recent security activity for reporting dashboards.
type Stats struct {
	Total        int
	Failures     int
	RateLimited  int
	TopOffenders []OffenderCount
}

// OffenderCount is a client address with its failed-attempt count.
type OffenderCount struct {
	ClientAddr string
	Failures   int
}

// Reader is the query surface consumed by external reporting tooling.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// failureKinds are the kinds counted as failures in Stats.
var failureKinds = []Kind{
	KindMalformed, KindTampered, KindExpired, KindReused,
	KindNotFound, KindRateLimited, KindReferrerRejected,
}
