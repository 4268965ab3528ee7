// Package signing is the validation pipeline every public signing endpoint
// passes through, and the issuance path that mints the tokens it validates.
// The two exported operations, Issue and Validate, are the only entry
// points other subsystems use.
package signing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/obs"
	"signet.org/internal/ratelimit"
	"signet.org/internal/record"
	"signet.org/internal/token"
)

// Request carries everything Validate needs about one inbound request.
// Consume distinguishes submission endpoints (which flip the consumed flag
// and pass the referrer gate) from display endpoints (which do neither).
type Request struct {
	Token      string
	ClientAddr string
	UserAgent  string
	Endpoint   string
	Referrer   string
	Consume    bool
}

// Service wires the codec, the rate limiter, the record store, and the
// audit recorder into the request pipeline.
type Service struct {
	codec   *token.Codec
	limiter ratelimit.Limiter
	records record.Store
	auditor audit.Recorder

	now       func() time.Time
	origin    string
	rateLimit int
	rateWin   time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithOrigin sets the service's own origin for the submission referrer
// gate. When unset the gate is skipped, since there is nothing to compare
// against.
func WithOrigin(origin string) Option {
	return func(s *Service) { s.origin = strings.TrimRight(origin, "/") }
}

// WithRatePolicy overrides the default 10-per-hour policy.
func WithRatePolicy(limit int, window time.Duration) Option {
	return func(s *Service) {
		if limit > 0 {
			s.rateLimit = limit
		}
		if window > 0 {
			s.rateWin = window
		}
	}
}

// WithClock overrides the pipeline clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the pipeline.
func NewService(codec *token.Codec, limiter ratelimit.Limiter, records record.Store, auditor audit.Recorder, opts ...Option) *Service {
	s := &Service{
		codec:     codec,
		limiter:   limiter,
		records:   records,
		auditor:   auditor,
		now:       time.Now,
		rateLimit: ratelimit.DefaultLimit,
		rateWin:   ratelimit.DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a token bound to one signable record and stamps the issuance
// window onto the record, returning the token and its embedded expiry.
// Re-issuing starts a new signing cycle: the overwritten expiry supersedes
// every previously issued token, and the consumed flag is cleared.
func (s *Service) Issue(ctx context.Context, recordType, recordID string, ttl time.Duration) (string, time.Time, error) {
	tok, err := s.codec.Issue(recordType, recordID, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	claims, err := s.codec.Verify(tok)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing: freshly issued token failed verification: %w", err)
	}
	if err := s.records.SetIssued(ctx, recordType, recordID, claims.IssuedAt, claims.ExpiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("signing: stamp issuance: %w", err)
	}

	s.audit(ctx, audit.Entry{
		Kind:        audit.KindIssued,
		Endpoint:    "issue",
		RecordType:  recordType,
		RecordID:    recordID,
		TokenPrefix: token.Prefix(tok),
		Detail:      "expires " + claims.ExpiresAt.Format(time.RFC3339),
	})
	obs.ObserveIssued(recordType)
	return tok, claims.ExpiresAt, nil
}

// Validate runs the full pipeline for one inbound request:
//
//	RATE_CHECK → TOKEN_VERIFY → RECORD_LOOKUP → EXPIRY_CHECK →
//	CONSUME_CHECK → REFERRER_CHECK → ACCEPT | REJECT
//
// Exactly one audit entry is written per rejection. Acceptance writes one
// "validated" entry, plus one "consumed" entry only when the consumed flag
// actually flips. The atomic flip itself is deferred to the transition into
// ACCEPT so a referrer rejection can never burn a record's single use.
func (s *Service) Validate(ctx context.Context, req Request) (record.Signable, error) {
	base := audit.Entry{
		ClientAddr:  req.ClientAddr,
		Endpoint:    req.Endpoint,
		UserAgent:   req.UserAgent,
		TokenPrefix: token.Prefix(req.Token),
	}

	// RATE_CHECK
	decision, limitErr := s.limiter.Allow(ctx, ratelimit.Key(req.ClientAddr, req.Endpoint), s.rateLimit, s.rateWin)
	obs.SetLimiterDegraded(decision.Degraded)
	if decision.Degraded {
		entry := base
		entry.Kind = audit.KindLimiterDegraded
		entry.Detail = "counter store unreachable, failing open"
		if limitErr != nil {
			entry.Detail = limitErr.Error()
		}
		s.audit(ctx, entry)
	}
	if !decision.Allowed {
		obs.ObserveRateLimited()
		return record.Signable{}, s.reject(ctx, base, audit.KindRateLimited, ReasonRateLimited,
			fmt.Sprintf("limit %d per %s exceeded", s.rateLimit, s.rateWin))
	}

	// TOKEN_VERIFY: tamper and malformed reject before any record I/O, so
	// the response cannot reveal whether a record exists.
	claims, err := s.codec.Verify(req.Token)
	if err != nil {
		if errors.Is(err, token.ErrTampered) {
			return record.Signable{}, s.reject(ctx, base, audit.KindTampered, ReasonTampered, "authentication tag mismatch")
		}
		return record.Signable{}, s.reject(ctx, base, audit.KindMalformed, ReasonMalformed, "token structure invalid")
	}
	base.RecordType = claims.RecordType
	base.RecordID = claims.RecordID

	// RECORD_LOOKUP
	rec, err := s.records.Get(ctx, claims.RecordType, claims.RecordID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return record.Signable{}, s.reject(ctx, base, audit.KindNotFound, ReasonNotFound, "no signable record for token")
		}
		return record.Signable{}, s.storeFailure(ctx, base, err)
	}

	// EXPIRY_CHECK: the decoded expiry and the stored expiry must agree,
	// and both must be in the future. A re-issue overwrites the stored
	// expiry, so any token minted before it disagrees and dies here even
	// when its own window is still open.
	now := s.now().UTC()
	if !claims.ExpiresAt.Equal(rec.TokenExpiresAt) {
		return record.Signable{}, s.reject(ctx, base, audit.KindExpired, ReasonExpired, "token superseded by re-issue")
	}
	if !now.Before(claims.ExpiresAt) || !now.Before(rec.TokenExpiresAt) {
		return record.Signable{}, s.reject(ctx, base, audit.KindExpired, ReasonExpired, "token or record expiry passed")
	}

	// CONSUME_CHECK (read half)
	if rec.Consumed {
		err := s.reject(ctx, base, audit.KindReused, ReasonAlreadyUsed,
			"consumed at "+rec.ConsumedAt.Format(time.RFC3339))
		var rej *RejectionError
		if errors.As(err, &rej) {
			rej.SignedAt = rec.ConsumedAt
		}
		return record.Signable{}, err
	}

	// REFERRER_CHECK, submission endpoints only. Defense in depth: the
	// header is client-supplied, so passing is not proof of origin.
	if req.Consume && s.origin != "" {
		if !referrerMatches(req.Referrer, s.origin) {
			return record.Signable{}, s.reject(ctx, base, audit.KindReferrerRejected, ReasonBadReferrer,
				"referrer "+req.Referrer)
		}
	}

	// ACCEPT: for submissions, the compare-and-swap is the transition.
	// Exactly one concurrent submission wins it; losers observe reuse. The
	// validated entry is written only once the outcome is known, so every
	// rejection carries exactly one audit entry.
	if req.Consume {
		won, err := s.records.TrySetConsumed(ctx, claims.RecordType, claims.RecordID)
		if err != nil {
			return record.Signable{}, s.storeFailure(ctx, base, err)
		}
		if !won {
			return record.Signable{}, s.reject(ctx, base, audit.KindReused, ReasonAlreadyUsed, "lost consume race")
		}
	}

	validated := base
	validated.Kind = audit.KindValidated
	s.audit(ctx, validated)

	if req.Consume {
		consumed := base
		consumed.Kind = audit.KindConsumed
		s.audit(ctx, consumed)
		obs.ObserveConsumed()

		rec.Consumed = true
		rec.ConsumedAt = now
	}

	obs.ObserveValidation("accepted", req.Endpoint)
	return rec, nil
}

// reject writes the single audit entry for a rejection and builds the
// typed error.
func (s *Service) reject(ctx context.Context, base audit.Entry, kind audit.Kind, reason Reason, detail string) error {
	entry := base
	entry.Kind = kind
	entry.Detail = detail
	s.audit(ctx, entry)
	obs.ObserveValidation(string(reason), base.Endpoint)
	return reject(reason, detail)
}

// storeFailure maps record-store errors (including per-request deadline
// expiry) to the store_unavailable rejection.
func (s *Service) storeFailure(ctx context.Context, base audit.Entry, err error) error {
	detail := err.Error()
	if ctxErr := ctx.Err(); ctxErr != nil {
		detail = "request deadline exceeded: " + detail
	}
	return s.reject(ctx, base, audit.KindStoreError, ReasonStoreUnavailable, detail)
}

// audit records an entry without ever letting a sink failure escape into
// the request path.
func (s *Service) audit(ctx context.Context, e audit.Entry) {
	if s.auditor == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	if err := s.auditor.Record(ctx, e); err != nil {
		obs.Warn("audit write failed", map[string]any{"kind": string(e.Kind), "error": err.Error()})
	}
}

// referrerMatches compares the referrer's origin (scheme://host[:port])
// against the service origin.
func referrerMatches(referrer, origin string) bool {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return false
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	return u.Scheme+"://"+u.Host == origin
}
