// Package httpapi is the HTTP layer: the public signing pages, the staff
// issuance and audit endpoints, and the operational probes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/auth"
	"signet.org/internal/consent"
	"signet.org/internal/obs"
	"signet.org/internal/record"
	"signet.org/internal/signing"
)

const maxBodyBytes = 256 << 10 // form bodies incl. the drawn signature image

// Signer is the slice of the signing service the HTTP layer needs.
type Signer interface {
	Issue(ctx context.Context, recordType, recordID string, ttl time.Duration) (string, time.Time, error)
	Validate(ctx context.Context, req signing.Request) (record.Signable, error)
}

// ReadyProbe checks the backing stores for /readyz.
type ReadyProbe struct {
	DB    *sql.DB
	Redis func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		return rp.Redis(ctx)
	}
	return nil
}

// API holds the routing table and the services behind it.
type API struct {
	mux        *http.ServeMux
	signer     Signer
	auditor    audit.Reader
	consents   consent.Store
	readyProbe ReadyProbe
	version    string
	origin     string
	retryAfter time.Duration
	policyVer  string
}

// Option configures the API.
type Option func(*API)

// WithOrigin sets the public origin used to build signature links.
func WithOrigin(origin string) Option {
	return func(a *API) { a.origin = strings.TrimRight(origin, "/") }
}

// WithRetryAfter sets the Retry-After hint on 429 responses. It should
// match the rate limiter window.
func WithRetryAfter(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.retryAfter = d
		}
	}
}

// WithPolicyVersion stamps consent rows with the active policy revision.
func WithPolicyVersion(v string) Option {
	return func(a *API) { a.policyVer = v }
}

// New builds the routing table.
func New(signer Signer, auditor audit.Reader, consents consent.Store, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		signer:     signer,
		auditor:    auditor,
		consents:   consents,
		readyProbe: rp,
		version:    version,
		retryAfter: time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// public signing surface
	a.mux.HandleFunc("/sign/", a.handleSign)

	// staff surface
	a.mux.Handle("/v1/records/", a.withScope(auth.ScopeSignIssue, http.HandlerFunc(a.handleIssueToken)))
	a.mux.Handle("/v1/audit", a.withScope(auth.ScopeAuditRead, http.HandlerFunc(a.handleAuditQuery)))
	a.mux.Handle("/v1/audit/stats", a.withScope(auth.ScopeAuditRead, http.HandlerFunc(a.handleAuditStats)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
