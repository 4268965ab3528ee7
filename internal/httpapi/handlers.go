package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/consent"
	"signet.org/internal/signing"
)

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "signet-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "signet-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- public signing surface ---

// handleSign dispatches /sign/{recordType}/{token} (display) and
// /sign/{recordType}/submit (submission).
func (a *API) handleSign(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sign/")
	recordType, tail, ok := strings.Cut(rest, "/")
	if !ok || recordType == "" || tail == "" || strings.Contains(tail, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	if tail == "submit" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		a.submitSignature(w, r, recordType)
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	a.displaySignPage(w, r, recordType, tail)
}

func (a *API) displaySignPage(w http.ResponseWriter, r *http.Request, recordType, tok string) {
	rec, err := a.signer.Validate(r.Context(), signing.Request{
		Token:      tok,
		ClientAddr: clientIP(r),
		UserAgent:  r.UserAgent(),
		Endpoint:   "display",
	})
	if err != nil {
		a.writeRejection(w, err)
		return
	}
	if rec.Type != recordType {
		// The path segment disagrees with the authenticated claims.
		writeError(w, http.StatusNotFound, "invalid or expired link")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"record_type":    rec.Type,
		"record_id":      rec.ID,
		"expires_at":     rec.TokenExpiresAt.UTC().Format(time.RFC3339),
		"policy_version": a.policyVer,
	})
}

func (a *API) submitSignature(w http.ResponseWriter, r *http.Request, recordType string) {
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	tok := strings.TrimSpace(r.PostFormValue("token"))
	signerName := strings.TrimSpace(r.PostFormValue("signer_name"))
	signatureData := r.PostFormValue("signature_data")
	if tok == "" || signerName == "" || signatureData == "" {
		writeError(w, http.StatusBadRequest, "token, signer_name and signature_data are required")
		return
	}
	if len(signatureData) > 200<<10 {
		writeError(w, http.StatusRequestEntityTooLarge, "signature image too large")
		return
	}

	var granted []consent.Type
	seen := map[consent.Type]bool{}
	for _, raw := range r.PostForm["consents"] {
		ct := consent.Type(strings.TrimSpace(raw))
		if !consent.Known(ct) {
			writeError(w, http.StatusBadRequest, "unknown consent type: "+raw)
			return
		}
		if !seen[ct] {
			seen[ct] = true
			granted = append(granted, ct)
		}
	}
	if !seen[consent.TypeDigitalSignature] {
		writeError(w, http.StatusBadRequest, "digital signature consent is required")
		return
	}

	rec, err := a.signer.Validate(r.Context(), signing.Request{
		Token:      tok,
		ClientAddr: clientIP(r),
		UserAgent:  r.UserAgent(),
		Endpoint:   "signature",
		Referrer:   r.Referer(),
		Consume:    true,
	})
	if err != nil {
		a.writeRejection(w, err)
		return
	}
	if rec.Type != recordType {
		writeError(w, http.StatusNotFound, "invalid or expired link")
		return
	}

	entries := make([]consent.Entry, 0, len(granted))
	for _, ct := range granted {
		entries = append(entries, consent.Entry{
			ConsentType:   ct,
			UserType:      strings.TrimSpace(r.PostFormValue("user_type")),
			SubjectName:   signerName,
			SubjectEmail:  strings.TrimSpace(r.PostFormValue("email")),
			RecordType:    rec.Type,
			RecordID:      rec.ID,
			ClientAddr:    clientIP(r),
			UserAgent:     r.UserAgent(),
			PolicyVersion: a.policyVer,
			Method:        "web_form",
		})
	}
	consent.AppendAll(r.Context(), a.consents, entries)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "signed",
		"record_type": rec.Type,
		"record_id":   rec.ID,
		"signed_at":   rec.ConsumedAt.UTC().Format(time.RFC3339),
	})
}

// writeRejection maps pipeline rejections to public responses. Unknown
// records and forged tokens share one response so the API never reveals
// which records exist.
func (a *API) writeRejection(w http.ResponseWriter, err error) {
	reason, ok := signing.ReasonOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch reason {
	case signing.ReasonTampered, signing.ReasonMalformed, signing.ReasonNotFound:
		writeError(w, http.StatusNotFound, "invalid or expired link")
	case signing.ReasonExpired:
		writeError(w, http.StatusGone, "this link has expired")
	case signing.ReasonAlreadyUsed:
		msg := "this document has already been signed"
		var rej *signing.RejectionError
		if errors.As(err, &rej) && !rej.SignedAt.IsZero() {
			msg += " on " + rej.SignedAt.UTC().Format("2006-01-02")
		}
		writeError(w, http.StatusConflict, msg)
	case signing.ReasonRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(a.retryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case signing.ReasonBadReferrer:
		writeError(w, http.StatusForbidden, "submission origin not accepted")
	case signing.ReasonStoreUnavailable:
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable, try again later")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- staff surface ---

type issueTokenRequest struct {
	ValidForHours int `json:"valid_for_hours"`
}

// handleIssueToken serves POST /v1/records/{recordType}/{recordID}/token.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] != "token" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	recordType, recordID := parts[0], parts[1]

	req := issueTokenRequest{ValidForHours: 24}
	if r.Body != nil {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if req.ValidForHours <= 0 || req.ValidForHours > 24*30 {
		writeError(w, http.StatusBadRequest, "valid_for_hours must be between 1 and 720")
		return
	}

	ttl := time.Duration(req.ValidForHours) * time.Hour
	tok, expiresAt, err := a.signer.Issue(r.Context(), recordType, recordID, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	resp := map[string]any{
		"token":      tok,
		"expires_at": expiresAt.Format(time.RFC3339),
	}
	if a.origin != "" {
		resp["sign_url"] = a.origin + "/sign/" + recordType + "/" + tok
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleAuditQuery serves GET /v1/audit with optional filters.
func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if a.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit reporting is not configured")
		return
	}

	q := r.URL.Query()
	var f audit.Filter
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}
	for _, k := range q["kind"] {
		f.Kinds = append(f.Kinds, audit.Kind(k))
	}
	f.RecordType = q.Get("record_type")
	f.RecordID = q.Get("record_id")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	entries, err := a.auditor.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":           e.ID,
			"occurred_at":  e.OccurredAt.UTC().Format(time.RFC3339),
			"kind":         string(e.Kind),
			"client_addr":  e.ClientAddr,
			"endpoint":     e.Endpoint,
			"record_type":  e.RecordType,
			"record_id":    e.RecordID,
			"token_prefix": e.TokenPrefix,
			"user_agent":   e.UserAgent,
			"detail":       e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleAuditStats serves GET /v1/audit/stats?since=RFC3339 (default 24h).
func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if a.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit reporting is not configured")
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	stats, err := a.auditor.Stats(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit stats failed")
		return
	}

	offenders := make([]map[string]any, 0, len(stats.TopOffenders))
	for _, o := range stats.TopOffenders {
		offenders = append(offenders, map[string]any{
			"client_addr": o.ClientAddr,
			"failures":    o.Failures,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":         since.Format(time.RFC3339),
		"total":         stats.Total,
		"failures":      stats.Failures,
		"rate_limited":  stats.RateLimited,
		"top_offenders": offenders,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
