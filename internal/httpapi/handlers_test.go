package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/auth"
	"signet.org/internal/consent"
	"signet.org/internal/ratelimit"
	"signet.org/internal/record"
	"signet.org/internal/signing"
	"signet.org/internal/token"
)

const testOrigin = "https://sign.example.edu"

type captureConsents struct {
	mu      sync.Mutex
	entries []consent.Entry
}

func (c *captureConsents) Append(_ context.Context, e consent.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

type stubAuditReader struct {
	entries []audit.Entry
	stats   audit.Stats
}

func (s stubAuditReader) Query(context.Context, audit.Filter) ([]audit.Entry, error) {
	return s.entries, nil
}

func (s stubAuditReader) Stats(context.Context, time.Time) (audit.Stats, error) {
	return s.stats, nil
}

type testEnv struct {
	baseURL  string
	client   *http.Client
	consents *captureConsents
	t        *testing.T
}

func newTestAPI(t *testing.T, reader audit.Reader) *testEnv {
	t.Helper()

	t.Setenv("SIGNET_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	keys, err := token.NewKeyring(bytes.Repeat([]byte{0x2A}, 32))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	signer := signing.NewService(token.NewCodec(keys), ratelimit.NewMemory(),
		record.NewMemory(), nil,
		signing.WithOrigin(testOrigin),
		signing.WithRatePolicy(1000, time.Hour))

	consents := &captureConsents{}
	api := New(signer, reader, consents, ReadyProbe{}, "test",
		WithOrigin(testOrigin), WithPolicyVersion("2026-01"))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{baseURL: srv.URL, client: srv.Client(), consents: consents, t: t}
}

func (e *testEnv) staffToken(scopes ...string) string {
	e.t.Helper()
	tok, err := auth.GenerateToken("staff-1", scopes, time.Minute)
	if err != nil {
		e.t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(req *http.Request) *http.Response {
	e.t.Helper()
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) issueToken(recordType, recordID string) string {
	e.t.Helper()
	req, _ := http.NewRequest(http.MethodPost,
		e.baseURL+"/v1/records/"+recordType+"/"+recordID+"/token", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+e.staffToken(auth.ScopeSignIssue))
	req.Header.Set("Content-Type", "application/json")
	resp := e.do(req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("issue: expected 201, got %d", resp.StatusCode)
	}
	var body struct {
		Token   string `json:"token"`
		SignURL string `json:"sign_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		e.t.Fatalf("decode issue response: %v", err)
	}
	if body.Token == "" {
		e.t.Fatal("issue response missing token")
	}
	if !strings.HasPrefix(body.SignURL, testOrigin+"/sign/"+recordType+"/") {
		e.t.Fatalf("unexpected sign_url: %s", body.SignURL)
	}
	return body.Token
}

func (e *testEnv) submitForm(recordType string, form url.Values, referrer string) *http.Response {
	e.t.Helper()
	req, _ := http.NewRequest(http.MethodPost,
		e.baseURL+"/sign/"+recordType+"/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if referrer != "" {
		req.Header.Set("Referer", referrer)
	}
	return e.do(req)
}

func signedForm(tok string) url.Values {
	return url.Values{
		"token":          {tok},
		"signer_name":    {"Dana Adilbek"},
		"email":          {"dana@example.edu"},
		"user_type":      {"student"},
		"signature_data": {"data:image/png;base64,iVBORw0KGgo="},
		"consents": {
			string(consent.TypeDigitalSignature),
			string(consent.TypeDataCollection),
		},
	}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestAPI(t, nil)

	resp := env.do(mustGet(t, env.baseURL+"/healthz"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp = env.do(mustGet(t, env.baseURL+"/v1/info"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info: expected 200, got %d", resp.StatusCode)
	}
}

func TestIssueRequiresAuth(t *testing.T) {
	env := newTestAPI(t, nil)

	req, _ := http.NewRequest(http.MethodPost, env.baseURL+"/v1/records/student_checkout/A123/token", nil)
	resp := env.do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, env.baseURL+"/v1/records/student_checkout/A123/token", nil)
	req.Header.Set("Authorization", "Bearer "+env.staffToken(auth.ScopeAuditRead))
	resp = env.do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong scope: expected 403, got %d", resp.StatusCode)
	}

	env.issueToken("student_checkout", "A123")
}

func TestIssueResponseExpiryMatchesToken(t *testing.T) {
	env := newTestAPI(t, nil)

	req, _ := http.NewRequest(http.MethodPost,
		env.baseURL+"/v1/records/student_checkout/A123/token",
		strings.NewReader(`{"valid_for_hours": 48}`))
	req.Header.Set("Authorization", "Bearer "+env.staffToken(auth.ScopeSignIssue))
	req.Header.Set("Content-Type", "application/json")
	resp := env.do(req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}

	expiresAt, err := time.Parse(time.RFC3339, body.ExpiresAt)
	if err != nil {
		t.Fatalf("parse expires_at %q: %v", body.ExpiresAt, err)
	}
	keys, err := token.NewKeyring(bytes.Repeat([]byte{0x2A}, 32))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	claims, err := token.NewCodec(keys).Verify(body.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !expiresAt.Equal(claims.ExpiresAt) {
		t.Fatalf("expires_at %v != token expiry %v", expiresAt, claims.ExpiresAt)
	}
}

func TestSignFlowEndToEnd(t *testing.T) {
	env := newTestAPI(t, nil)
	tok := env.issueToken("student_checkout", "A123")

	// Display the signing page.
	resp := env.do(mustGet(t, env.baseURL+"/sign/student_checkout/"+tok))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("display: expected 200, got %d", resp.StatusCode)
	}
	var page struct {
		RecordType    string `json:"record_type"`
		RecordID      string `json:"record_id"`
		PolicyVersion string `json:"policy_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	resp.Body.Close()
	if page.RecordType != "student_checkout" || page.RecordID != "A123" {
		t.Fatalf("unexpected page payload: %+v", page)
	}
	if page.PolicyVersion != "2026-01" {
		t.Fatalf("unexpected policy version: %s", page.PolicyVersion)
	}

	// Displaying again must not consume anything.
	resp = env.do(mustGet(t, env.baseURL+"/sign/student_checkout/"+tok))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second display: expected 200, got %d", resp.StatusCode)
	}

	// Submit the signature.
	resp = env.submitForm("student_checkout", signedForm(tok), testOrigin+"/sign/student_checkout/"+tok)
	var signed struct {
		Status   string `json:"status"`
		RecordID string `json:"record_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || signed.Status != "signed" {
		t.Fatalf("submit: expected 200 signed, got %d %+v", resp.StatusCode, signed)
	}

	env.consents.mu.Lock()
	consents := len(env.consents.entries)
	env.consents.mu.Unlock()
	if consents != 2 {
		t.Fatalf("expected 2 consent rows, got %d", consents)
	}

	// Replay is refused.
	resp = env.submitForm("student_checkout", signedForm(tok), testOrigin+"/sign/student_checkout/"+tok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", resp.StatusCode)
	}
}

func TestDisplayRejections(t *testing.T) {
	env := newTestAPI(t, nil)

	// Garbage token and forged token share the unknown-link response.
	resp := env.do(mustGet(t, env.baseURL+"/sign/student_checkout/garbage"))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "invalid or expired link") {
		t.Fatalf("garbage: got %d %s", resp.StatusCode, body)
	}

	tok := env.issueToken("student_checkout", "A123")
	forged := tok[:len(tok)-4] + "AAAA"
	resp = env.do(mustGet(t, env.baseURL+"/sign/student_checkout/"+forged))
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "invalid or expired link") {
		t.Fatalf("forged: got %d %s", resp.StatusCode, body)
	}

	// Record type in the path must agree with the token claims.
	resp = env.do(mustGet(t, env.baseURL+"/sign/damage/"+tok))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("type mismatch: expected 404, got %d", resp.StatusCode)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	env := newTestAPI(t, nil)
	tok := env.issueToken("student_checkout", "A123")
	goodReferrer := testOrigin + "/sign/student_checkout/" + tok

	// Missing required consent.
	form := signedForm(tok)
	form["consents"] = []string{string(consent.TypeDataCollection)}
	resp := env.submitForm("student_checkout", form, goodReferrer)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing consent: expected 400, got %d", resp.StatusCode)
	}

	// Unknown consent type.
	form = signedForm(tok)
	form.Add("consents", "telepathy")
	resp = env.submitForm("student_checkout", form, goodReferrer)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown consent: expected 400, got %d", resp.StatusCode)
	}

	// Foreign referrer.
	resp = env.submitForm("student_checkout", signedForm(tok), "https://evil.example.com/replay")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad referrer: expected 403, got %d", resp.StatusCode)
	}

	// None of the failures consumed the record.
	resp = env.submitForm("student_checkout", signedForm(tok), goodReferrer)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid submit after failures: expected 200, got %d", resp.StatusCode)
	}
}

func TestAuditEndpoints(t *testing.T) {
	occurred := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	reader := stubAuditReader{
		entries: []audit.Entry{{
			ID:         "01X",
			OccurredAt: occurred,
			Kind:       audit.KindReused,
			ClientAddr: "203.0.113.7",
			Endpoint:   "signature",
			RecordType: "student_checkout",
			RecordID:   "A123",
		}},
		stats: audit.Stats{
			Total:    12,
			Failures: 3,
			TopOffenders: []audit.OffenderCount{
				{ClientAddr: "203.0.113.7", Failures: 3},
			},
		},
	}
	env := newTestAPI(t, reader)

	req := mustGet(t, env.baseURL+"/v1/audit?kind=reused&limit=10")
	req.Header.Set("Authorization", "Bearer "+env.staffToken(auth.ScopeAuditRead))
	resp := env.do(req)
	var queryBody struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queryBody); err != nil {
		t.Fatalf("decode audit query: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(queryBody.Items) != 1 {
		t.Fatalf("audit query: got %d with %d items", resp.StatusCode, len(queryBody.Items))
	}
	if queryBody.Items[0]["kind"] != "reused" {
		t.Fatalf("unexpected item: %v", queryBody.Items[0])
	}

	req = mustGet(t, env.baseURL+"/v1/audit/stats")
	req.Header.Set("Authorization", "Bearer "+env.staffToken(auth.ScopeAuditRead))
	resp = env.do(req)
	var statsBody struct {
		Total        int              `json:"total"`
		Failures     int              `json:"failures"`
		TopOffenders []map[string]any `json:"top_offenders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statsBody); err != nil {
		t.Fatalf("decode audit stats: %v", err)
	}
	resp.Body.Close()
	if statsBody.Total != 12 || statsBody.Failures != 3 || len(statsBody.TopOffenders) != 1 {
		t.Fatalf("unexpected stats: %+v", statsBody)
	}

	// Reporting requires its own scope.
	req = mustGet(t, env.baseURL+"/v1/audit")
	req.Header.Set("Authorization", "Bearer "+env.staffToken(auth.ScopeSignIssue))
	resp = env.do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("audit without scope: expected 403, got %d", resp.StatusCode)
	}
}

func mustGet(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
