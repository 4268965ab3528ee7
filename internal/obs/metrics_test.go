package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"": "/",
		"/metrics":                          "/metrics",
		"/sign/student_checkout/abc123":     "/sign/:type/:token",
		"/sign/student_checkout/submit":     "/sign/:type/submit",
		"/sign/damage/xyz?foo=1":            "/sign/:type/:token",
		"/v1/records/damage_case/42/token":  "/v1/records/:type/:id/token",
		"/v1/audit":                         "/v1/audit",
		"/v1/audit?kind=tampered&limit=10":  "/v1/audit",
		"/healthz":                          "/healthz",
		"/sign/student_checkout/abc/submit": "/sign/student_checkout/abc/submit",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
