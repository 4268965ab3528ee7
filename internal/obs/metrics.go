package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every endpoint.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Signature-domain metrics.
var (
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signet_validations_total",
			Help: "Token validation decisions by outcome.",
		},
		[]string{"outcome", "endpoint"},
	)

	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signet_tokens_issued_total",
			Help: "Signing tokens issued by record type.",
		},
		[]string{"record_type"},
	)

	recordsConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signet_records_consumed_total",
		Help: "Signable records consumed by a first successful submission.",
	})

	rateLimitDenialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signet_rate_limit_denials_total",
		Help: "Requests denied by the rate limiter.",
	})

	rateLimiterDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signet_rate_limiter_degraded",
		Help: "1 while the shared counter store is unreachable and the limiter fails open.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		validationsTotal, tokensIssuedTotal, recordsConsumedTotal,
		rateLimitDenialsTotal, rateLimiterDegraded,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveValidation records one pipeline decision.
func ObserveValidation(outcome, endpoint string) {
	validationsTotal.WithLabelValues(outcome, endpoint).Inc()
}

// ObserveIssued records one issued token.
func ObserveIssued(recordType string) {
	tokensIssuedTotal.WithLabelValues(recordType).Inc()
}

// ObserveConsumed records a consumed-flag flip.
func ObserveConsumed() { recordsConsumedTotal.Inc() }

// ObserveRateLimited records a rate-limit denial.
func ObserveRateLimited() { rateLimitDenialsTotal.Inc() }

// SetLimiterDegraded flips the degradation gauge.
func SetLimiterDegraded(degraded bool) {
	if degraded {
		rateLimiterDegraded.Set(1)
		return
	}
	rateLimiterDegraded.Set(0)
}

// Instrument wraps a handler with in-flight/total/latency measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses variable path segments so label cardinality stays
// bounded. Raw signing tokens must never appear as a metric label value.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	switch {
	case len(parts) == 4 && parts[1] == "sign" && parts[3] != "submit":
		// /sign/{recordType}/{token}
		return "/sign/:type/:token"
	case len(parts) == 4 && parts[1] == "sign" && parts[3] == "submit":
		return "/sign/:type/submit"
	case len(parts) == 6 && parts[1] == "v1" && parts[2] == "records" && parts[5] == "token":
		// /v1/records/{recordType}/{recordID}/token
		return "/v1/records/:type/:id/token"
	}
	return p
}

// statusWriter captures the response code for metrics and logging.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
