package audit

import (
	"context"
	"time"

	"signet.org/internal/obs"
)

// FallbackRecorder wraps a durable Recorder and degrades to the shared JSON
// logger when it fails. Observability must not become an availability
// hazard: Record never returns an error and never blocks the caller's
// decision on the audit sink.
type FallbackRecorder struct {
	primary Recorder
}

var _ Recorder = (*FallbackRecorder)(nil)

// NewFallback wraps primary. A nil primary logs every entry locally, which
// is the configuration used when no database is attached.
func NewFallback(primary Recorder) *FallbackRecorder {
	return &FallbackRecorder{primary: primary}
}

func (f *FallbackRecorder) Record(ctx context.Context, e Entry) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if f.primary != nil {
		err := f.primary.Record(ctx, e)
		if err == nil {
			return nil
		}
		obs.Warn("audit sink unavailable, logging entry locally", map[string]any{
			"error": err.Error(),
		})
	}
	obs.LogRequest(map[string]any{
		"ts":           e.OccurredAt,
		"type":         "audit",
		"kind":         string(e.Kind),
		"client_addr":  e.ClientAddr,
		"endpoint":     e.Endpoint,
		"record_type":  e.RecordType,
		"record_id":    e.RecordID,
		"token_prefix": e.TokenPrefix,
		"detail":       e.Detail,
	})
	return nil
}
