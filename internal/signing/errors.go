package signing

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies a pipeline rejection. Every value is recoverable by
// the caller; the pipeline never panics and never aborts the process.
type Reason string

const (
	ReasonMalformed        Reason = "malformed"
	ReasonTampered         Reason = "tampered"
	ReasonExpired          Reason = "expired"
	ReasonAlreadyUsed      Reason = "already_used"
	ReasonNotFound         Reason = "not_found"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonBadReferrer      Reason = "bad_referrer"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// RejectionError is the typed result of a failed validation. Detail is for
// operators and logs, never for the end user: HTTP handlers map reasons to
// public messages that do not reveal whether a record exists.
type RejectionError struct {
	Reason Reason
	Detail string

	// SignedAt is set on already_used rejections when the original
	// consumption time is known, so responses can name the date.
	SignedAt time.Time
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return "signing: rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("signing: rejected (%s): %s", e.Reason, e.Detail)
}

func reject(reason Reason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

// ReasonOf extracts the rejection reason, if err is a pipeline rejection.
func ReasonOf(err error) (Reason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// IsReason reports whether err is a rejection with the given reason.
func IsReason(err error, reason Reason) bool {
	r, ok := ReasonOf(err)
	return ok && r == reason
}
