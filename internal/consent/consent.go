// Package consent persists the consent declarations collected on the
// signature form. The log is append-only and evidentiary: rows are written
// once a submission is accepted and never updated.
package consent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"signet.org/internal/ids"
	"signet.org/internal/obs"
)

// Type identifies what the subject consented to.
type Type string

const (
	TypeDataCollection     Type = "data_collection"
	TypeDigitalSignature   Type = "digital_signature"
	TypeEmailCommunication Type = "email_communication"
	TypeDamageLiability    Type = "damage_liability"
)

// Known reports whether t is one of the accepted consent types.
func Known(t Type) bool {
	switch t {
	case TypeDataCollection, TypeDigitalSignature, TypeEmailCommunication, TypeDamageLiability:
		return true
	}
	return false
}

// Entry is one consent declaration tied to a signable record.
type Entry struct {
	ID            string
	ConsentType   Type
	UserType      string
	SubjectName   string
	SubjectEmail  string
	RecordType    string
	RecordID      string
	ClientAddr    string
	UserAgent     string
	PolicyVersion string
	Method        string
	GivenAt       time.Time
}

// Store appends consent entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
}

// PGStore writes consent rows to PostgreSQL.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Append inserts one row. The consent type must be known; everything else
// is stored as given.
func (s *PGStore) Append(ctx context.Context, e Entry) error {
	if !Known(e.ConsentType) {
		return fmt.Errorf("consent: unknown type %q", e.ConsentType)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.GivenAt.IsZero() {
		e.GivenAt = time.Now().UTC()
	}
	if e.Method == "" {
		e.Method = "web_form"
	}
	_, err := s.db.ExecContext(ctx,
		`insert into consent_log(id, consent_type, user_type, subject_name, subject_email, record_type, record_id, client_addr, user_agent, policy_version, method, given_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, string(e.ConsentType), e.UserType, e.SubjectName, e.SubjectEmail,
		e.RecordType, e.RecordID, e.ClientAddr, e.UserAgent, e.PolicyVersion, e.Method, e.GivenAt,
	)
	if err != nil {
		return fmt.Errorf("consent: append: %w", err)
	}
	return nil
}

// AppendAll records every entry, logging failures instead of returning
// them. Consent bookkeeping must never undo an accepted signature.
func AppendAll(ctx context.Context, store Store, entries []Entry) {
	if store == nil {
		return
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			obs.Warn("consent append failed", map[string]any{
				"consent_type": string(e.ConsentType),
				"record_type":  e.RecordType,
				"record_id":    e.RecordID,
				"error":        err.Error(),
			})
		}
	}
}
