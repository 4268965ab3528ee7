package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PGStore implements Store on PostgreSQL. The consumed flag is flipped by a
// single conditional UPDATE, so the compare-and-swap holds across any
// number of worker processes sharing the database.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, recordType, id string) (Signable, error) {
	var (
		rec        Signable
		issuedAt   sql.NullTime
		expiresAt  sql.NullTime
		consumedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`select record_type, record_id, token_issued_at, token_expires_at, consumed, consumed_at
		 from signable_records where record_type=$1 and record_id=$2`,
		recordType, id,
	).Scan(&rec.Type, &rec.ID, &issuedAt, &expiresAt, &rec.Consumed, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Signable{}, ErrNotFound
	}
	if err != nil {
		return Signable{}, storeErr(err)
	}
	if issuedAt.Valid {
		rec.TokenIssuedAt = issuedAt.Time
	}
	if expiresAt.Valid {
		rec.TokenExpiresAt = expiresAt.Time
	}
	if consumedAt.Valid {
		rec.ConsumedAt = consumedAt.Time
	}
	return rec, nil
}

func (s *PGStore) SetIssued(ctx context.Context, recordType, id string, issuedAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into signable_records(record_type, record_id, token_issued_at, token_expires_at, consumed)
		 values($1,$2,$3,$4,false)
		 on conflict (record_type, record_id) do update
		 set token_issued_at = excluded.token_issued_at,
		     token_expires_at = excluded.token_expires_at,
		     consumed = false,
		     consumed_at = null`,
		recordType, id, issuedAt, expiresAt,
	)
	return storeErr(err)
}

// TrySetConsumed wins only when the row exists and is not yet consumed.
// Losers are distinguished from missing rows with a follow-up read.
func (s *PGStore) TrySetConsumed(ctx context.Context, recordType, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update signable_records set consumed = true, consumed_at = now()
		 where record_type=$1 and record_id=$2 and consumed = false`,
		recordType, id,
	)
	if err != nil {
		return false, storeErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	if affected == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, recordType, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGStore) SetExpiry(ctx context.Context, recordType, id string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update signable_records set token_expires_at=$3
		 where record_type=$1 and record_id=$2`,
		recordType, id, expiresAt,
	)
	if err != nil {
		return storeErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
