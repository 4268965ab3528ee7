package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"signet.org/internal/ids"
)

// PGRecorder appends audit rows to PostgreSQL and serves the read side.
type PGRecorder struct {
	db *sql.DB
}

var (
	_ Recorder = (*PGRecorder)(nil)
	_ Reader   = (*PGRecorder)(nil)
)

// NewPGRecorder wraps an open database handle.
func NewPGRecorder(db *sql.DB) *PGRecorder {
	return &PGRecorder{db: db}
}

// Record inserts one immutable row.
func (r *PGRecorder) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`insert into security_audit_log(id, occurred_at, kind, client_addr, endpoint, record_type, record_id, token_prefix, user_agent, detail)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.OccurredAt, string(e.Kind), e.ClientAddr, e.Endpoint,
		nullable(e.RecordType), nullable(e.RecordID), e.TokenPrefix, e.UserAgent, e.Detail,
	)
	return err
}

// Query returns entries matching the filter, newest first.
func (r *PGRecorder) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < "+arg(f.To))
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			placeholders = append(placeholders, arg(string(k)))
		}
		where = append(where, "kind in ("+strings.Join(placeholders, ",")+")")
	}
	if f.RecordType != "" {
		where = append(where, "record_type = "+arg(f.RecordType))
	}
	if f.RecordID != "" {
		where = append(where, "record_id = "+arg(f.RecordID))
	}

	query := `select id, occurred_at, kind, client_addr, endpoint, coalesce(record_type,''), coalesce(record_id,''), token_prefix, user_agent, detail
		 from security_audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " order by occurred_at desc limit " + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &kind, &e.ClientAddr, &e.Endpoint,
			&e.RecordType, &e.RecordID, &e.TokenPrefix, &e.UserAgent, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		res = append(res, e)
	}
	return res, rows.Err()
}

// Stats aggregates activity since the given time: totals, failures,
// rate-limit denials, and the client addresses with the most failures.
func (r *PGRecorder) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var s Stats

	failures := make([]string, 0, len(failureKinds))
	for _, k := range failureKinds {
		failures = append(failures, "'"+string(k)+"'")
	}
	failureList := strings.Join(failures, ",")

	err := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`select count(*),
		        count(*) filter (where kind in (%s)),
		        count(*) filter (where kind = 'rate_limited')
		 from security_audit_log where occurred_at >= $1`, failureList), since).
		Scan(&s.Total, &s.Failures, &s.RateLimited)
	if err != nil {
		return Stats{}, err
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`select client_addr, count(*) as failures
		 from security_audit_log
		 where occurred_at >= $1 and kind in (%s) and client_addr <> ''
		 group by client_addr order by failures desc limit 10`, failureList), since)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var oc OffenderCount
		if err := rows.Scan(&oc.ClientAddr, &oc.Failures); err != nil {
			return Stats{}, err
		}
		s.TopOffenders = append(s.TopOffenders, oc)
	}
	return s, rows.Err()
}

// Purge deletes entries older than the cutoff. Retention policy itself is
// owned by external tooling; this is the operation it calls.
func (r *PGRecorder) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`delete from security_audit_log where occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
