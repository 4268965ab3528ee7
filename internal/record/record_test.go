package record

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	issued := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	expires := issued.Add(7 * 24 * time.Hour)
	if err := store.SetIssued(ctx, "student_checkout", "A123", issued, expires); err != nil {
		t.Fatalf("SetIssued: %v", err)
	}

	rec, err := store.Get(ctx, "student_checkout", "A123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Consumed {
		t.Fatal("fresh record must not be consumed")
	}
	if !rec.TokenExpiresAt.Equal(expires) {
		t.Fatalf("expiry = %v, want %v", rec.TokenExpiresAt, expires)
	}

	won, err := store.TrySetConsumed(ctx, "student_checkout", "A123")
	if err != nil || !won {
		t.Fatalf("TrySetConsumed first call: won=%v err=%v", won, err)
	}
	won, err = store.TrySetConsumed(ctx, "student_checkout", "A123")
	if err != nil || won {
		t.Fatalf("TrySetConsumed second call: won=%v err=%v", won, err)
	}

	rec, err = store.Get(ctx, "student_checkout", "A123")
	if err != nil {
		t.Fatalf("Get after consume: %v", err)
	}
	if !rec.Consumed || rec.ConsumedAt.IsZero() {
		t.Fatalf("record not marked consumed: %+v", rec)
	}
}

func TestMemoryGetUnknown(t *testing.T) {
	store := NewMemory()
	if _, err := store.Get(context.Background(), "student_checkout", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.TrySetConsumed(context.Background(), "student_checkout", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryConsumeRace(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now().UTC()
	if err := store.SetIssued(ctx, "damage", "D9", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("SetIssued: %v", err)
	}

	const attempts = 100
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.TrySetConsumed(ctx, "damage", "D9")
			if err != nil {
				t.Errorf("TrySetConsumed: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}

func TestMemoryReissueStartsNewCycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now().UTC()

	if err := store.SetIssued(ctx, "approval", "7", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("SetIssued: %v", err)
	}
	if _, err := store.TrySetConsumed(ctx, "approval", "7"); err != nil {
		t.Fatalf("TrySetConsumed: %v", err)
	}
	if err := store.SetIssued(ctx, "approval", "7", now.Add(time.Minute), now.Add(2*time.Hour)); err != nil {
		t.Fatalf("re-issue: %v", err)
	}

	rec, err := store.Get(ctx, "approval", "7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Consumed || !rec.ConsumedAt.IsZero() {
		t.Fatalf("re-issue must clear the consumed flag: %+v", rec)
	}
	if !rec.TokenExpiresAt.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("re-issue expiry = %v", rec.TokenExpiresAt)
	}

	// The single use is available again in the new cycle.
	won, err := store.TrySetConsumed(ctx, "approval", "7")
	if err != nil {
		t.Fatalf("TrySetConsumed after re-issue: %v", err)
	}
	if !won {
		t.Fatal("consumption must succeed in the new cycle")
	}
}

func TestPGTrySetConsumedWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update signable_records set consumed = true").
		WithArgs("student_checkout", "A123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := NewPGStore(db).TrySetConsumed(context.Background(), "student_checkout", "A123")
	if err != nil {
		t.Fatalf("TrySetConsumed: %v", err)
	}
	if !won {
		t.Fatal("expected the CAS to win when one row was updated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTrySetConsumedLosesWhenAlreadyConsumed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update signable_records set consumed = true").
		WithArgs("student_checkout", "A123").
		WillReturnResult(sqlmock.NewResult(0, 0))
	consumedAt := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery("select record_type, record_id").
		WithArgs("student_checkout", "A123").
		WillReturnRows(sqlmock.NewRows([]string{
			"record_type", "record_id", "token_issued_at", "token_expires_at", "consumed", "consumed_at",
		}).AddRow("student_checkout", "A123", consumedAt.Add(-time.Hour), consumedAt.Add(24*time.Hour), true, consumedAt))

	won, err := NewPGStore(db).TrySetConsumed(context.Background(), "student_checkout", "A123")
	if err != nil {
		t.Fatalf("TrySetConsumed: %v", err)
	}
	if won {
		t.Fatal("CAS must lose when the flag was already set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTrySetConsumedMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update signable_records set consumed = true").
		WithArgs("student_checkout", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select record_type, record_id").
		WithArgs("student_checkout", "ghost").
		WillReturnError(sql.ErrNoRows)

	_, err = NewPGStore(db).TrySetConsumed(context.Background(), "student_checkout", "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing row, got %v", err)
	}
}

func TestPGSetIssuedResetsConsumed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec("consumed = false, consumed_at = null").
		WithArgs("approval", "7", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewPGStore(db).SetIssued(context.Background(), "approval", "7", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("SetIssued: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGSetExpiryMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update signable_records set token_expires_at").
		WithArgs("student_checkout", "ghost", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPGStore(db).SetExpiry(context.Background(), "student_checkout", "ghost", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreErrorWrapsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select record_type, record_id").
		WithArgs("student_checkout", "A123").
		WillReturnError(errors.New("connection refused"))

	_, err = NewPGStore(db).Get(context.Background(), "student_checkout", "A123")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
