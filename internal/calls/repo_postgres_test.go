package calls

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func callRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"call_id", "provider_ref", "contact_id", "agent_id", "campaign_id", "direction", "to_number",
		"status", "started_at", "answered_at", "ended_at", "duration_seconds", "disposition_id", "updated_at",
	}).AddRow("c1", "CA1", "ct1", "a1", "camp", "outbound", "+15551234567",
		"completed", now, now, now.Add(42*time.Second), 42, "", now)
}

func TestPostgresStore_GetCall(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM calls WHERE call_id = $1")).
		WithArgs("c1").
		WillReturnRows(callRow(now))

	c, err := s.GetCall(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != StatusCompleted || c.DurationSeconds != 42 || c.AnsweredAt == nil || c.EndedAt == nil {
		t.Fatalf("unexpected call: %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GetCallNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM calls WHERE provider_ref = $1")).
		WithArgs("CAx").
		WillReturnRows(sqlmock.NewRows([]string{"call_id"}))

	if _, err := s.GetCallByProviderRef(context.Background(), "CAx"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_UpsertCall(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (call_id) DO UPDATE")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertCall(context.Background(), Call{
		CallID: "c1", ContactID: "ct1", AgentID: "a1", Direction: DirectionOutbound,
		To: "+15551234567", Status: StatusPlacing, StartedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_AppendDispositionAssignsSequence(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT call_id FROM calls WHERE call_id = $1 FOR UPDATE")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"call_id"}).AddRow("c1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(sequence), 0) + 1 FROM call_dispositions")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO call_dispositions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE calls SET disposition_id = $2")).
		WithArgs("c1", "d3", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := s.AppendDisposition(context.Background(), Disposition{ID: "d3", CallID: "c1", Category: "converted", CreatedAt: now})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if d.Sequence != 3 {
		t.Fatalf("expected sequence 3, got %d", d.Sequence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_AppendDispositionUnknownCallRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"call_id"}))
	mock.ExpectRollback()

	if _, err := s.AppendDisposition(context.Background(), Disposition{ID: "d", CallID: "nope"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
