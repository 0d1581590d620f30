package recorder

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/adaptivesense/internal/domain"
)

func session(id string, start time.Time) domain.SessionRecord {
	return domain.SessionRecord{
		SessionID:    id,
		Agent:        "acceleration",
		Mode:         domain.ModeActive,
		StartedAt:    start,
		EndedAt:      start.Add(10 * time.Second),
		Reason:       domain.EndDeadline,
		WakeLockHeld: true,
		Overrides: []domain.OverrideRecord{
			{SessionID: id, Kind: domain.KindAcceleration, Source: "imu", PriorRate: 5, TargetRate: 60},
		},
	}
}

func TestPostgresRecorderRecordSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rec, err := NewSQLRecorder(db, Postgres, "control_sessions")
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	expectedQuery := regexp.QuoteMeta("INSERT INTO control_sessions (" + columns + ") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (session_id) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("s-1", "acceleration", "active", "", start, start.Add(10*time.Second), "deadline", true, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := rec.RecordSessions(context.Background(), []domain.SessionRecord{session("s-1", start)}); err != nil {
		t.Fatalf("record sessions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecorderNoSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rec, _ := NewSQLRecorder(db, Postgres, "control_sessions")
	if err := rec.RecordSessions(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecorderRejectsBadTableName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	if _, err := NewSQLRecorder(db, Postgres, "sessions; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid table name error")
	}
	if _, err := NewSQLRecorder(db, "mysql", "sessions"); err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
}

func TestSQLiteRecorderRoundTrip(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(SQLite, filepath.Join(t.TempDir(), "sessions.db"), "control_sessions")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer rec.Close()

	if err := rec.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	batch := []domain.SessionRecord{session("s-1", start), session("s-2", start.Add(time.Minute))}
	if err := rec.RecordSessions(ctx, batch); err != nil {
		t.Fatalf("record sessions: %v", err)
	}
	// Replayed batches are ignored.
	if err := rec.RecordSessions(ctx, batch[:1]); err != nil {
		t.Fatalf("replay: %v", err)
	}

	var n int
	if err := rec.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM control_sessions").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	var reason, overrides string
	if err := rec.DB().QueryRowContext(ctx,
		"SELECT reason, overrides FROM control_sessions WHERE session_id = ?", "s-2").Scan(&reason, &overrides); err != nil {
		t.Fatalf("select: %v", err)
	}
	if reason != "deadline" || !regexp.MustCompile(`"prior_rate":5`).MatchString(overrides) {
		t.Fatalf("unexpected row: reason=%s overrides=%s", reason, overrides)
	}
}
