package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Dialect is the SQL flavour of the target database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const columns = "session_id, agent, mode, trigger_kind, started_at, ended_at, reason, wake_lock_held, overrides, error"

// SQLRecorder writes closed control sessions to a table, one row per
// session. Writes are idempotent on session_id.
type SQLRecorder struct {
	db      *sql.DB
	table   string
	dialect Dialect
}

var _ ports.SessionRecorder = (*SQLRecorder)(nil)

func NewSQLRecorder(db *sql.DB, dialect Dialect, table string) (*SQLRecorder, error) {
	if !identRE.MatchString(table) {
		return nil, fmt.Errorf("recorder: invalid table name %q", table)
	}
	switch dialect {
	case Postgres, SQLite:
	default:
		return nil, fmt.Errorf("recorder: unsupported dialect %q", dialect)
	}
	return &SQLRecorder{db: db, table: table, dialect: dialect}, nil
}

// Open connects with the database/sql driver registered for dialect.
func Open(dialect Dialect, dsn, table string) (*SQLRecorder, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", dialect, err)
	}
	r, err := NewSQLRecorder(db, dialect, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLRecorder) Name() string { return string(r.dialect) }

func (r *SQLRecorder) DB() *sql.DB { return r.db }

func (r *SQLRecorder) Close() error { return r.db.Close() }

// EnsureSchema creates the sessions table if it does not exist.
func (r *SQLRecorder) EnsureSchema(ctx context.Context) error {
	ts, boolean, text := "TIMESTAMPTZ", "BOOLEAN", "TEXT"
	if r.dialect == SQLite {
		ts, boolean = "TIMESTAMP", "INTEGER"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id %[2]s PRIMARY KEY,
	agent %[2]s NOT NULL,
	mode %[2]s NOT NULL,
	trigger_kind %[2]s NOT NULL,
	started_at %[3]s NOT NULL,
	ended_at %[3]s NOT NULL,
	reason %[2]s NOT NULL,
	wake_lock_held %[4]s NOT NULL,
	overrides %[2]s NOT NULL,
	error %[2]s NOT NULL
)`, r.table, text, ts, boolean)
	_, err := r.db.ExecContext(ctx, stmt)
	return err
}

func (r *SQLRecorder) RecordSessions(ctx context.Context, records []domain.SessionRecord) error {
	if len(records) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(r.table)
	b.WriteString(" (" + columns + ") VALUES ")

	args := make([]any, 0, len(records)*10)
	for i, rec := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < 10; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			b.WriteString(r.placeholder(len(args) + c + 1))
		}
		b.WriteString(")")

		overrides, err := json.Marshal(rec.Overrides)
		if err != nil {
			return fmt.Errorf("marshal overrides: %w", err)
		}
		args = append(args,
			rec.SessionID,
			rec.Agent,
			rec.Mode.String(),
			string(rec.TriggerKind),
			rec.StartedAt.UTC(),
			rec.EndedAt.UTC(),
			string(rec.Reason),
			rec.WakeLockHeld,
			string(overrides),
			rec.Error,
		)
	}
	b.WriteString(" ON CONFLICT (session_id) DO NOTHING")

	_, err := r.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (r *SQLRecorder) placeholder(n int) string {
	if r.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
