package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "completiond/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore serves both SQLite and PostgreSQL; only placeholders, timestamp
// encoding and the schema differ.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, log: log, dialect: "sqlite"}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	st := &sqlStore{db: db, log: log, dialect: "postgres"}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites '?' placeholders to $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteTimeLayout is fixed-width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *sqlStore) timeArg(t time.Time) any {
	if s.dialect == "postgres" {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func (s *sqlStore) AppendResult(ctx context.Context, r ResultRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var started any
	if r.StartedAt != nil {
		started = s.timeArg(*r.StartedAt)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO task_results(task_id, task_type, priority, submitter_id, status, error_kind, error, result_json, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO NOTHING`),
		r.TaskID, r.Type, r.Priority, r.SubmitterID, r.Status,
		nullStr(r.ErrorKind), nullStr(r.Error), nullStr(r.ResultJSON),
		s.timeArg(r.CreatedAt), started, s.timeArg(r.CompletedAt),
	)
	return err
}

func (s *sqlStore) RecentResults(ctx context.Context, limit int) ([]ResultRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT task_id, task_type, priority, submitter_id, status, error_kind, error, result_json, created_at, started_at, completed_at
		 FROM task_results ORDER BY completed_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		var (
			r                          ResultRecord
			errKind, errMsg, result    sql.NullString
			created, started, finished any
		)
		if err := rows.Scan(&r.TaskID, &r.Type, &r.Priority, &r.SubmitterID, &r.Status, &errKind, &errMsg, &result, &created, &started, &finished); err != nil {
			return nil, err
		}
		r.ErrorKind, r.Error, r.ResultJSON = errKind.String, errMsg.String, result.String
		if r.CreatedAt, err = scanTime(created); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = scanTime(finished); err != nil {
			return nil, err
		}
		if started != nil {
			t, err := scanTime(started)
			if err != nil {
				return nil, err
			}
			r.StartedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(x))
	default:
		return time.Time{}, fmt.Errorf("unexpected time value %T", v)
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
