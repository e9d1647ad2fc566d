package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Session is an open session database.
type Session struct {
	Identity string
	Path     string
	DB       *sql.DB
}

func (s *Session) Close() error { return s.DB.Close() }

// SQLiteOpener opens session files as SQLite databases and classifies driver
// failures into ErrBusy / ErrCorrupt for the Acquirer.
type SQLiteOpener struct {
	store       *FileStore
	busyTimeout time.Duration
}

func NewSQLiteOpener(store *FileStore, cfg Config) *SQLiteOpener {
	cfg = cfg.withDefaults()
	return &SQLiteOpener{store: store, busyTimeout: cfg.BusyTimeout}
}

// Open is an OpenFunc.
func (o *SQLiteOpener) Open(ctx context.Context, identity string) (Resource, error) {
	if err := o.store.CheckIntegrity(identity); err != nil {
		return nil, err
	}
	if err := o.store.ensureDir(); err != nil {
		return nil, err
	}
	path, err := o.store.Path(identity)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, classify(identity, err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d;", o.busyTimeout.Milliseconds()),
		`CREATE TABLE IF NOT EXISTS session_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		"INSERT INTO session_meta(key, value) VALUES('opened_at', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value;",
	}
	for i, q := range stmts {
		var args []any
		if i == len(stmts)-1 {
			args = []any{time.Now().UTC().Format(time.RFC3339Nano)}
		}
		if _, err := db.ExecContext(ctx, q, args...); err != nil {
			_ = db.Close()
			return nil, classify(identity, err)
		}
	}
	return &Session{Identity: identity, Path: path, DB: db}, nil
}

func classify(identity string, err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch classifyCode(se.Code()) {
	case ErrBusy:
		return &TransientResourceError{Identity: identity, Err: err}
	case ErrCorrupt:
		return &CorruptResourceError{Identity: identity, Err: err}
	default:
		return err
	}
}

// classifyCode maps a (possibly extended) sqlite result code to a sentinel.
func classifyCode(code int) error {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return ErrBusy
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return ErrCorrupt
	default:
		return nil
	}
}
