package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the result archive.
//
// Driver values:
//   - "file": JSON Lines file (<path without ext>.results.jsonl)
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Result statuses.
const (
	StatusOK     = "ok"
	StatusText   = "processed_as_text"
	StatusFailed = "failed"
)

// ResultRecord is the archived form of a terminal task.
// Keep it compact and schema-stable.
type ResultRecord struct {
	TaskID      string     `json:"task_id"`
	Type        string     `json:"task_type"`
	Priority    string     `json:"priority"`
	SubmitterID string     `json:"submitter_id"`
	Status      string     `json:"status"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	ResultJSON  string     `json:"result_json,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}
