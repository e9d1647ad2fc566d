package storage

import (
	"context"
	"errors"
	"strings"

	logx "completiond/pkg/logx"
)

// Store is the archive API used by the dispatcher and the CLI.
type Store interface {
	AppendResult(ctx context.Context, r ResultRecord) error
	// RecentResults returns up to limit records, newest first.
	RecentResults(ctx context.Context, limit int) ([]ResultRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
