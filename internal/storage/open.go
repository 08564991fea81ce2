package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "delayd/pkg/logx"
)

// Store is the persistence API used by the journal service.
type Store interface {
	AppendOutcome(ctx context.Context, e OutcomeEntry) error

	// PruneBefore drops entries whose recorded time is older than cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) error

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

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
