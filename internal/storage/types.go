package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the journal backend.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention drops entries older than this on the periodic prune.
	// 0 keeps everything.
	Retention time.Duration
}

// OutcomeEntry records one message outcome.
// Keep it compact and schema-stable.
//
// Outcome is "released", "rejected" or "abandoned". Reason carries the
// rejection/abandon cause (e.g. max_held_messages, shutdown_timeout).
// LagMS is recorded-minus-at for released entries: how far past its release
// instant the message actually left the engine.
type OutcomeEntry struct {
	At       time.Time `json:"at"`
	Recorded time.Time `json:"recorded"`
	ID       string    `json:"id"`
	Sequence uint64    `json:"sequence"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	LagMS    int64     `json:"lag_ms,omitempty"`
}
