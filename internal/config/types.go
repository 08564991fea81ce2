package config

import (
	"fmt"
	"strings"
)

// Config is the daemon's configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The dispatcher section is immutable once the engine is running; edits are
// validated on the fly but only take effect after a restart.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Feed       FeedConfig       `json:"feed,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// DispatcherConfig configures the delayed-dispatch engine.
//
// Defaults (when fields are omitted/zero):
//   - ingress_capacity: 64
//   - egress_capacity: 64
//   - max_held_messages: 1024
//   - tie_break: "best_effort"
//   - shutdown_timeout: "10s"
type DispatcherConfig struct {
	IngressCapacity int `json:"ingress_capacity,omitempty"`
	EgressCapacity  int `json:"egress_capacity,omitempty"`
	MaxHeldMessages int `json:"max_held_messages,omitempty"`

	// TieBreak orders messages sharing a release time:
	// "strict" releases them in submission order, "best_effort" doesn't care.
	TieBreak string `json:"tie_break,omitempty"`

	// BlockOnFullIngress makes Submit wait for ingress room instead of
	// failing fast with a capacity error.
	BlockOnFullIngress bool `json:"block_on_full_ingress,omitempty"`

	// FlushOnShutdown delivers all held messages on shutdown instead of
	// discarding them.
	FlushOnShutdown bool `json:"flush_on_shutdown,omitempty"`

	// ShutdownTimeout bounds the drain; defaults to "10s" when omitted.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig configures the optional dispatch journal.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (build with -tags sqlite)
//
// If Driver is empty or "none", the journal is disabled.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Retention drops journal entries older than this; empty keeps everything.
	Retention string `json:"retention,omitempty"`
}

// FeedConfig configures the stdin/stdout shell around the engine.
type FeedConfig struct {
	// Enabled defaults to true; set false when embedding the daemon
	// somewhere that drives the engine directly.
	Enabled *bool `json:"enabled,omitempty"`
}

const (
	TieBreakStrict     = "strict"
	TieBreakBestEffort = "best_effort"
)

// Validate checks the sections that fail fast at startup.
// Engine-level validation (positive capacities) happens again inside the
// dispatch package; duplicating the cheap checks here lets the watcher
// reject bad edits before they reach a restart.
func (c *Config) Validate() error {
	d := c.Dispatcher
	if d.IngressCapacity < 0 {
		return fmt.Errorf("dispatcher.ingress_capacity: must be > 0")
	}
	if d.EgressCapacity < 0 {
		return fmt.Errorf("dispatcher.egress_capacity: must be > 0")
	}
	if d.MaxHeldMessages < 0 {
		return fmt.Errorf("dispatcher.max_held_messages: must be > 0")
	}
	switch strings.TrimSpace(d.TieBreak) {
	case "", TieBreakStrict, TieBreakBestEffort:
	default:
		return fmt.Errorf("dispatcher.tie_break: unknown mode %q", d.TieBreak)
	}
	if _, err := ParseDurationField("dispatcher.shutdown_timeout", d.ShutdownTimeout); err != nil {
		return err
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.retention", c.Storage.Retention); err != nil {
			return err
		}
	}
	return nil
}

func (f FeedConfig) IsEnabled() bool {
	if f.Enabled == nil {
		return true
	}
	return *f.Enabled
}
