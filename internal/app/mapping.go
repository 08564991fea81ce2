package app

import (
	"strings"
	"time"

	"delayd/internal/config"
	"delayd/internal/dispatch"
	"delayd/internal/journal"
	"delayd/internal/storage"
)

// mapDispatcherConfig translates the config file section into the engine's
// config plus the shutdown policy the app applies at stop time.
func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, bool, time.Duration, error) {
	d := cfg.Dispatcher

	ingress := d.IngressCapacity
	if ingress <= 0 {
		ingress = 64
	}
	egress := d.EgressCapacity
	if egress <= 0 {
		egress = 64
	}
	held := d.MaxHeldMessages
	if held <= 0 {
		held = 1024
	}

	tie := dispatch.TieBestEffort
	if strings.TrimSpace(d.TieBreak) == config.TieBreakStrict {
		tie = dispatch.TieStrictOrder
	}

	timeout, err := config.ParseDurationOrDefault("dispatcher.shutdown_timeout", d.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, false, 0, err
	}

	return dispatch.Config{
		IngressCapacity:    ingress,
		EgressCapacity:     egress,
		MaxHeldMessages:    held,
		TieBreak:           tie,
		BlockOnFullIngress: d.BlockOnFullIngress,
	}, d.FlushOnShutdown, timeout, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	retention, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		Retention:   retention,
	}, true, nil
}

func mapJournalConfig(cfg *config.Config) (journal.Config, error) {
	if cfg.Storage == nil {
		return journal.Config{}, nil
	}
	retention, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return journal.Config{}, err
	}
	return journal.Config{Retention: retention}, nil
}
