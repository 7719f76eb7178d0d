package app

import (
	"fmt"
	"strings"
	"time"

	"scriptbar/internal/api"
	"scriptbar/internal/config"
	"scriptbar/internal/discovery"
	"scriptbar/internal/storage"
	logx "scriptbar/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{
		Enabled:       cfg.API.Enabled,
		Addr:          cfg.API.Addr,
		Token:         cfg.API.Token,
		AllowInsecure: cfg.API.AllowInsecure,
		Pprof:         cfg.API.Pprof,
	}
}

func mapDiscoveryConfig(cfg *config.Config) (discovery.Config, error) {
	every, err := config.ParseDurationField("plugins.rescan_every", cfg.Plugins.RescanEvery)
	if err != nil {
		return discovery.Config{}, err
	}
	return discovery.Config{
		Dir:         strings.TrimSpace(cfg.Plugins.Dir),
		RescanEvery: every,
	}, nil
}

// mapStorageConfig returns (config, enabled, error). Storage is optional;
// an absent section or driver "none" disables it.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, EventsKeep: sc.EventsKeep}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, EventsKeep: sc.EventsKeep}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// eventsKeep sizes the in-memory event ring to match the persistent
// retention when one is configured.
func eventsKeep(cfg *config.Config) int {
	if cfg.Storage != nil && cfg.Storage.EventsKeep > 0 {
		return cfg.Storage.EventsKeep
	}
	return 0
}
