package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Plugins PluginsConfig  `json:"plugins"`
	Logging LoggingConfig  `json:"logging"`
	Queue   QueueConfig    `json:"queue,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	API     APIConfig      `json:"api,omitempty"`
}

// PluginsConfig points at the directory of executable script units.
type PluginsConfig struct {
	Dir string `json:"dir"`
	// RescanEvery is a Go duration string (e.g. "5m"). Zero/empty disables
	// the periodic fallback rescan; the fsnotify watcher still runs.
	RescanEvery string `json:"rescan_every,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the invocation queue.
type QueueConfig struct {
	// Workers caps parallel invocations across units. 0 means unbounded.
	// Per-unit serialization holds regardless.
	Workers int `json:"workers,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/scriptbar" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	EventsKeep  int    `json:"events_keep,omitempty"`
}

// APIConfig controls the optional control/status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7381").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7381"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof on the same server
}

// Validate checks what strict decoding cannot: required fields and value
// shapes. It does not touch the filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Plugins.Dir) == "" {
		return errors.New("plugins.dir is required")
	}
	if _, err := ParseDurationField("plugins.rescan_every", c.Plugins.RescanEvery); err != nil {
		return err
	}
	if c.Queue.Workers < 0 {
		return errors.New("queue.workers must be >= 0")
	}
	if c.Storage != nil {
		switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", d)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		if c.Storage.EventsKeep < 0 {
			return errors.New("storage.events_keep must be >= 0")
		}
	}
	return nil
}
