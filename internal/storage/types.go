package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	EventsKeep  int           // bounded event retention; 0 means default
}

const defaultEventsKeep = 512

func (c Config) eventsKeep() int {
	if c.EventsKeep > 0 {
		return c.EventsKeep
	}
	return defaultEventsKeep
}

// Event records one scheduler debug event.
// Keep it compact and schema-stable.
type Event struct {
	At    time.Time `json:"at"`
	Kind  string    `json:"kind"` // unit.refresh | unit.update | unit.update_error
	Unit  string    `json:"unit"`
	Value string    `json:"value,omitempty"`
}
