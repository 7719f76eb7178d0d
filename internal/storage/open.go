package storage

import (
	"context"
	"errors"
	"strings"

	logx "scriptbar/pkg/logx"
)

// Store is the minimal persistence API used by the scheduler: the set of
// units the operator disabled, plus a bounded log of debug events.
type Store interface {
	SetDisabled(ctx context.Context, id string, disabled bool) error
	IsDisabled(ctx context.Context, id string) (bool, error)
	DisabledIDs(ctx context.Context) ([]string, error)

	AppendEvent(ctx context.Context, e Event) error
	RecentEvents(ctx context.Context, limit int) ([]Event, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled; callers treat a nil Store
// as "nothing persisted" (every unit enabled, events kept in memory only).
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
