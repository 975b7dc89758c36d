package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "postsched/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Store keeps the event history of jobs. The in-memory engine state is the
// source of truth; the store outlives it so finished jobs stay inspectable.
type Store interface {
	Append(ctx context.Context, r Record) error
	// History returns a job's records oldest first.
	History(ctx context.Context, jobID string) ([]Record, error)
	// Prune drops records older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open returns the store for cfg.Driver, or (nil, nil) when history is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
