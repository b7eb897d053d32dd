package storage

import (
	"context"
	"time"

	"netadapt/pkg/analytics"
)

// Config configures snapshot persistence.
//
// Driver values:
//   - "file": dependency-free JSON snapshot file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API handed to the analytics engine.
type Store interface {
	Load(ctx context.Context) (*analytics.Snapshot, error)
	Save(ctx context.Context, snap *analytics.Snapshot) error
	Close() error
}
