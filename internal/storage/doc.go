// Package storage persists connection-analytics snapshots so learned
// metrics and model weights survive restarts.
//
// Backends:
//   - file: single JSON snapshot file, written atomically
//   - sqlite: single-row snapshot table in a SQLite database
package storage
