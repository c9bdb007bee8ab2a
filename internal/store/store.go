// Package store provides the persistence layer for filesentry.
//
// The engine persists everything (scan history, quarantine list, watch
// baselines, configuration blobs) through a small key-value interface so
// the core never assumes a specific storage technology. A SQLite backend
// is the default; a memory backend serves tests and ephemeral runs.
package store

// KV is the persistence contract used by the engine.
//
// Get returns (nil, nil) when the key is absent. Set and Remove are
// idempotent and safe to retry.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}

// Well-known keys used by the engine's owning components.
const (
	KeyScanHistory   = "scan_history"
	KeyQuarantine    = "quarantine_list"
	KeyStatistics    = "scan_statistics"
	KeyMonitorConfig = "monitoring_config"

	// KeyBaselinePrefix prefixes per-root baseline snapshots.
	KeyBaselinePrefix = "baseline:"
)
