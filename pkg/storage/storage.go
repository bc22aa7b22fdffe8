// Package storage is the query-log persistence collaborator. The engine
// hands it one record per query; everything else (dashboards, analytics,
// profiles) consumes the table from outside this process.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the interface for query-log backends.
// Implementations must be thread-safe and support concurrent access.
type Storage interface {
	// LogQuery records one handled query. It must not block the caller on
	// slow disks; buffered implementations return ErrBufferFull on overflow.
	LogQuery(ctx context.Context, query *QueryLog) error
	// RecentQueries returns up to limit records, newest first.
	RecentQueries(ctx context.Context, limit int) ([]*QueryLog, error)
	// Cleanup deletes records older than the given time.
	Cleanup(ctx context.Context, olderThan time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// QueryLog represents a single handled DNS query
type QueryLog struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ClientIP   string    `json:"client_ip"`
	Domain     string    `json:"domain"`
	QueryType  string    `json:"query_type"` // A, AAAA, CNAME, ...
	Outcome    string    `json:"outcome"`    // answered, cache_hit, failed
	Upstream   string    `json:"upstream,omitempty"`
	Cached     bool      `json:"cached"`
	Blocked    bool      `json:"blocked"`
	DurationMs int64     `json:"duration_ms"`
}

// MetricsRecorder breaks the import cycle between storage and telemetry.
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

// Config represents storage configuration
type Config struct {
	Enabled bool         `yaml:"enabled"`
	SQLite  SQLiteConfig `yaml:"sqlite"`

	// Buffer settings
	BufferSize    int           `yaml:"buffer_size"`    // Number of records to buffer
	FlushInterval time.Duration `yaml:"flush_interval"` // How often to flush the buffer
	BatchSize     int           `yaml:"batch_size"`     // Max records per batch

	// Retention settings
	RetentionDays int `yaml:"retention_days"` // Days to keep query logs
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path        string `yaml:"path"`         // Database file path
	BusyTimeout int    `yaml:"busy_timeout"` // Busy timeout in milliseconds
	WALMode     bool   `yaml:"wal_mode"`     // Enable WAL mode
}

// Sentinel errors shared by backends.
var (
	ErrInvalidConfig    = errors.New("invalid storage configuration")
	ErrConnectionFailed = errors.New("storage connection failed")
	ErrBufferFull       = errors.New("query log buffer full")
	ErrClosed           = errors.New("storage is closed")
)
