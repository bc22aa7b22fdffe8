package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	client_ip TEXT NOT NULL,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	upstream TEXT NOT NULL DEFAULT '',
	cached INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
`

// SQLiteStorage implements Storage on a local SQLite file. Writes go
// through a bounded channel and a single flush worker batching inserts.
type SQLiteStorage struct {
	db      *sql.DB
	cfg     *Config
	metrics MetricsRecorder
	buffer  chan *QueryLog
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewSQLiteStorage creates a new SQLite storage backend
func NewSQLiteStorage(cfg *Config, metrics MetricsRecorder) (*SQLiteStorage, error) {
	if cfg == nil || cfg.SQLite.Path == "" {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.SQLite.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.SQLite.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 500
	}

	s := &SQLiteStorage{
		db:      db,
		cfg:     cfg,
		metrics: metrics,
		buffer:  make(chan *QueryLog, bufferSize),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

// LogQuery implements Storage. The record is queued for the flush worker;
// a full buffer drops the record and reports ErrBufferFull.
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.buffer <- query:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker drains the buffer in batches, on a timer and on batch-size.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is left, then flush once.
			for {
				select {
				case entry := <-s.buffer:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *SQLiteStorage) writeBatch(batch []*QueryLog) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, outcome, upstream, cached, blocked, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, q := range batch {
		_, _ = stmt.Exec(
			q.Timestamp.UTC().UnixMilli(), q.ClientIP, q.Domain, q.QueryType,
			q.Outcome, q.Upstream, q.Cached, q.Blocked, q.DurationMs,
		)
	}
	_ = tx.Commit()
}

// RecentQueries implements Storage.
func (s *SQLiteStorage) RecentQueries(ctx context.Context, limit int) ([]*QueryLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, query_type, outcome, upstream, cached, blocked, duration_ms
		FROM queries ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*QueryLog
	for rows.Next() {
		q := &QueryLog{}
		var ts int64
		if err := rows.Scan(
			&q.ID, &ts, &q.ClientIP, &q.Domain, &q.QueryType,
			&q.Outcome, &q.Upstream, &q.Cached, &q.Blocked, &q.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan query row: %w", err)
		}
		q.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}

// Cleanup implements Storage.
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE timestamp < ?`, olderThan.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to clean up query log: %w", err)
	}
	return nil
}

// Ping implements Storage.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the flush worker, drains the buffer, and closes the database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	return s.db.Close()
}
