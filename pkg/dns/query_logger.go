package dns

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dny/pkg/logging"
	"dny/pkg/storage"
)

// defaultLogTimeout bounds a single storage write.
const defaultLogTimeout = 1 * time.Second

// QueryLogger manages a worker pool for asynchronous query logging so the
// hot path never blocks on storage.
type QueryLogger struct {
	logCh     chan *storage.QueryLog
	ctx       context.Context
	cancel    context.CancelFunc
	storage   storage.Storage
	logger    *logging.Logger
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewQueryLogger creates a query logger with a fixed worker pool.
func NewQueryLogger(stor storage.Storage, logger *logging.Logger, bufferSize, workers int) *QueryLogger {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &QueryLogger{
		logCh:   make(chan *storage.QueryLog, bufferSize),
		ctx:     ctx,
		cancel:  cancel,
		storage: stor,
		logger:  logger,
	}

	for i := 0; i < workers; i++ {
		ql.wg.Add(1)
		go ql.worker()
	}

	logger.Info("Query logger worker pool started",
		"workers", workers,
		"buffer_size", bufferSize)

	return ql
}

// worker processes query log entries from the channel
func (ql *QueryLogger) worker() {
	defer ql.wg.Done()

	for {
		select {
		case <-ql.ctx.Done():
			ql.drain()
			return
		case entry, ok := <-ql.logCh:
			if !ok {
				return
			}
			ql.write(entry)
		}
	}
}

// drain processes whatever is left in the channel during shutdown.
func (ql *QueryLogger) drain() {
	for {
		select {
		case entry, ok := <-ql.logCh:
			if !ok {
				return
			}
			ql.write(entry)
		default:
			return
		}
	}
}

func (ql *QueryLogger) write(entry *storage.QueryLog) {
	logCtx, cancel := context.WithTimeout(context.Background(), defaultLogTimeout)
	defer cancel()

	if err := ql.storage.LogQuery(logCtx, entry); err != nil {
		ql.logger.Debug("Failed to log query",
			"domain", entry.Domain,
			"error", err)
	}
}

// LogAsync queues a query log entry without blocking. A full buffer drops
// the entry and returns storage.ErrBufferFull.
func (ql *QueryLogger) LogAsync(entry *storage.QueryLog) error {
	select {
	case ql.logCh <- entry:
		return nil
	default:
		ql.dropped.Add(1)
		return storage.ErrBufferFull
	}
}

// Dropped returns the count of entries dropped on a full buffer.
func (ql *QueryLogger) Dropped() uint64 {
	return ql.dropped.Load()
}

// Close shuts the pool down, draining buffered entries first. Safe to call
// multiple times.
func (ql *QueryLogger) Close() error {
	ql.closeOnce.Do(func() {
		ql.cancel()
		ql.wg.Wait()
		ql.logger.Info("Query logger shut down", "dropped_total", ql.dropped.Load())
	})
	return nil
}
