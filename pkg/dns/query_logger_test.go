package dns

import (
	"context"
	"sync"
	"testing"
	"time"

	"dny/pkg/logging"
	"dny/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory Storage for tests.
type memStorage struct {
	mu      sync.Mutex
	entries []*storage.QueryLog
	block   chan struct{} // when non-nil, LogQuery waits on it
}

func (m *memStorage) LogQuery(ctx context.Context, q *storage.QueryLog) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, q)
	return nil
}

func (m *memStorage) RecentQueries(ctx context.Context, limit int) ([]*storage.QueryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*storage.QueryLog, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *memStorage) Cleanup(ctx context.Context, olderThan time.Time) error { return nil }
func (m *memStorage) Ping(ctx context.Context) error                        { return nil }
func (m *memStorage) Close() error                                          { return nil }

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestQueryLogger_LogsAsync(t *testing.T) {
	stor := &memStorage{}
	ql := NewQueryLogger(stor, logging.NewDefault(), 10, 2)
	defer func() { _ = ql.Close() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, ql.LogAsync(&storage.QueryLog{Domain: "example.com", Outcome: "answered"}))
	}

	require.Eventually(t, func() bool {
		return stor.count() == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueryLogger_DropsOnFullBuffer(t *testing.T) {
	block := make(chan struct{})
	stor := &memStorage{block: block}
	ql := NewQueryLogger(stor, logging.NewDefault(), 1, 1)
	defer close(block)
	defer func() { _ = ql.Close() }()

	// One entry occupies the worker, one fills the buffer; eventually a
	// send hits a full channel and is dropped.
	var dropped bool
	for i := 0; i < 10; i++ {
		if err := ql.LogAsync(&storage.QueryLog{Domain: "x"}); err != nil {
			assert.ErrorIs(t, err, storage.ErrBufferFull)
			dropped = true
			break
		}
	}
	assert.True(t, dropped)
	assert.Positive(t, ql.Dropped())
}

func TestQueryLogger_CloseDrains(t *testing.T) {
	stor := &memStorage{}
	ql := NewQueryLogger(stor, logging.NewDefault(), 100, 1)

	for i := 0; i < 20; i++ {
		require.NoError(t, ql.LogAsync(&storage.QueryLog{Domain: "drain.example"}))
	}
	require.NoError(t, ql.Close())

	assert.Equal(t, 20, stor.count(), "buffered entries are written before shutdown")
	assert.NoError(t, ql.Close(), "close is idempotent")
}

func TestEngine_QueryLogging(t *testing.T) {
	stor := &memStorage{}
	ql := NewQueryLogger(stor, logging.NewDefault(), 10, 1)
	defer func() { _ = ql.Close() }()

	up := newFakeUpstream(t, "U", answerA("93.184.216.34"))
	e, _ := newTestEngine(t, up, nil, engineOpts{cacheTTL: time.Minute})
	e.QueryLogger = ql

	require.NotNil(t, collectReply(t, e, packQuery(t, 1, "example.com", 1)))
	require.NotNil(t, collectReply(t, e, packQuery(t, 2, "example.com", 1)))

	require.Eventually(t, func() bool { return stor.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	entries, err := stor.RecentQueries(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "answered", entries[0].Outcome)
	assert.Equal(t, "U", entries[0].Upstream)
	assert.Equal(t, "example.com", entries[0].Domain)
	assert.Equal(t, "cache_hit", entries[1].Outcome)
	assert.True(t, entries[1].Cached)
	assert.Equal(t, "127.0.0.1", entries[0].ClientIP)
}
