package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, mutate func(*Config)) *SQLiteStorage {
	t.Helper()
	cfg := &Config{
		Enabled: true,
		SQLite: SQLiteConfig{
			Path:        filepath.Join(t.TempDir(), "dny.db"),
			BusyTimeout: 5000,
			WALMode:     true,
		},
		BufferSize:    100,
		FlushInterval: 50 * time.Millisecond,
		BatchSize:     10,
		RetentionDays: 7,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewSQLiteStorage(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleQuery(domain string, ts time.Time) *QueryLog {
	return &QueryLog{
		Timestamp:  ts,
		ClientIP:   "127.0.0.1",
		Domain:     domain,
		QueryType:  "A",
		Outcome:    "answered",
		Upstream:   "google-a",
		DurationMs: 12,
	}
}

func TestNewSQLiteStorage_InvalidConfig(t *testing.T) {
	_, err := NewSQLiteStorage(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSQLiteStorage(&Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLogQueryRoundTrip(t *testing.T) {
	s := testStorage(t, nil)

	now := time.Now()
	require.NoError(t, s.LogQuery(context.Background(), sampleQuery("example.com", now)))
	require.NoError(t, s.LogQuery(context.Background(), sampleQuery("example.org", now.Add(time.Second))))

	var got []*QueryLog
	require.Eventually(t, func() bool {
		var err error
		got, err = s.RecentQueries(context.Background(), 10)
		return err == nil && len(got) == 2
	}, 2*time.Second, 20*time.Millisecond)

	// Newest first.
	assert.Equal(t, "example.org", got[0].Domain)
	assert.Equal(t, "example.com", got[1].Domain)
	assert.Equal(t, "answered", got[1].Outcome)
	assert.Equal(t, "google-a", got[1].Upstream)
	assert.Equal(t, int64(12), got[1].DurationMs)
}

func TestRecentQueries_Limit(t *testing.T) {
	s := testStorage(t, nil)

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.LogQuery(context.Background(), sampleQuery("example.com", now.Add(time.Duration(i)*time.Second))))
	}

	require.Eventually(t, func() bool {
		got, err := s.RecentQueries(context.Background(), 10)
		return err == nil && len(got) == 5
	}, 2*time.Second, 20*time.Millisecond)

	got, err := s.RecentQueries(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCleanup(t *testing.T) {
	s := testStorage(t, nil)

	now := time.Now()
	require.NoError(t, s.LogQuery(context.Background(), sampleQuery("old.example", now.Add(-48*time.Hour))))
	require.NoError(t, s.LogQuery(context.Background(), sampleQuery("new.example", now)))

	require.Eventually(t, func() bool {
		got, err := s.RecentQueries(context.Background(), 10)
		return err == nil && len(got) == 2
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Cleanup(context.Background(), now.Add(-24*time.Hour)))

	got, err := s.RecentQueries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new.example", got[0].Domain)
}

type dropRecorder struct {
	dropped int64
}

func (d *dropRecorder) AddDroppedQuery(ctx context.Context, count int64) {
	d.dropped += count
}

func TestLogQuery_BufferFull(t *testing.T) {
	// Build the storage by hand with no flush worker so the one-slot buffer
	// stays full deterministically.
	rec := &dropRecorder{}
	s := &SQLiteStorage{
		cfg:     &Config{},
		metrics: rec,
		buffer:  make(chan *QueryLog, 1),
		done:    make(chan struct{}),
	}

	now := time.Now()
	require.NoError(t, s.LogQuery(context.Background(), sampleQuery("a.example", now)))

	err := s.LogQuery(context.Background(), sampleQuery("b.example", now))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, int64(1), rec.dropped)
}

func TestFlushWorker_TimerFlush(t *testing.T) {
	s := testStorage(t, nil)

	require.NoError(t, s.LogQuery(context.Background(), sampleQuery("timer.example", time.Now())))

	require.Eventually(t, func() bool {
		got, err := s.RecentQueries(context.Background(), 10)
		return err == nil && len(got) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClose_DrainsBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dny.db")
	cfg := &Config{
		Enabled:       true,
		SQLite:        SQLiteConfig{Path: path, BusyTimeout: 5000},
		BufferSize:    100,
		FlushInterval: time.Hour,
		BatchSize:     100,
	}
	s, err := NewSQLiteStorage(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, s.LogQuery(context.Background(), sampleQuery("drain.example", time.Now())))
	require.NoError(t, s.Close())

	// Records queued before Close must be on disk.
	s2, err := NewSQLiteStorage(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.RecentQueries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "drain.example", got[0].Domain)
}

func TestLogQuery_AfterClose(t *testing.T) {
	s := testStorage(t, nil)
	require.NoError(t, s.Close())

	err := s.LogQuery(context.Background(), sampleQuery("late.example", time.Now()))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPing(t *testing.T) {
	s := testStorage(t, nil)
	assert.NoError(t, s.Ping(context.Background()))
}
