package ledger

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/metrics"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/windowing"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "submissions.csv")
	l := New(path, WithLockTimeout(2*time.Second), WithLockPoll(10*time.Millisecond))
	require.NoError(t, l.EnsureSchema())
	return l
}

func testRecord(window int64, topic uint64, success bool, status string) Record {
	return Record{
		WindowStart: window,
		TopicID:     topic,
		Value:       Float64(12.34567),
		Wallet:      "allo1testwallet",
		Nonce:       Int64(123456),
		Success:     success,
		Status:      status,
		Score:       PendingCell,
	}
}

func TestEnsureSchemaCreatesFileWithHeader(t *testing.T) {
	l := testLedger(t)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, strings.Join(Columns, ","), strings.Split(strings.TrimSpace(string(data)), "\n")[0])
}

func TestEnsureSchemaMigratesNarrowHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submissions.csv")

	// Legacy v1 file: fewer columns, one data row.
	legacy := "timestamp_utc,topic_id,value,wallet,nonce,tx_hash,success\n" +
		"2025-06-12T14:00:00Z,13,1.50000000,allo1wallet,100,abcd,true\n"
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	l := New(path)
	require.NoError(t, l.EnsureSchema())

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(13), records[0].TopicID)
	assert.True(t, records[0].Success)
	assert.Equal(t, "abcd", records[0].TxHash)
	assert.Empty(t, records[0].Status)

	// File now carries the full header.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, Columns, rows[0])
}

func TestUpsertKeepsOneRowPerKey(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	// A later failure replaces an earlier one for the same key.
	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, false, "retryable|attempt_1")))
	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, false, "retryable|attempt_2")))

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "retryable|attempt_2", records[0].Status)

	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, true, "submitted")))

	records, err = l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, "submitted", records[0].Status)

	// A different key gets its own row.
	require.NoError(t, l.Upsert(ctx, testRecord(7200, 13, false, "later_window")))

	records, err = l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUpsertNeverDisplacesSuccessWithFailure(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, true, "submitted")))
	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, false, "late_retry")))

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
}

func TestSingleSuccessPerKeyInvariant(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, i%2 == 0, "status")))
		require.NoError(t, l.Upsert(ctx, testRecord(7200, 13, true, "status")))
	}

	records, err := l.ReadAll()
	require.NoError(t, err)

	successes := map[windowing.WindowKey]int{}
	for _, rec := range records {
		if rec.Success {
			successes[rec.Key()]++
		}
	}
	for key, n := range successes {
		assert.Equal(t, 1, n, "key %s", key)
	}
}

func TestHasSuccess(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	key := windowing.WindowKey{WindowStart: 3600, TopicID: 13}

	ok, err := l.HasSuccess(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, false, "failed")))
	ok, err = l.HasSuccess(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, true, "submitted")))
	ok, err = l.HasSuccess(key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.HasSuccess(windowing.WindowKey{WindowStart: 7200, TopicID: 13})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDedupePrefersSuccessThenMostRecent(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	// Seed duplicate rows directly: Upsert itself no longer produces
	// them, but files written by older versions can still carry some.
	require.NoError(t, l.writeAll([]Record{
		testRecord(3600, 13, false, "first"),
		testRecord(3600, 13, false, "second"),
		testRecord(7200, 13, false, "only"),
	}))

	require.NoError(t, l.Dedupe(ctx))

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[0].Status)
	assert.Equal(t, "only", records[1].Status)
}

func TestBackfillPendingScores(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	rec := testRecord(3600, 13, true, "submitted")
	rec.Score = PendingCell
	rec.Reward = PendingCell
	require.NoError(t, l.Upsert(ctx, rec))

	err := l.Backfill(ctx, func(r Record) (string, string, bool) {
		return "0.91200000", "1.25000000", true
	})
	require.NoError(t, err)

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "0.91200000", records[0].Score)
	assert.Equal(t, "1.25000000", records[0].Reward)
}

func TestCellNormalizationRoundTrip(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	rec := Record{
		WindowStart: 1749736800,
		TopicID:     13,
		Value:       Float64(2.5),
		Wallet:      "allo1wallet",
		Success:     false,
		ExitCode:    1,
		Status:      "exhausted_retries|trace:abc",
		Log10Loss:   Float64(-1.5),
	}
	require.NoError(t, l.Upsert(ctx, rec))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	line := strings.Split(strings.TrimSpace(string(data)), "\n")[1]
	assert.Equal(t,
		"2025-06-12T14:00:00Z,13,2.50000000,allo1wallet,null,null,false,1,exhausted_retries|trace:abc,-1.50000000,null,null",
		line)

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	got := records[0]
	assert.Equal(t, rec.WindowStart, got.WindowStart)
	assert.Nil(t, got.Nonce)
	assert.Empty(t, got.TxHash)
	require.NotNil(t, got.Log10Loss)
	assert.Equal(t, -1.5, *got.Log10Loss)
}

func TestConcurrentUpsertsConverge(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = l.Upsert(ctx, testRecord(3600, 13, false, "writer_a"))
	}()
	go func() {
		defer wg.Done()
		_ = l.Upsert(ctx, testRecord(3600, 13, true, "writer_b"))
	}()
	wg.Wait()

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	// The success row wins regardless of write ordering.
	assert.True(t, records[0].Success)
	assert.Equal(t, "writer_b", records[0].Status)
}

func TestConcurrentFailureUpsertsLeaveOneRow(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, status := range []string{"writer_a", "writer_b"} {
		wg.Add(1)
		go func(status string) {
			defer wg.Done()
			_ = l.Upsert(ctx, testRecord(3600, 13, false, status))
		}(status)
	}
	wg.Wait()

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Contains(t, []string{"writer_a", "writer_b"}, records[0].Status)
}

func TestWriteAndLockTimeoutCounters(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	writesBefore := testutil.ToFloat64(metrics.LedgerWritesTotal)
	require.NoError(t, l.Upsert(ctx, testRecord(3600, 13, false, "attempt")))
	assert.Equal(t, writesBefore+1, testutil.ToFloat64(metrics.LedgerWritesTotal))

	// Hold the lock from a second handle so the write times out and
	// proceeds unlocked.
	held := flock.New(l.Path() + ".lock")
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	short := New(l.Path(), WithLockTimeout(50*time.Millisecond), WithLockPoll(10*time.Millisecond))
	timeoutsBefore := testutil.ToFloat64(metrics.LedgerLockTimeoutsTotal)
	require.NoError(t, short.Upsert(ctx, testRecord(7200, 13, false, "unlocked")))
	assert.Equal(t, timeoutsBefore+1, testutil.ToFloat64(metrics.LedgerLockTimeoutsTotal))
}
