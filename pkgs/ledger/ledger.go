package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/metrics"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/windowing"
)

// Ledger is the durable record of submission attempts: a CSV file with a
// fixed header, guarded by a lock file for cross-process writers, written
// via temp-file-plus-rename so a crash never leaves a half-written file.
//
// Lock acquisition is best effort. After LockTimeout the write proceeds
// unlocked: losing one audit row to a race is preferable to stalling a
// time-boxed competition loop indefinitely. The single-success-per-key
// invariant survives either way because every write is a full
// read-merge-rewrite.
type Ledger struct {
	path        string
	lockTimeout time.Duration
	lockPoll    time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTimeout bounds how long Upsert waits for the lock file before
// proceeding unlocked.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.lockTimeout = d }
}

// WithLockPoll sets the polling interval while waiting for the lock.
func WithLockPoll(d time.Duration) Option {
	return func(l *Ledger) { l.lockPoll = d }
}

// New creates a Ledger over path. The file itself is created lazily by
// EnsureSchema.
func New(path string, opts ...Option) *Ledger {
	l := &Ledger{
		path:        path,
		lockTimeout: 10 * time.Second,
		lockPoll:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// EnsureSchema creates the ledger file with the current header if absent.
// If the file exists with a mismatched header, every data row is
// width-normalized to the current schema and the file is rewritten.
func (l *Ledger) EnsureSchema() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		if dir := filepath.Dir(l.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create ledger dir: %w", err)
			}
		}
		return l.writeAll(nil)
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	f.Close()
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	if len(rows) > 0 && equalHeader(rows[0], Columns) {
		return nil
	}

	log.WithFields(log.Fields{
		"path":    l.path,
		"rows":    max(0, len(rows)-1),
		"columns": len(Columns),
	}).Info("Migrating ledger to current schema")

	var records []Record
	for i, row := range rows {
		if i == 0 && looksLikeHeader(row) {
			continue
		}
		records = append(records, parseRow(row))
	}
	return l.writeAll(records)
}

// Upsert records one attempt: the row matching rec's WindowKey is replaced
// if present, else rec appends, so concurrent writers converge on exactly
// one row per key. The one exception is an existing success row, which is
// never displaced by a failure. The per-attempt history survives in the
// row's pipe-delimited status trace rather than as extra rows.
func (l *Ledger) Upsert(ctx context.Context, rec Record) error {
	unlock := l.acquireLock(ctx)
	defer unlock()

	records, err := l.readAll()
	if err != nil {
		return err
	}

	records = merge(records, rec)
	return l.writeAll(records)
}

func merge(records []Record, rec Record) []Record {
	key := rec.Key()

	if !rec.Success {
		for _, existing := range records {
			if existing.Key() == key && existing.Success {
				// Never displace a recorded success with a failure.
				log.WithField("key", key.String()).
					Debug("Ignoring failure upsert over an existing success row")
				return records
			}
		}
	}

	// Replace in place at the first match so row ordering stays stable;
	// any extra rows for the key (legacy files) collapse as well.
	out := make([]Record, 0, len(records)+1)
	replaced := false
	for _, existing := range records {
		if existing.Key() != key {
			out = append(out, existing)
			continue
		}
		if !replaced {
			out = append(out, rec)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, rec)
	}
	return out
}

// HasSuccess is the idempotency guard: true when a success row exists for
// key. Used before any transport attempt is made.
func (l *Ledger) HasSuccess(key windowing.WindowKey) (bool, error) {
	records, err := l.readAll()
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Key() == key && rec.Success {
			return true, nil
		}
	}
	return false, nil
}

// ReadAll returns every row currently in the ledger.
func (l *Ledger) ReadAll() ([]Record, error) {
	return l.readAll()
}

// Dedupe collapses rows sharing a WindowKey: a success row wins, otherwise
// the most recent (last-written) row survives. Offline maintenance pass,
// not part of the hot submission path.
func (l *Ledger) Dedupe(ctx context.Context) error {
	unlock := l.acquireLock(ctx)
	defer unlock()

	records, err := l.readAll()
	if err != nil {
		return err
	}

	best := map[windowing.WindowKey]int{}
	var order []windowing.WindowKey
	for i, rec := range records {
		key := rec.Key()
		prev, seen := best[key]
		if !seen {
			best[key] = i
			order = append(order, key)
			continue
		}
		if records[prev].Success {
			continue
		}
		// rec is a success or simply more recent.
		best[key] = i
	}

	deduped := make([]Record, 0, len(order))
	for _, key := range order {
		deduped = append(deduped, records[best[key]])
	}

	if len(deduped) != len(records) {
		log.WithFields(log.Fields{
			"path":    l.path,
			"before":  len(records),
			"after":   len(deduped),
		}).Info("Deduplicated ledger rows")
	}
	return l.writeAll(deduped)
}

// Backfill fills pending score/reward cells using resolve, which returns
// the new cells and whether a value was available. Like Dedupe this is an
// offline pass.
func (l *Ledger) Backfill(ctx context.Context, resolve func(Record) (score, reward string, ok bool)) error {
	unlock := l.acquireLock(ctx)
	defer unlock()

	records, err := l.readAll()
	if err != nil {
		return err
	}

	updated := 0
	for i, rec := range records {
		if rec.Score != PendingCell && rec.Reward != PendingCell {
			continue
		}
		score, reward, ok := resolve(rec)
		if !ok {
			continue
		}
		if rec.Score == PendingCell {
			records[i].Score = score
		}
		if rec.Reward == PendingCell {
			records[i].Reward = reward
		}
		updated++
	}

	if updated == 0 {
		return nil
	}
	log.WithFields(log.Fields{"path": l.path, "updated": updated}).
		Info("Backfilled pending score/reward cells")
	return l.writeAll(records)
}

// Summary aggregates the ledger for operational visibility.
type Summary struct {
	TotalRows     int        `json:"total_rows"`
	SuccessRows   int        `json:"success_rows"`
	FailureRows   int        `json:"failure_rows"`
	PendingScores int        `json:"pending_scores"`
	LastSuccess   *Record    `json:"last_success,omitempty"`
	LastAttempt   *Record    `json:"last_attempt,omitempty"`
}

// Summarize computes a Summary over the current file contents.
func (l *Ledger) Summarize() (Summary, error) {
	records, err := l.readAll()
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{TotalRows: len(records)}
	for i := range records {
		rec := records[i]
		if rec.Success {
			sum.SuccessRows++
			if sum.LastSuccess == nil || rec.WindowStart >= sum.LastSuccess.WindowStart {
				sum.LastSuccess = &records[i]
			}
		} else {
			sum.FailureRows++
		}
		if rec.Score == PendingCell || rec.Reward == PendingCell {
			sum.PendingScores++
		}
		if sum.LastAttempt == nil || rec.WindowStart >= sum.LastAttempt.WindowStart {
			sum.LastAttempt = &records[i]
		}
	}
	return sum, nil
}

func (l *Ledger) readAll() ([]Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var records []Record
	for i, row := range rows {
		if i == 0 && looksLikeHeader(row) {
			continue
		}
		records = append(records, parseRow(row))
	}
	return records, nil
}

// writeAll writes header plus records to a temp file and atomically
// renames it over the target.
func (l *Ledger) writeAll(records []Record) error {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	writer := csv.NewWriter(tmp)
	if err := writer.Write(Columns); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger header: %w", err)
	}
	for _, rec := range records {
		if err := writer.Write(rec.toRow()); err != nil {
			tmp.Close()
			return fmt.Errorf("write ledger row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	metrics.LedgerWritesTotal.Inc()
	return nil
}

// acquireLock takes the cross-process lock file, waiting up to lockTimeout
// with polling. On timeout it logs and returns a no-op unlock: the write
// proceeds unlocked rather than deadlocking the pipeline.
func (l *Ledger) acquireLock(ctx context.Context) func() {
	lock := flock.New(l.path + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, l.lockPoll)
	if err != nil || !ok {
		metrics.LedgerLockTimeoutsTotal.Inc()
		log.WithFields(log.Fields{
			"path":    l.path,
			"timeout": l.lockTimeout,
		}).Warnf("Proceeding without ledger lock (degraded): %v", err)
		return func() {}
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			log.Debugf("Failed to release ledger lock: %v", err)
		}
	}
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// looksLikeHeader distinguishes a header row from a data row during
// migration of files whose header predates the current schema.
func looksLikeHeader(row []string) bool {
	return len(row) > 0 && row[0] == "timestamp_utc"
}
