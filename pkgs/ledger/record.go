package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/windowing"
)

// Cell sentinels. Every cell in the file is either a normalized literal or
// one of these, so the file stays diff-stable across rewrites.
const (
	NullCell    = "null"
	PendingCell = "pending"
)

// Columns is the versioned schema, in file order. Changing it requires a
// migration path in EnsureSchema.
var Columns = []string{
	"timestamp_utc", "topic_id", "value", "wallet", "nonce", "tx_hash",
	"success", "exit_code", "status", "log10_loss", "score", "reward",
}

// Record is one ledger row: a single submission attempt (or the surviving
// success) for one window of one topic.
type Record struct {
	WindowStart int64 // unix seconds UTC, cadence-aligned
	TopicID     uint64
	Value       *float64
	Wallet      string
	Nonce       *int64
	TxHash      string
	Success     bool
	ExitCode    int
	Status      string
	Log10Loss   *float64
	Score       string // numeric literal, PendingCell or empty (null)
	Reward      string // numeric literal, PendingCell or empty (null)
}

// Key returns the row's identity: at most one success row may exist per Key.
func (r Record) Key() windowing.WindowKey {
	return windowing.WindowKey{WindowStart: r.WindowStart, TopicID: r.TopicID}
}

// toRow normalizes the record into file cells.
func (r Record) toRow() []string {
	return []string{
		time.Unix(r.WindowStart, 0).UTC().Format(time.RFC3339),
		strconv.FormatUint(r.TopicID, 10),
		formatFloat(r.Value),
		stringOrNull(r.Wallet),
		formatInt(r.Nonce),
		stringOrNull(r.TxHash),
		strconv.FormatBool(r.Success),
		strconv.Itoa(r.ExitCode),
		stringOrNull(r.Status),
		formatFloat(r.Log10Loss),
		stringOrNull(r.Score),
		stringOrNull(r.Reward),
	}
}

// parseRow reads a normalized (or width-padded legacy) row back into a
// Record. Cells that fail to parse become nulls rather than errors: the
// ledger must stay readable even if an operator hand-edited a row.
func parseRow(row []string) Record {
	row = padRow(row, len(Columns))
	rec := Record{}

	if ts, err := time.Parse(time.RFC3339, row[0]); err == nil {
		rec.WindowStart = ts.Unix()
	}
	if id, err := strconv.ParseUint(row[1], 10, 64); err == nil {
		rec.TopicID = id
	}
	rec.Value = parseFloat(row[2])
	rec.Wallet = cellString(row[3])
	rec.Nonce = parseInt(row[4])
	rec.TxHash = cellString(row[5])
	rec.Success = row[6] == "true"
	if code, err := strconv.Atoi(row[7]); err == nil {
		rec.ExitCode = code
	}
	rec.Status = cellString(row[8])
	rec.Log10Loss = parseFloat(row[9])
	rec.Score = cellString(row[10])
	rec.Reward = cellString(row[11])
	return rec
}

func padRow(row []string, width int) []string {
	for len(row) < width {
		row = append(row, NullCell)
	}
	return row[:width]
}

func formatFloat(v *float64) string {
	if v == nil {
		return NullCell
	}
	return strconv.FormatFloat(*v, 'f', 8, 64)
}

func formatInt(v *int64) string {
	if v == nil {
		return NullCell
	}
	return strconv.FormatInt(*v, 10)
}

func stringOrNull(s string) string {
	if s == "" {
		return NullCell
	}
	return s
}

func cellString(s string) string {
	if s == NullCell {
		return ""
	}
	return s
}

func parseFloat(s string) *float64 {
	if s == NullCell || s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseInt(s string) *int64 {
	if s == NullCell || s == "" {
		return nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &i
}

// Float64 and Int64 are pointer helpers for building records.
func Float64(v float64) *float64 { return &v }
func Int64(v int64) *int64       { return &v }

func (r Record) String() string {
	return fmt.Sprintf("Record{key=%s success=%t status=%s}", r.Key(), r.Success, r.Status)
}
