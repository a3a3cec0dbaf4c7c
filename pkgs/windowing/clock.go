package windowing

import (
	"fmt"
	"time"
)

// WindowKey identifies one submission opportunity: a cadence-aligned
// window start paired with the topic it belongs to.
type WindowKey struct {
	WindowStart int64  // unix seconds, UTC, cadence-aligned
	TopicID     uint64
}

// String renders the key in the form used for log fields and ledger lookups.
func (k WindowKey) String() string {
	return fmt.Sprintf("%d:%d", k.WindowStart, k.TopicID)
}

// WindowStart floors t to the nearest multiple of cadence seconds since the
// unix epoch. Windows are half-open [start, start+cadence), UTC only.
func WindowStart(t time.Time, cadence time.Duration) time.Time {
	secs := int64(cadence / time.Second)
	if secs <= 0 {
		return t.UTC()
	}
	floored := (t.UTC().Unix() / secs) * secs
	return time.Unix(floored, 0).UTC()
}

// NextWindow returns the start of the window following start.
func NextWindow(start time.Time, cadence time.Duration) time.Time {
	return start.UTC().Add(cadence)
}

// KeyFor builds the WindowKey for topicID at time t.
func KeyFor(t time.Time, cadence time.Duration, topicID uint64) WindowKey {
	return WindowKey{
		WindowStart: WindowStart(t, cadence).Unix(),
		TopicID:     topicID,
	}
}

// BlocksRemaining computes how many blocks are left in the current epoch
// given the chain height, the block at which the previous epoch ended and
// the epoch length in blocks. Returns 0 when epochLength is not positive.
func BlocksRemaining(current, lastEpochEnd, epochLength int64) int64 {
	if epochLength <= 0 {
		return 0
	}
	elapsed := (current - lastEpochEnd) % epochLength
	if elapsed < 0 {
		elapsed += epochLength
	}
	return epochLength - elapsed
}
