package orchestrator

import (
	"math"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LossFilter flags forecasts whose loss is anomalously poor relative to a
// rolling window of recent history. A flagged forecast is skipped rather
// than submitted: paying gas to post a known-bad value lowers the score
// for the whole epoch. History is kept per topic so one topic's loss
// regime never shifts another's threshold, and the filter is safe for
// concurrent use by the per-topic submission loops.
type LossFilter struct {
	quantile   float64
	window     int
	minSamples int

	mu      sync.Mutex
	history map[uint64][]float64
}

// NewLossFilter builds a filter keeping the last window losses per topic
// and flagging values above the configured quantile of that history. At
// least minSamples observations are required before anything is flagged.
func NewLossFilter(quantile float64, window, minSamples int) *LossFilter {
	if quantile <= 0 || quantile >= 1 {
		quantile = 0.9
	}
	if window <= 0 {
		window = 24
	}
	if minSamples <= 0 {
		minSamples = 5
	}
	return &LossFilter{
		quantile:   quantile,
		window:     window,
		minSamples: minSamples,
		history:    map[uint64][]float64{},
	}
}

// Anomalous reports whether loss is worse than the rolling quantile of
// the topic's recent history. With too little history nothing is flagged.
func (f *LossFilter) Anomalous(topicID uint64, loss float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	hist := f.history[topicID]
	if len(hist) < f.minSamples {
		return false
	}
	threshold := quantileValue(hist, f.quantile)
	if loss > threshold {
		log.WithFields(log.Fields{
			"topic_id":  topicID,
			"loss":      loss,
			"threshold": threshold,
			"quantile":  f.quantile,
			"samples":   len(hist),
		}).Warn("Forecast loss anomalously poor, flagging")
		return true
	}
	return false
}

// Observe records a loss into the topic's rolling window.
func (f *LossFilter) Observe(topicID uint64, loss float64) {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	hist := append(f.history[topicID], loss)
	if len(hist) > f.window {
		hist = hist[len(hist)-f.window:]
	}
	f.history[topicID] = hist
}

func quantileValue(hist []float64, quantile float64) float64 {
	sorted := append([]float64(nil), hist...)
	sort.Float64s(sorted)
	idx := quantile * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
