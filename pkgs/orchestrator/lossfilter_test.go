package orchestrator

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLossFilterNeedsMinimumSamples(t *testing.T) {
	f := NewLossFilter(0.9, 24, 5)
	for i := 0; i < 4; i++ {
		f.Observe(13, -2.0)
	}
	assert.False(t, f.Anomalous(13, 100.0), "below minSamples nothing is flagged")
}

func TestLossFilterFlagsAboveQuantile(t *testing.T) {
	f := NewLossFilter(0.5, 24, 5)
	for _, loss := range []float64{-2.0, -2.1, -1.9, -2.05, -1.95} {
		f.Observe(13, loss)
	}
	assert.True(t, f.Anomalous(13, -1.0))
	assert.False(t, f.Anomalous(13, -2.2))
}

func TestLossFilterRollingWindowEvictsOldHistory(t *testing.T) {
	f := NewLossFilter(0.9, 5, 5)
	for i := 0; i < 5; i++ {
		f.Observe(13, -10.0)
	}
	// Shift the regime: once old samples rotate out, the old level is no
	// longer anomalous by comparison.
	assert.True(t, f.Anomalous(13, -1.0))
	for i := 0; i < 5; i++ {
		f.Observe(13, -1.0)
	}
	assert.False(t, f.Anomalous(13, -1.0))
}

func TestLossFilterHistoryIsPerTopic(t *testing.T) {
	f := NewLossFilter(0.9, 24, 5)
	for i := 0; i < 5; i++ {
		f.Observe(13, -10.0)
	}

	// Topic 14 has no history of its own; topic 13's tight regime must
	// not flag it.
	assert.False(t, f.Anomalous(14, -1.0))
	assert.True(t, f.Anomalous(13, -1.0))

	// Once topic 14 accumulates its own looser history, -1.0 is normal
	// there while topic 13 still flags it.
	for i := 0; i < 5; i++ {
		f.Observe(14, -1.0)
	}
	assert.False(t, f.Anomalous(14, -1.0))
	assert.True(t, f.Anomalous(13, -1.0))
}

func TestLossFilterConcurrentObservers(t *testing.T) {
	f := NewLossFilter(0.9, 24, 5)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(topicID uint64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f.Observe(topicID, -2.0)
				f.Anomalous(topicID, -1.0)
			}
		}(uint64(i % 2))
	}
	wg.Wait()

	assert.True(t, f.Anomalous(0, -1.0))
	assert.True(t, f.Anomalous(1, -1.0))
}

func TestLossFilterIgnoresNonFiniteObservations(t *testing.T) {
	f := NewLossFilter(0.9, 24, 1)
	f.Observe(13, math.NaN())
	f.Observe(13, math.Inf(1))
	assert.False(t, f.Anomalous(13, 0.0))
	f.Observe(13, -2.0)
	assert.True(t, f.Anomalous(13, 0.0))
}

func TestLossFilterDefaultsOnBadParameters(t *testing.T) {
	f := NewLossFilter(-1, 0, 0)
	assert.Equal(t, 0.9, f.quantile)
	assert.Equal(t, 24, f.window)
	assert.Equal(t, 5, f.minSamples)
}
