package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/topic"
)

func localCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New("", NewKeyBuilder("allora-testnet-1", "allo1wallet"), 16, time.Hour)
	require.NoError(t, err)
	return c
}

func TestNonceRoundTripLocalOnly(t *testing.T) {
	c := localCache(t)
	ctx := context.Background()

	_, ok := c.LastNonce(ctx, 13)
	assert.False(t, ok)

	c.StoreNonce(ctx, 13, 123456)
	nonce, ok := c.LastNonce(ctx, 13)
	require.True(t, ok)
	assert.Equal(t, int64(123456), nonce)

	// Different topic stays a miss.
	_, ok = c.LastNonce(ctx, 14)
	assert.False(t, ok)
}

func TestTopicStateRoundTrip(t *testing.T) {
	c := localCache(t)
	ctx := context.Background()

	stake := 5000.0
	c.StoreTopicState(ctx, &topic.State{
		TopicID:        13,
		IsActive:       true,
		DelegatedStake: &stake,
		Window:         topic.WindowState{IsOpen: true, Confidence: true},
	})

	state, ok := c.LastTopicState(ctx, 13)
	require.True(t, ok)
	assert.True(t, state.IsActive)
	require.NotNil(t, state.DelegatedStake)
	assert.Equal(t, 5000.0, *state.DelegatedStake)
	assert.True(t, state.Window.IsOpen)

	_, ok = c.LastTopicState(ctx, 99)
	assert.False(t, ok)
}

func TestHeartbeat(t *testing.T) {
	c := localCache(t)
	ctx := context.Background()

	_, ok := c.LastBeat(ctx, "submitter")
	assert.False(t, ok)

	before := time.Now().Unix()
	c.Beat(ctx, "submitter", time.Minute)
	ts, ok := c.LastBeat(ctx, "submitter")
	require.True(t, ok)
	assert.GreaterOrEqual(t, ts, before)
}

func TestKeyBuilderNamespacing(t *testing.T) {
	kb := NewKeyBuilder("allora-testnet-1", "allo1wallet")
	assert.Equal(t, "allora-testnet-1:allo1wallet:nonce:13", kb.Nonce(13))
	assert.Equal(t, "allora-testnet-1:allo1wallet:topic:13:state", kb.TopicState(13))
	assert.Equal(t, "allora-testnet-1:allo1wallet:heartbeat:submitter", kb.Heartbeat("submitter"))
	assert.Equal(t, "allora-testnet-1:allo1wallet:topic:13:window_params", kb.WindowParams(13))
}
