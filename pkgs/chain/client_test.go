package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/query"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/topic"
)

func testClient() *Client {
	return New(Config{
		APIBaseURL: "https://api.testnet.example.network",
		CLIBinary:  "allorad",
		NodeRPC:    "https://rpc.testnet.example.network:443",
		ChainID:    "allora-testnet-1",
	}, nil)
}

func probeNames(probes []query.Probe) []string {
	names := make([]string, len(probes))
	for i, p := range probes {
		names[i] = p.Name()
	}
	return names
}

func TestProbesForOrdering(t *testing.T) {
	c := testClient()

	names := probeNames(c.ProbesFor(topic.FactDelegatedStake, 13))
	assert.Equal(t, []string{"rest:delegated_stake", "rest:topic", "cli:delegated_stake"}, names)

	// Facts served straight off the topic document get no second REST probe.
	names = probeNames(c.ProbesFor(topic.FactEpochLength, 13))
	assert.Equal(t, []string{"rest:epoch_length", "cli:epoch_length"}, names)

	// Block height is chain-wide, never the topic document.
	names = probeNames(c.ProbesFor(topic.FactBlockHeight, 13))
	assert.Equal(t, []string{"rest:block_height", "cli:block_height"}, names)
}

func TestProbesForPartialConfig(t *testing.T) {
	restOnly := New(Config{APIBaseURL: "https://api.example.network"}, nil)
	assert.Equal(t, []string{"rest:active"}, probeNames(restOnly.ProbesFor(topic.FactActive, 13)))

	cliOnly := New(Config{CLIBinary: "allorad"}, nil)
	assert.Equal(t, []string{"cli:active"}, probeNames(cliOnly.ProbesFor(topic.FactActive, 13)))
}

func TestRESTPaths(t *testing.T) {
	c := testClient()
	base := "https://api.testnet.example.network"

	assert.Equal(t, base+"/emissions/v9/is_topic_active/13", c.restPath(topic.FactActive, 13))
	assert.Equal(t, base+"/emissions/v9/topic_stake/13", c.restPath(topic.FactDelegatedStake, 13))
	assert.Equal(t, base+"/emissions/v9/unfulfilled_worker_nonces/13", c.restPath(topic.FactUnfulfilledNonce, 13))
	assert.Equal(t, base+"/emissions/v9/topic/13", c.restPath(topic.FactEffectiveRevenue, 13))
	assert.Equal(t, base+"/cosmos/base/tendermint/v1beta1/blocks/latest", c.restPath(topic.FactBlockHeight, 13))
}

func TestCLIArgs(t *testing.T) {
	c := testClient()

	assert.Equal(t,
		[]string{"query", "emissions", "topic", "13", "--node", "https://rpc.testnet.example.network:443", "--output", "json"},
		c.cliArgs(topic.FactEpochLength, 13))
	assert.Equal(t,
		[]string{"status", "--node", "https://rpc.testnet.example.network:443", "--output", "json"},
		c.cliArgs(topic.FactBlockHeight, 13))
}

// countingSources serves a fixed topic document and counts probe runs.
type countingSources struct {
	payload string
	fetches int
}

func (s *countingSources) ProbesFor(fact string, topicID uint64) []query.Probe {
	return []query.Probe{query.FuncProbe{
		ProbeName: "fake:" + fact,
		Fn: func(ctx context.Context) (gjson.Result, error) {
			s.fetches++
			return gjson.Parse(s.payload), nil
		},
	}}
}

func TestWindowParamsFetcherCachesByTTL(t *testing.T) {
	src := &countingSources{payload: `{"topic":{"epoch_length":"120","worker_submission_window":"12"}}`}
	f := NewWindowParamsFetcher(src, time.Second, time.Hour)
	ctx := context.Background()

	params, err := f.Fetch(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, int64(120), params.EpochLength)
	assert.Equal(t, int64(12), params.SubmissionWindow)
	first := src.fetches

	// Second fetch inside the TTL never probes.
	_, err = f.Fetch(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, first, src.fetches)

	f.Invalidate(13)
	_, err = f.Fetch(ctx, 13)
	require.NoError(t, err)
	assert.Greater(t, src.fetches, first)
}

func TestWindowParamsFetcherErrorsWhenGeometryMissing(t *testing.T) {
	src := &countingSources{payload: `{"topic":{"name":"eth-prediction"}}`}
	f := NewWindowParamsFetcher(src, time.Second, time.Hour)

	_, err := f.Fetch(context.Background(), 13)
	assert.Error(t, err)
}
