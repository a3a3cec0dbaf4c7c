// Package chain builds the network-facing probe sets the topic evaluator
// runs: REST calls against the chain's LCD API, the network CLI as a
// fallback, and the last cached evaluation as a stale last resort.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/cache"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/metrics"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/query"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/topic"
)

// Config locates the network surfaces probes run against.
type Config struct {
	APIBaseURL  string // LCD REST endpoint, e.g. https://api.testnet.allora.network
	CLIBinary   string // network client binary, e.g. allorad
	NodeRPC     string // --node argument for the CLI
	ChainID     string
	HTTPTimeout time.Duration
	CLITimeout  time.Duration
}

// Client implements topic.Sources over the configured network surfaces.
type Client struct {
	cfg   Config
	http  *retryablehttp.Client
	store *cache.Cache // optional stale-state fallback
}

// New builds a Client. store may be nil; without it the cached-state
// fallback probe is simply absent.
func New(cfg Config, store *cache.Cache) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.CLITimeout <= 0 {
		cfg.CLITimeout = 15 * time.Second
	}
	return &Client{
		cfg:   cfg,
		http:  query.NewHTTPClient(cfg.HTTPTimeout),
		store: store,
	}
}

// ProbesFor returns the probe chain for one fact, in priority order:
// fact-specific REST endpoint, full topic REST document, CLI, cached
// state. Later probes only run when earlier ones fail or lack the fact.
func (c *Client) ProbesFor(fact string, topicID uint64) []query.Probe {
	var probes []query.Probe

	if c.cfg.APIBaseURL != "" {
		primary := c.restPath(fact, topicID)
		probes = append(probes, query.RESTProbe{
			ProbeName: "rest:" + fact,
			URL:       primary,
			Client:    c.http,
		})
		if generic := c.topicPath(topicID); generic != primary && fact != topic.FactBlockHeight {
			probes = append(probes, query.RESTProbe{
				ProbeName: "rest:topic",
				URL:       generic,
				Client:    c.http,
			})
		}
	}

	if c.cfg.CLIBinary != "" {
		probes = append(probes, query.CLIProbe{
			ProbeName: "cli:" + fact,
			Binary:    c.cfg.CLIBinary,
			Args:      c.cliArgs(fact, topicID),
			Timeout:   c.cfg.CLITimeout,
		})
	}

	if c.store != nil && fact != topic.FactBlockHeight {
		probes = append(probes, c.cachedStateProbe(topicID))
	}

	for i := range probes {
		probes[i] = instrumented{fact: fact, Probe: probes[i]}
	}
	return probes
}

func (c *Client) topicPath(topicID uint64) string {
	return fmt.Sprintf("%s/emissions/v9/topic/%d", c.cfg.APIBaseURL, topicID)
}

func (c *Client) restPath(fact string, topicID uint64) string {
	switch fact {
	case topic.FactActive:
		return fmt.Sprintf("%s/emissions/v9/is_topic_active/%d", c.cfg.APIBaseURL, topicID)
	case topic.FactDelegatedStake:
		return fmt.Sprintf("%s/emissions/v9/topic_stake/%d", c.cfg.APIBaseURL, topicID)
	case topic.FactUnfulfilledNonce:
		return fmt.Sprintf("%s/emissions/v9/unfulfilled_worker_nonces/%d", c.cfg.APIBaseURL, topicID)
	case topic.FactBlockHeight:
		return c.cfg.APIBaseURL + "/cosmos/base/tendermint/v1beta1/blocks/latest"
	default:
		// Revenue, reputers, epoch geometry all live on the topic document.
		return c.topicPath(topicID)
	}
}

func (c *Client) cliArgs(fact string, topicID uint64) []string {
	id := strconv.FormatUint(topicID, 10)

	var args []string
	switch fact {
	case topic.FactBlockHeight:
		args = []string{"status"}
	case topic.FactActive:
		args = []string{"query", "emissions", "is-topic-active", id}
	case topic.FactDelegatedStake:
		args = []string{"query", "emissions", "topic-stake", id}
	case topic.FactUnfulfilledNonce:
		args = []string{"query", "emissions", "unfulfilled-worker-nonces", id}
	default:
		args = []string{"query", "emissions", "topic", id}
	}

	if c.cfg.NodeRPC != "" {
		args = append(args, "--node", c.cfg.NodeRPC)
	}
	return append(args, "--output", "json")
}

// cachedStateProbe serves the last stored evaluation as JSON. Stale by
// definition, so it sits last in the chain; its field names line up with
// the evaluator's fact aliases.
func (c *Client) cachedStateProbe(topicID uint64) query.Probe {
	return query.FuncProbe{
		ProbeName: "cache:topic_state",
		Fn: func(ctx context.Context) (gjson.Result, error) {
			state, ok := c.store.LastTopicState(ctx, topicID)
			if !ok {
				return gjson.Result{}, query.Unreachable(errors.New("no cached state"))
			}
			payload, err := stateJSON(state)
			if err != nil {
				return gjson.Result{}, err
			}
			return gjson.ParseBytes(payload), nil
		},
	}
}

func stateJSON(state *topic.State) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal cached state: %w", err)
	}
	return payload, nil
}

// instrumented wraps a probe to count its failures.
type instrumented struct {
	fact string
	query.Probe
}

func (p instrumented) Fetch(ctx context.Context) (gjson.Result, error) {
	res, err := p.Probe.Fetch(ctx)
	if err != nil {
		kind := "error"
		switch {
		case query.IsUnreachable(err):
			kind = "unreachable"
		case errors.Is(err, query.ErrMalformedPayload):
			kind = "malformed"
		}
		metrics.ProbeFailuresTotal.WithLabelValues(p.fact, kind).Inc()
	}
	return res, err
}
