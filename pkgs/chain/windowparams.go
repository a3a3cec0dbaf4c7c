package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/query"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/topic"
)

// WindowParams is the near-static epoch geometry of one topic, used for
// scheduling submission cycles.
type WindowParams struct {
	EpochLength      int64 `json:"epoch_length"`
	SubmissionWindow int64 `json:"submission_window"`
}

// WindowParamsFetcher fetches epoch geometry with a TTL cache in front.
// The values change only on topic reconfiguration, so hammering the
// network for them every cycle is wasted load.
type WindowParamsFetcher struct {
	sources topic.Sources
	timeout time.Duration
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[uint64]*cachedParams
}

type cachedParams struct {
	params    *WindowParams
	expiresAt time.Time
}

// NewWindowParamsFetcher builds a fetcher over sources with the given
// cache TTL.
func NewWindowParamsFetcher(sources topic.Sources, probeTimeout, cacheTTL time.Duration) *WindowParamsFetcher {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &WindowParamsFetcher{
		sources: sources,
		timeout: probeTimeout,
		ttl:     cacheTTL,
		cache:   make(map[uint64]*cachedParams),
	}
}

// Fetch returns the topic's epoch geometry, from cache when fresh.
func (f *WindowParamsFetcher) Fetch(ctx context.Context, topicID uint64) (*WindowParams, error) {
	f.mu.RLock()
	if cached, exists := f.cache[topicID]; exists && time.Now().Before(cached.expiresAt) {
		f.mu.RUnlock()
		log.WithFields(log.Fields{
			"topic_id":     topicID,
			"epoch_length": cached.params.EpochLength,
		}).Debug("Using cached window params")
		return cached.params, nil
	}
	f.mu.RUnlock()

	params, err := f.fetch(ctx, topicID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[topicID] = &cachedParams{params: params, expiresAt: time.Now().Add(f.ttl)}
	f.mu.Unlock()

	log.WithFields(log.Fields{
		"topic_id":          topicID,
		"epoch_length":      params.EpochLength,
		"submission_window": params.SubmissionWindow,
	}).Info("Fetched window params")
	return params, nil
}

// Invalidate drops the cached entry for a topic, forcing the next Fetch
// to hit the network.
func (f *WindowParamsFetcher) Invalidate(topicID uint64) {
	f.mu.Lock()
	delete(f.cache, topicID)
	f.mu.Unlock()
}

func (f *WindowParamsFetcher) fetch(ctx context.Context, topicID uint64) (*WindowParams, error) {
	epoch := f.queryFact(ctx, topic.FactEpochLength, topicID)
	if !epoch.Found {
		return nil, fmt.Errorf("epoch length unavailable for topic %d", topicID)
	}
	window := f.queryFact(ctx, topic.FactSubmissionWindow, topicID)
	if !window.Found {
		return nil, fmt.Errorf("submission window unavailable for topic %d", topicID)
	}

	return &WindowParams{
		EpochLength:      int64(epoch.Number),
		SubmissionWindow: int64(window.Number),
	}, nil
}

func (f *WindowParamsFetcher) queryFact(ctx context.Context, fact string, topicID uint64) query.Outcome {
	q := query.Query{
		Fact:    fact,
		Aliases: topic.FactAliases(fact),
		Probes:  f.sources.ProbesFor(fact, topicID),
		Timeout: f.timeout,
		Numeric: true,
	}
	return query.Run(ctx, q)
}
