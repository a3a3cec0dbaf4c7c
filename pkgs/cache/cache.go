// Package cache is the submitter's warm state layer: last-used nonces,
// last evaluated topic states and component heartbeats, kept in a local
// LRU with an optional Redis backend behind it. Redis being down degrades
// the cache to process-local, it never fails the caller.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/topic"
)

// Cache is the two-layer store. The zero value is unusable; build one
// with New.
type Cache struct {
	redis *redis.Client // nil in local-only mode
	keys  KeyBuilder
	local *lru.Cache[string, string]
	ttl   time.Duration
}

// New connects to Redis at redisURL (empty for local-only mode) and
// builds the local LRU in front of it. A Redis that cannot be reached at
// startup is logged and dropped; the cache still works locally.
func New(redisURL string, keys KeyBuilder, localSize int, ttl time.Duration) (*Cache, error) {
	if localSize <= 0 {
		localSize = 256
	}
	local, err := lru.New[string, string](localSize)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}

	c := &Cache{keys: keys, local: local, ttl: ttl}
	if redisURL == "" {
		log.Info("No Redis configured, cache running local-only")
		return c, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warnf("Redis unreachable, cache degraded to local-only: %v", err)
		_ = client.Close()
		return c, nil
	}

	c.redis = client
	log.WithField("addr", opts.Addr).Info("Cache connected to Redis")
	return c, nil
}

// Close releases the Redis connection if one was established.
func (c *Cache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// LastNonce returns the last nonce stored for a topic. Local LRU first,
// Redis second; a Redis miss or error is just a miss.
func (c *Cache) LastNonce(ctx context.Context, topicID uint64) (int64, bool) {
	key := c.keys.Nonce(topicID)

	if raw, ok := c.local.Get(key); ok {
		if nonce, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return nonce, true
		}
	}

	if c.redis == nil {
		return 0, false
	}
	raw, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debugf("Redis nonce read failed: %v", err)
		}
		return 0, false
	}
	nonce, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	c.local.Add(key, raw)
	return nonce, true
}

// StoreNonce records the nonce used for a topic. Write-through: local
// first so the value survives a Redis outage within this process.
func (c *Cache) StoreNonce(ctx context.Context, topicID uint64, nonce int64) {
	key := c.keys.Nonce(topicID)
	raw := strconv.FormatInt(nonce, 10)
	c.local.Add(key, raw)

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		log.Debugf("Redis nonce write failed: %v", err)
	}
}

// StoreTopicState persists the last evaluation result for a topic so a
// restart (or the monitor API) can see it without re-probing.
func (c *Cache) StoreTopicState(ctx context.Context, state *topic.State) {
	if state == nil {
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		log.Debugf("Topic state marshal failed: %v", err)
		return
	}
	key := c.keys.TopicState(state.TopicID)
	c.local.Add(key, string(payload))

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Debugf("Redis topic state write failed: %v", err)
	}
}

// LastTopicState returns the most recently stored evaluation for a topic.
func (c *Cache) LastTopicState(ctx context.Context, topicID uint64) (*topic.State, bool) {
	key := c.keys.TopicState(topicID)

	raw, ok := c.local.Get(key)
	if !ok && c.redis != nil {
		fromRedis, err := c.redis.Get(ctx, key).Result()
		if err != nil {
			return nil, false
		}
		raw = fromRedis
		c.local.Add(key, raw)
		ok = true
	}
	if !ok {
		return nil, false
	}

	var state topic.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		log.Debugf("Topic state unmarshal failed: %v", err)
		return nil, false
	}
	return &state, true
}

// Beat writes a liveness beacon for component, expiring after ttl so a
// dead process disappears from monitoring on its own.
func (c *Cache) Beat(ctx context.Context, component string, ttl time.Duration) {
	key := c.keys.Heartbeat(component)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	c.local.Add(key, now)

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, now, ttl).Err(); err != nil {
		log.Debugf("Redis heartbeat write failed: %v", err)
	}
}

// LastBeat returns the unix time of a component's last heartbeat.
func (c *Cache) LastBeat(ctx context.Context, component string) (int64, bool) {
	key := c.keys.Heartbeat(component)

	raw, ok := c.local.Get(key)
	if !ok && c.redis != nil {
		fromRedis, err := c.redis.Get(ctx, key).Result()
		if err != nil {
			return 0, false
		}
		raw = fromRedis
		ok = true
	}
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
