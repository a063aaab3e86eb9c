package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Redis is a ScoreCache backed by a shared Redis instance, for designs
// running several backtests against one memoization pool. Only float
// sub-scores live here: strconv round-trips them exactly, so the shared
// path cannot perturb results. Redis failures degrade to cache misses.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	mu    sync.Mutex
	stats Stats
}

// NewRedis wraps an existing Redis client as a score cache. Entries expire
// after ttl, which stands in for the in-process trim cycle.
func NewRedis(client *redis.Client, keyPrefix string, ttl time.Duration) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// GetFloat retrieves a float sub-score from Redis.
func (r *Redis) GetFloat(key string) (float64, bool) {
	res, err := r.client.Get(context.Background(), r.keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("redis score cache read failed")
		}
		r.count(func(s *Stats) { s.Misses++ })
		return 0, false
	}
	f, err := strconv.ParseFloat(res, 64)
	if err != nil {
		r.count(func(s *Stats) { s.Misses++ })
		return 0, false
	}
	r.count(func(s *Stats) { s.Hits++ })
	return f, true
}

// SetFloat stores a float sub-score in Redis.
func (r *Redis) SetFloat(key string, value float64) {
	err := r.client.Set(context.Background(), r.keyPrefix+key,
		strconv.FormatFloat(value, 'g', -1, 64), r.ttl).Err()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis score cache write failed")
		return
	}
	r.count(func(s *Stats) { s.Sets++ })
}

// Stats returns a copy of the performance counters.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Redis) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
