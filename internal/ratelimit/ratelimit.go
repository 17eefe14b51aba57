// Package ratelimit bounds how often one key may act inside a sliding time
// window. Rejected attempts are not recorded.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLimit  = 10
	DefaultWindow = 30 * time.Second
)

// Limiter reports whether key may act at now, recording the attempt when it
// may.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

// SlidingWindow keeps per-key timestamps in process memory.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (s *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= s.window {
		s.sweepLocked(now)
	}
	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if now.Sub(t) < s.window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.limit {
		s.hits[key] = kept
		return false, nil
	}
	s.hits[key] = append(kept, now)
	return true, nil
}

// sweepLocked forgets keys with no hit inside the window. Hits are appended
// in call order, so the last one is the newest.
func (s *SlidingWindow) sweepLocked(now time.Time) {
	for key, ts := range s.hits {
		if len(ts) == 0 || now.Sub(ts[len(ts)-1]) >= s.window {
			delete(s.hits, key)
		}
	}
	s.lastSweep = now
}

// slidingWindowScript prunes entries older than the window, then admits and
// records the attempt only while the set holds fewer than limit entries.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis shares the window across server instances using one sorted set per
// key scored by millisecond timestamps.
type Redis struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

func NewRedis(client redis.Scripter, prefix string, limit int, window time.Duration) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if prefix == "" {
		prefix = "ratelimit:search:"
	}
	return &Redis{client: client, prefix: prefix, limit: limit, window: window}
}

func (r *Redis) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	ms := now.UnixMilli()
	member := strconv.FormatInt(ms, 10) + ":" + uuid.NewString()
	n, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		ms, r.window.Milliseconds(), r.limit, member).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return n == 1, nil
}
