// Package ratelimit provides request limiters shared by HTTP middleware and
// the auth service.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result describes a limiter decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Memory is a per-key sliding window limiter for single-instance
// deployments.
type Memory struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewMemory creates a limiter and starts the background eviction goroutine.
func NewMemory(limit int, window time.Duration) *Memory {
	l := &Memory{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow records a request for key if it fits in the window.
func (l *Memory) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	var recent []time.Time
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.requests[key] = recent
		return Result{
			Limit:      l.limit,
			RetryAfter: recent[0].Add(l.window).Sub(now),
		}, nil
	}

	l.requests[key] = append(recent, now)
	return Result{Allowed: true, Limit: l.limit, Remaining: l.limit - len(recent) - 1}, nil
}

// Close stops the eviction goroutine.
func (l *Memory) Close() {
	l.once.Do(func() { close(l.done) })
}

// evictLoop periodically removes expired keys, preventing unbounded memory growth.
func (l *Memory) evictLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-l.window)
			for key, times := range l.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(l.requests, key)
				} else {
					l.requests[key] = fresh
				}
			}
			l.mu.Unlock()
		}
	}
}

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local interval_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + intervals)
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// Redis is a token bucket shared across instances. Each interval
// refills one token up to capacity.
type Redis struct {
	rdb            *redis.Client
	prefix         string
	capacity       int
	refillInterval time.Duration
	now            func() time.Time
}

// NewRedis creates a Redis-backed token bucket limiter.
func NewRedis(rdb *redis.Client, prefix string, capacity int, refillInterval time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, capacity: capacity, refillInterval: refillInterval, now: time.Now}
}

// Allow takes one token from key's bucket.
func (l *Redis) Allow(ctx context.Context, key string) (Result, error) {
	ttl := time.Duration(l.capacity) * l.refillInterval
	if ttl < time.Second {
		ttl = time.Second
	}

	vals, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.prefix + ":" + key},
		l.now().UnixMilli(),
		l.capacity,
		l.refillInterval.Milliseconds(),
		int64(math.Ceil(ttl.Seconds())),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("run token bucket: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected token bucket result: %v", vals)
	}

	return Result{
		Allowed:    vals[0] == 1,
		Limit:      l.capacity,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// NewRedisClient connects to Redis and pings it with a short timeout.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
