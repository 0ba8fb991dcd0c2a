// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultWorkflowRateLimit is how many workflows an owner may start per minute.
const DefaultWorkflowRateLimit = 10

// RateLimiter limits requests per key over a one minute window.
type RateLimiter interface {
	// Allow returns a *RateLimitError when key is over its limit.
	Allow(ctx context.Context, key string) error
}

// RateLimitError is returned when a key exceeded its limit.
type RateLimitError struct {
	Count int64
	Limit int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests/minute (limit: %d)", e.Count, e.Limit)
}

// InMemoryRateLimiter is a fixed-window limiter for a single instance.
type InMemoryRateLimiter struct {
	limit   int
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	count     int64
	resetTime time.Time
}

// NewInMemoryRateLimiter allows limit requests per key and minute.
func NewInMemoryRateLimiter(limit int) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		limit:   limit,
		now:     time.Now,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow implements RateLimiter.
func (l *InMemoryRateLimiter) Allow(_ context.Context, key string) error {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[key]
	if !exists || now.After(entry.resetTime) {
		l.entries[key] = &rateLimitEntry{count: 1, resetTime: now.Add(time.Minute)}
		l.prune(now)
		return nil
	}

	entry.count++
	if entry.count > int64(l.limit) {
		return &RateLimitError{Count: entry.count, Limit: l.limit}
	}
	return nil
}

// prune drops expired windows so idle owners do not accumulate.
func (l *InMemoryRateLimiter) prune(now time.Time) {
	for key, entry := range l.entries {
		if now.After(entry.resetTime) {
			delete(l.entries, key)
		}
	}
}

// RedisRateLimiter is a sliding-window limiter shared by every instance
// using the same Redis.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	prefix string
	now    func() time.Time
}

// NewRedisRateLimiter allows limit requests per key and minute.
func NewRedisRateLimiter(client *redis.Client, limit int) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		prefix: redisKeyPrefix + "ratelimit:",
		now:    time.Now,
	}
}

// Allow implements RateLimiter. Redis errors fail open.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) error {
	now := l.now()
	redisKey := l.prefix + key

	pipe := l.client.Pipeline()
	// Remove timestamps older than the window, then count what is left.
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-time.Minute).UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, redisKey, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Warning: Redis rate limit check failed for %s: %v (failing open)", key, err)
		return nil
	}

	// ZCARD ran before this request was added.
	count := countCmd.Val() + 1
	if count > int64(l.limit) {
		return &RateLimitError{Count: count, Limit: l.limit}
	}
	return nil
}
