// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit enforces per-subject dispatch quotas over fixed time
// windows. The counter increment is conditional and atomic: two concurrent
// dispatches for the same subject can never both pass a check that,
// combined, exceeds the limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces rate window keys in Redis.
const keyPrefix = "cwc:rate:"

// CounterStore is the atomic counter primitive a Limiter needs.
// Implemented by RedisCounters; tests use an in-memory implementation.
type CounterStore interface {
	// IncrBelow increments the counter at key only if its current value is
	// below limit, and returns the resulting count and whether the
	// increment was applied. The key expires after ttl.
	IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, allowed bool, err error)
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter enforces a count limit per subject per window.
type Limiter struct {
	store  CounterStore
	scope  string
	window time.Duration
	limit  int64
	now    func() time.Time
}

// New creates a limiter. Scope namespaces the keys so independent limiters
// (per-user quota vs the delivery-agent ceiling) never collide.
func New(store CounterStore, scope string, window time.Duration, limit int64) *Limiter {
	return &Limiter{
		store:  store,
		scope:  scope,
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

// Check atomically consumes one slot for the subject in the current window.
// A denial carries the time until the window resets; the caller reports it
// as a rate_limited failure, never a silent drop.
func (l *Limiter) Check(ctx context.Context, subject string) (Decision, error) {
	now := l.now().UTC()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("%s%s:%s:%d", keyPrefix, l.scope, subject, windowStart.Unix())

	// TTL of two windows keeps the key alive for a retry-after hint while
	// guaranteeing eventual cleanup.
	count, allowed, err := l.store.IncrBelow(ctx, key, l.limit, 2*l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate window %s: %w", key, err)
	}

	if !allowed {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: windowStart.Add(l.window).Sub(now),
		}, nil
	}

	return Decision{Allowed: true, Remaining: l.limit - count}, nil
}

// incrBelowScript performs the conditional increment server-side so the
// check and the increment are one atomic step.
var incrBelowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return {current, 0}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {count, 1}
`)

// RedisCounters is the Redis-backed CounterStore.
type RedisCounters struct {
	rdb *redis.Client
}

// NewRedisCounters creates a CounterStore backed by Redis.
func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

// IncrBelow runs the conditional increment script.
func (c *RedisCounters) IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := incrBelowScript.Run(ctx, c.rdb, []string{key}, limit, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("rate limit EVAL: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	count, _ := res[0].(int64)
	applied, _ := res[1].(int64)
	return count, applied == 1, nil
}

// Ping checks the Redis connection.
func (c *RedisCounters) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}
