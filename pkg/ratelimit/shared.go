/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucketScript implements refill-and-take atomically so every replica
// sees the same bucket. KEYS[1] is the bucket hash; ARGV: capacity,
// default rate, now (unix millis), tokens requested.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local default_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'rate', 'last_refill')
local tokens = tonumber(state[1]) or capacity
local rate = tonumber(state[2]) or default_rate
local last = tonumber(state[3]) or now

local elapsed = math.max(0, now - last) / 1000.0
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'rate', rate, 'last_refill', now)
redis.call('EXPIRE', KEYS[1], 3600)
return allowed
`)

// adaptRateScript applies AIMD to the shared rate. ARGV: op
// (throttle|success), min rate, max rate, increment, default rate.
var adaptRateScript = redis.NewScript(`
local op = ARGV[1]
local min_rate = tonumber(ARGV[2])
local max_rate = tonumber(ARGV[3])
local increment = tonumber(ARGV[4])
local default_rate = tonumber(ARGV[5])

local rate = tonumber(redis.call('HGET', KEYS[1], 'rate')) or default_rate
if op == 'throttle' then
  rate = math.max(min_rate, rate / 2)
else
  rate = math.min(max_rate, rate + increment)
end
redis.call('HSET', KEYS[1], 'rate', rate)
redis.call('EXPIRE', KEYS[1], 3600)
return rate
`)

// SharedRateLimiter is the multi-replica limiter: bucket state lives in a
// shared store so all replicas debit the same tokens.
type SharedRateLimiter struct {
	client *redis.Client
	cfg    BucketConfig
	prefix string
	logger *zap.Logger
}

// NewSharedRateLimiter builds a limiter over an existing client.
func NewSharedRateLimiter(client *redis.Client, cfg BucketConfig, logger *zap.Logger) (*SharedRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Increment <= 0 {
		cfg.Increment = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SharedRateLimiter{
		client: client,
		cfg:    cfg,
		prefix: "ratelimit:bucket:",
		logger: logger,
	}, nil
}

func (s *SharedRateLimiter) key(tenantID string) string { return s.prefix + tenantID }

// TryAcquire debits one token from the tenant's shared bucket.
func (s *SharedRateLimiter) TryAcquire(ctx context.Context, tenantID string) (bool, error) {
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.key(tenantID)},
		s.cfg.Capacity, s.cfg.RefillRate, time.Now().UnixMilli(), 1).Int()
	if err != nil {
		return false, fmt.Errorf("shared bucket acquire for %s: %w", tenantID, err)
	}
	return res == 1, nil
}

// RecordThrottle halves the shared refill rate.
func (s *SharedRateLimiter) RecordThrottle(ctx context.Context, tenantID string) error {
	return s.adapt(ctx, tenantID, "throttle")
}

// RecordSuccess additively raises the shared refill rate.
func (s *SharedRateLimiter) RecordSuccess(ctx context.Context, tenantID string) error {
	return s.adapt(ctx, tenantID, "success")
}

func (s *SharedRateLimiter) adapt(ctx context.Context, tenantID, op string) error {
	err := adaptRateScript.Run(ctx, s.client, []string{s.key(tenantID)},
		op, s.cfg.MinRate, s.cfg.MaxRate, s.cfg.Increment, s.cfg.RefillRate).Err()
	if err != nil {
		return fmt.Errorf("shared bucket %s for %s: %w", op, tenantID, err)
	}
	return nil
}
