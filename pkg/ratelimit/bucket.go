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

// Package ratelimit implements the per-tenant admission layer: an adaptive
// token bucket whose refill rate follows AIMD, and a sliding-window cost
// budget keyed by query complexity.
//
// Business Requirements: BR-RATE-001 (tenant fairness), BR-RATE-002
// (adaptive backpressure).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BucketConfig sizes an adaptive token bucket.
type BucketConfig struct {
	Capacity   float64
	RefillRate float64 // tokens per second
	MinRate    float64
	MaxRate    float64
	// Increment added to the refill rate on each recorded success.
	Increment float64
}

func (c BucketConfig) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("bucket capacity must be positive")
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("bucket refill rate must be positive")
	}
	if c.MinRate <= 0 || c.MaxRate < c.MinRate {
		return fmt.Errorf("bucket rate bounds are inverted: min=%v max=%v", c.MinRate, c.MaxRate)
	}
	return nil
}

// AdaptiveTokenBucket is a token bucket whose refill rate adapts with AIMD:
// a recorded throttle halves the rate (clamped to MinRate), a recorded
// success adds a fixed increment (clamped to MaxRate). Tokens never leave
// the [0, capacity] interval.
type AdaptiveTokenBucket struct {
	mu         sync.Mutex
	cfg        BucketConfig
	tokens     float64
	refillRate float64
	lastRefill time.Time
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewAdaptiveTokenBucket builds a full bucket.
func NewAdaptiveTokenBucket(cfg BucketConfig) (*AdaptiveTokenBucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Increment <= 0 {
		cfg.Increment = 1
	}
	b := &AdaptiveTokenBucket{
		cfg:        cfg,
		tokens:     cfg.Capacity,
		refillRate: cfg.RefillRate,
		clock:      func() time.Time { return time.Now() },
		sleep:      sleepCtx,
	}
	b.lastRefill = b.clock()
	return b, nil
}

// WithClock overrides time for tests.
func (b *AdaptiveTokenBucket) WithClock(clock func() time.Time) *AdaptiveTokenBucket {
	b.clock = clock
	b.lastRefill = clock()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// refillLocked advances the token count from elapsed wall time.
func (b *AdaptiveTokenBucket) refillLocked() {
	now := b.clock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.cfg.Capacity {
			b.tokens = b.cfg.Capacity
		}
		b.lastRefill = now
	}
}

// TryAcquire takes one token without blocking.
func (b *AdaptiveTokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Acquire blocks until a token is available, sleeping only the shortfall
// computed from the current refill rate.
func (b *AdaptiveTokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		shortfall := (1 - b.tokens) / b.refillRate
		b.mu.Unlock()

		if err := b.sleep(ctx, time.Duration(shortfall*float64(time.Second))); err != nil {
			return err
		}
	}
}

// RecordThrottle halves the refill rate, clamped to the minimum. Called
// when a downstream reports overload.
func (b *AdaptiveTokenBucket) RecordThrottle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.refillRate /= 2
	if b.refillRate < b.cfg.MinRate {
		b.refillRate = b.cfg.MinRate
	}
}

// RecordSuccess additively raises the refill rate, clamped to the maximum.
func (b *AdaptiveTokenBucket) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.refillRate += b.cfg.Increment
	if b.refillRate > b.cfg.MaxRate {
		b.refillRate = b.cfg.MaxRate
	}
}

// Tokens reports the current token count after a refill.
func (b *AdaptiveTokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// RefillRate reports the current adapted rate.
func (b *AdaptiveTokenBucket) RefillRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refillRate
}
