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

package ratelimit_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/ratelimit"
)

func testBucketConfig() ratelimit.BucketConfig {
	return ratelimit.BucketConfig{
		Capacity:   5,
		RefillRate: 10,
		MinRate:    1,
		MaxRate:    50,
		Increment:  1,
	}
}

var _ = Describe("AdaptiveTokenBucket", func() {
	It("starts full and debits one token per acquire", func() {
		bucket, err := ratelimit.NewAdaptiveTokenBucket(testBucketConfig())
		Expect(err).ToNot(HaveOccurred())

		now := time.Now()
		bucket.WithClock(func() time.Time { return now })

		for i := 0; i < 5; i++ {
			Expect(bucket.TryAcquire()).To(BeTrue())
		}
		Expect(bucket.TryAcquire()).To(BeFalse())
	})

	It("keeps tokens within [0, capacity]", func() {
		bucket, err := ratelimit.NewAdaptiveTokenBucket(testBucketConfig())
		Expect(err).ToNot(HaveOccurred())

		now := time.Now()
		bucket.WithClock(func() time.Time { return now })

		// A long idle period cannot overfill the bucket.
		now = now.Add(time.Hour)
		Expect(bucket.Tokens()).To(Equal(5.0))

		// Draining cannot go below zero.
		for i := 0; i < 10; i++ {
			bucket.TryAcquire()
		}
		Expect(bucket.Tokens()).To(BeNumerically(">=", 0))
	})

	It("refills proportionally to elapsed time", func() {
		bucket, err := ratelimit.NewAdaptiveTokenBucket(testBucketConfig())
		Expect(err).ToNot(HaveOccurred())

		now := time.Now()
		bucket.WithClock(func() time.Time { return now })
		for i := 0; i < 5; i++ {
			Expect(bucket.TryAcquire()).To(BeTrue())
		}
		Expect(bucket.TryAcquire()).To(BeFalse())

		// 10 tokens/s for 200ms buys two tokens.
		now = now.Add(200 * time.Millisecond)
		Expect(bucket.TryAcquire()).To(BeTrue())
		Expect(bucket.TryAcquire()).To(BeTrue())
		Expect(bucket.TryAcquire()).To(BeFalse())
	})

	It("halves the rate on throttle without dropping under the floor", func() {
		bucket, err := ratelimit.NewAdaptiveTokenBucket(testBucketConfig())
		Expect(err).ToNot(HaveOccurred())

		bucket.RecordThrottle()
		Expect(bucket.RefillRate()).To(Equal(5.0))

		for i := 0; i < 20; i++ {
			bucket.RecordThrottle()
		}
		Expect(bucket.RefillRate()).To(Equal(1.0))
	})

	It("raises the rate additively without exceeding the ceiling", func() {
		bucket, err := ratelimit.NewAdaptiveTokenBucket(testBucketConfig())
		Expect(err).ToNot(HaveOccurred())

		bucket.RecordSuccess()
		Expect(bucket.RefillRate()).To(Equal(11.0))

		for i := 0; i < 100; i++ {
			bucket.RecordSuccess()
		}
		Expect(bucket.RefillRate()).To(Equal(50.0))
	})

	It("blocks in Acquire only for the computed shortfall", func() {
		cfg := testBucketConfig()
		cfg.Capacity = 1
		cfg.RefillRate = 100 // 10ms per token
		bucket, err := ratelimit.NewAdaptiveTokenBucket(cfg)
		Expect(err).ToNot(HaveOccurred())

		Expect(bucket.Acquire(context.Background())).To(Succeed())

		start := time.Now()
		Expect(bucket.Acquire(context.Background())).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically("<", 200*time.Millisecond))
	})

	It("aborts a blocked Acquire when the context is cancelled", func() {
		cfg := testBucketConfig()
		cfg.RefillRate = 0.001
		cfg.MinRate = 0.001
		bucket, err := ratelimit.NewAdaptiveTokenBucket(cfg)
		Expect(err).ToNot(HaveOccurred())
		for i := 0; i < 5; i++ {
			Expect(bucket.TryAcquire()).To(BeTrue())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		Expect(bucket.Acquire(ctx)).To(MatchError(context.DeadlineExceeded))
	})

	It("rejects invalid configuration", func() {
		_, err := ratelimit.NewAdaptiveTokenBucket(ratelimit.BucketConfig{})
		Expect(err).To(HaveOccurred())

		bad := testBucketConfig()
		bad.MaxRate = 0.5
		_, err = ratelimit.NewAdaptiveTokenBucket(bad)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("TenantRateLimiter", func() {
	It("keeps buckets independent across tenants", func() {
		limiter, err := ratelimit.NewTenantRateLimiter(testBucketConfig(), 10, zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			ok, err := limiter.TryAcquire(ctx, "acme")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		}
		ok, err := limiter.TryAcquire(ctx, "acme")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())

		ok, err = limiter.TryAcquire(ctx, "globex")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("evicts the least recently used bucket at the tenant cap", func() {
		limiter, err := ratelimit.NewTenantRateLimiter(testBucketConfig(), 2, zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		ctx := context.Background()

		_, err = limiter.TryAcquire(ctx, "a")
		Expect(err).ToNot(HaveOccurred())
		_, err = limiter.TryAcquire(ctx, "b")
		Expect(err).ToNot(HaveOccurred())

		// Touch "a" so "b" becomes the eviction candidate.
		_, err = limiter.TryAcquire(ctx, "a")
		Expect(err).ToNot(HaveOccurred())

		_, err = limiter.TryAcquire(ctx, "c")
		Expect(err).ToNot(HaveOccurred())
		Expect(limiter.TenantCount()).To(Equal(2))
		Expect(limiter.HasTenant("a")).To(BeTrue())
		Expect(limiter.HasTenant("b")).To(BeFalse())
		Expect(limiter.HasTenant("c")).To(BeTrue())
	})

	It("routes AIMD signals to the right tenant", func() {
		limiter, err := ratelimit.NewTenantRateLimiter(testBucketConfig(), 10, zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		ctx := context.Background()

		Expect(limiter.RecordThrottle(ctx, "acme")).To(Succeed())
		Expect(limiter.RecordSuccess(ctx, "globex")).To(Succeed())
		Expect(limiter.TenantCount()).To(Equal(2))
	})
})
