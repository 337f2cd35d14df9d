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
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Limiter is the admission interface query traffic goes through.
type Limiter interface {
	// TryAcquire admits or rejects one request for a tenant without
	// blocking.
	TryAcquire(ctx context.Context, tenantID string) (bool, error)
	// RecordThrottle reports downstream overload attributed to a tenant.
	RecordThrottle(ctx context.Context, tenantID string) error
	// RecordSuccess reports a completed request for a tenant.
	RecordSuccess(ctx context.Context, tenantID string) error
}

// TenantRateLimiter keeps one independent bucket per tenant, evicting the
// least recently used bucket once maxTenants is reached. Eviction only
// forgets adaptation state; a returning tenant simply starts from the
// configured defaults again.
type TenantRateLimiter struct {
	mu         sync.Mutex
	cfg        BucketConfig
	maxTenants int
	buckets    map[string]*list.Element
	order      *list.List // front = most recently used
	logger     *zap.Logger
}

type tenantBucket struct {
	tenantID string
	bucket   *AdaptiveTokenBucket
}

// NewTenantRateLimiter builds a limiter capped at maxTenants live buckets.
func NewTenantRateLimiter(cfg BucketConfig, maxTenants int, logger *zap.Logger) (*TenantRateLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if maxTenants <= 0 {
		return nil, fmt.Errorf("max tenants must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantRateLimiter{
		cfg:        cfg,
		maxTenants: maxTenants,
		buckets:    make(map[string]*list.Element),
		order:      list.New(),
		logger:     logger,
	}, nil
}

func (l *TenantRateLimiter) bucketFor(tenantID string) (*AdaptiveTokenBucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.buckets[tenantID]; ok {
		l.order.MoveToFront(elem)
		return elem.Value.(*tenantBucket).bucket, nil
	}
	bucket, err := NewAdaptiveTokenBucket(l.cfg)
	if err != nil {
		return nil, err
	}
	if len(l.buckets) >= l.maxTenants {
		oldest := l.order.Back()
		if oldest != nil {
			evicted := oldest.Value.(*tenantBucket)
			l.order.Remove(oldest)
			delete(l.buckets, evicted.tenantID)
			l.logger.Debug("evicted least recently used tenant bucket",
				zap.String("tenant_id", evicted.tenantID))
		}
	}
	l.buckets[tenantID] = l.order.PushFront(&tenantBucket{tenantID: tenantID, bucket: bucket})
	return bucket, nil
}

// TryAcquire admits one request for the tenant's bucket.
func (l *TenantRateLimiter) TryAcquire(_ context.Context, tenantID string) (bool, error) {
	bucket, err := l.bucketFor(tenantID)
	if err != nil {
		return false, err
	}
	return bucket.TryAcquire(), nil
}

// Acquire blocks on the tenant's bucket.
func (l *TenantRateLimiter) Acquire(ctx context.Context, tenantID string) error {
	bucket, err := l.bucketFor(tenantID)
	if err != nil {
		return err
	}
	return bucket.Acquire(ctx)
}

// RecordThrottle halves the tenant's refill rate.
func (l *TenantRateLimiter) RecordThrottle(_ context.Context, tenantID string) error {
	bucket, err := l.bucketFor(tenantID)
	if err != nil {
		return err
	}
	bucket.RecordThrottle()
	return nil
}

// RecordSuccess additively raises the tenant's refill rate.
func (l *TenantRateLimiter) RecordSuccess(_ context.Context, tenantID string) error {
	bucket, err := l.bucketFor(tenantID)
	if err != nil {
		return err
	}
	bucket.RecordSuccess()
	return nil
}

// TenantCount reports how many buckets are live.
func (l *TenantRateLimiter) TenantCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// HasTenant reports whether a tenant currently holds a bucket.
func (l *TenantRateLimiter) HasTenant(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.buckets[tenantID]
	return ok
}
