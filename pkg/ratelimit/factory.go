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
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/config"
)

// NewLimiterFromConfig returns a shared-store limiter when a redis URL is
// configured, otherwise a local per-process one.
func NewLimiterFromConfig(cfg *config.Config, logger *zap.Logger) (Limiter, error) {
	bucketCfg := BucketConfig{
		Capacity:   cfg.BucketCapacity,
		RefillRate: cfg.BucketRefillRate,
		MinRate:    cfg.BucketMinRate,
		MaxRate:    cfg.BucketMaxRate,
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url for shared limiter: %w", err)
		}
		return NewSharedRateLimiter(redis.NewClient(opts), bucketCfg, logger)
	}
	return NewTenantRateLimiter(bucketCfg, cfg.MaxTenantBuckets, logger)
}
