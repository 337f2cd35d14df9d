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

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InvalidationPublisher broadcasts node-based invalidations to other
// replicas.
type InvalidationPublisher func(ctx context.Context, nodeIDs []string) error

// WithPublisher attaches a broadcast hook used by InvalidateByNodes.
func (c *SemanticCache) WithPublisher(publish InvalidationPublisher) *SemanticCache {
	c.publish = publish
	return c
}

// InvalidateByNodes evicts every L1 entry referencing any of the node ids
// and broadcasts exactly one invalidation event. A broadcast failure is
// non-fatal: the local purge already happened, remote replicas converge
// through entry TTLs.
func (c *SemanticCache) InvalidateByNodes(ctx context.Context, nodeIDs []string) int {
	c.mu.Lock()
	keys := c.evictByNodesLocked(nodeIDs)
	c.mu.Unlock()

	if c.publish != nil {
		if err := c.publish(ctx, nodeIDs); err != nil {
			c.logger.Warn("cache invalidation broadcast failed; relying on TTL convergence",
				zap.Int("node_ids", len(nodeIDs)),
				zap.Error(err))
		}
	}
	return len(keys)
}

// InvalidationWorker consumes the shared invalidation stream and removes
// matching entries from the shared layer. Each worker replica joins the
// same consumer group so every event is handled once.
type InvalidationWorker struct {
	client    *redis.Client
	group     string
	consumer  string
	batchSize int
	logger    *zap.Logger
}

// NewInvalidationWorker builds a worker. batchSize bounds each SSCAN page.
func NewInvalidationWorker(client *redis.Client, consumer string, batchSize int, logger *zap.Logger) (*InvalidationWorker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if consumer == "" {
		return nil, fmt.Errorf("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationWorker{
		client:    client,
		group:     "cache-invalidators",
		consumer:  consumer,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Run consumes the stream until ctx ends.
func (w *InvalidationWorker) Run(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, l2InvalidationStream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating invalidation consumer group: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.group,
			Consumer: w.consumer,
			Streams:  []string{l2InvalidationStream, ">"},
			Count:    16,
			Block:    time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("invalidation stream read failed", zap.Error(err))
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := w.handle(ctx, msg); err != nil {
					w.logger.Error("invalidation event failed; leaving pending",
						zap.String("message_id", msg.ID),
						zap.Error(err))
					continue
				}
				if err := w.client.XAck(ctx, l2InvalidationStream, w.group, msg.ID).Err(); err != nil {
					w.logger.Warn("acking invalidation event failed",
						zap.String("message_id", msg.ID),
						zap.Error(err))
				}
			}
		}
	}
}

// ProcessOne handles a single raw event payload. Exposed for tests and for
// draining without the stream loop.
func (w *InvalidationWorker) ProcessOne(ctx context.Context, rawNodeIDs string) error {
	var nodeIDs []string
	if err := json.Unmarshal([]byte(rawNodeIDs), &nodeIDs); err != nil {
		return fmt.Errorf("decoding invalidation payload: %w", err)
	}

	for _, nodeID := range nodeIDs {
		setKey := l2NodePrefix + nodeID
		var cursor uint64
		for {
			keys, next, err := w.client.SScan(ctx, setKey, cursor, "*", int64(w.batchSize)).Result()
			if err != nil {
				return fmt.Errorf("scanning node index %s: %w", nodeID, err)
			}
			if len(keys) > 0 {
				prefixed := make([]string, len(keys))
				for i, k := range keys {
					prefixed[i] = l2EntryPrefix + k
				}
				if err := w.client.Unlink(ctx, prefixed...).Err(); err != nil {
					return fmt.Errorf("unlinking entries for node %s: %w", nodeID, err)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		if err := w.client.Unlink(ctx, setKey).Err(); err != nil {
			return fmt.Errorf("unlinking node index %s: %w", nodeID, err)
		}
	}
	return nil
}

func (w *InvalidationWorker) handle(ctx context.Context, msg redis.XMessage) error {
	raw, ok := msg.Values["node_ids"].(string)
	if !ok {
		// Malformed events are dropped rather than retried forever.
		w.logger.Warn("invalidation event missing node_ids", zap.String("message_id", msg.ID))
		return nil
	}
	return w.ProcessOne(ctx, raw)
}
