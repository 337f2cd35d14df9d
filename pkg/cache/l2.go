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
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	l2EntryPrefix        = "semcache:entry:"
	l2NodePrefix         = "semcache:node:"
	l2InvalidationStream = "semcache:invalidate"
)

// L2Record is the JSON shape of a shared entry.
type L2Record struct {
	Query        string         `json:"query"`
	Result       map[string]any `json:"result"`
	TenantID     string         `json:"tenant_id"`
	ACLKey       string         `json:"acl_key"`
	TopologyHash string         `json:"topology_hash,omitempty"`
	NodeIDs      []string       `json:"node_ids,omitempty"`
}

// L2 is the shared cache layer. Entries are exact-key lookups; similarity
// matching stays in L1, the shared layer exists so a miss on one replica
// can reuse another replica's compute.
type L2 struct {
	client *redis.Client
	logger *zap.Logger
}

// NewL2 builds the shared layer over an existing client.
func NewL2(client *redis.Client, logger *zap.Logger) (*L2, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &L2{client: client, logger: logger}, nil
}

// Set writes an entry under its key with the entry's TTL and indexes it
// under each node id.
func (l *L2) Set(ctx context.Context, key string, rec L2Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling l2 entry: %w", err)
	}
	pipe := l.client.Pipeline()
	pipe.Set(ctx, l2EntryPrefix+key, payload, ttl)
	for _, nodeID := range rec.NodeIDs {
		pipe.SAdd(ctx, l2NodePrefix+nodeID, key)
		pipe.Expire(ctx, l2NodePrefix+nodeID, ttl*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing l2 entry %s: %w", key, err)
	}
	return nil
}

// StoreEntry indexes an L1 entry in the shared layer.
func (l *L2) StoreEntry(ctx context.Context, e *Entry) error {
	nodeIDs := make([]string, 0, len(e.NodeIDs))
	for id := range e.NodeIDs {
		nodeIDs = append(nodeIDs, id)
	}
	return l.Set(ctx, e.KeyHash, L2Record{
		Query:        e.Query,
		Result:       e.Result,
		TenantID:     e.TenantID,
		ACLKey:       e.ACLKey,
		TopologyHash: e.TopologyHash,
		NodeIDs:      nodeIDs,
	}, e.TTL)
}

// Get fetches an entry by exact key, enforcing the same scope match as L1.
func (l *L2) Get(ctx context.Context, key, tenantID, aclKey string) (map[string]any, bool, error) {
	payload, err := l.client.Get(ctx, l2EntryPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading l2 entry %s: %w", key, err)
	}
	var rec L2Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, false, fmt.Errorf("decoding l2 entry %s: %w", key, err)
	}
	if rec.TenantID != tenantID || rec.ACLKey != aclKey {
		return nil, false, nil
	}
	return rec.Result, true, nil
}

// Unlink removes entry keys with background deletion semantics.
func (l *L2) Unlink(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = l2EntryPrefix + k
	}
	if err := l.client.Unlink(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("unlinking %d l2 entries: %w", len(keys), err)
	}
	return nil
}

// PublishInvalidation broadcasts one invalidation event for the node ids.
func (l *L2) PublishInvalidation(ctx context.Context, nodeIDs []string) error {
	payload, err := json.Marshal(nodeIDs)
	if err != nil {
		return fmt.Errorf("marshaling invalidation: %w", err)
	}
	err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l2InvalidationStream,
		Values: map[string]any{"node_ids": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	return nil
}
