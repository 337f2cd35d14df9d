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
	"container/list"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/metrics"
	"github.com/jordigilh/kartograf/pkg/vector"
)

// scopeKey partitions the inverted tenant index. The tenant and ACL scopes
// are matched exactly: an unscoped entry is invisible to a scoped lookup
// and vice versa.
type scopeKey struct {
	tenantID string
	aclKey   string
}

// SemanticConfig tunes the L1 cache.
type SemanticConfig struct {
	SimilarityThreshold float32
	MaxEntries          int
	BaseTTL             time.Duration
	// TTLByComplexity overrides BaseTTL per complexity class.
	TTLByComplexity map[string]time.Duration
	// KeyPrefixLen restricts key hashing to the first N embedding
	// dimensions. Zero hashes the full embedding.
	KeyPrefixLen int
}

func (c *SemanticConfig) applyDefaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.92
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.BaseTTL <= 0 {
		c.BaseTTL = time.Hour
	}
}

// StoreOptions carries the per-entry attributes of a Store call.
type StoreOptions struct {
	TenantID   string
	ACLKey     string
	NodeIDs    []string
	Complexity string
	Quality    Quality
	Score      float64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	HitRatio  float64
}

// SemanticCache is the in-process L1. Four structures move together under
// one lock: the primary map, the (tenant, acl) scope index, the node index
// and the LRU list.
type SemanticCache struct {
	mu      sync.Mutex
	cfg     SemanticConfig
	entries map[string]*list.Element // key -> LRU element holding *Entry
	scopes  map[scopeKey]map[string]struct{}
	nodes   map[string]map[string]struct{}
	lru     *list.List // front = most recently used
	flights map[string]*flight

	hits      int64
	misses    int64
	evictions int64

	clock   func() time.Time
	jitter  func() float64 // in [-1, 1]
	publish InvalidationPublisher
	metrics *metrics.Cache
	logger  *zap.Logger
}

// NewSemanticCache builds an empty L1.
func NewSemanticCache(cfg SemanticConfig, m *metrics.Cache, logger *zap.Logger) *SemanticCache {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticCache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		scopes:  make(map[scopeKey]map[string]struct{}),
		nodes:   make(map[string]map[string]struct{}),
		lru:     list.New(),
		clock:   func() time.Time { return time.Now() },
		jitter:  func() float64 { return rand.Float64()*2 - 1 },
		metrics: m,
		logger:  logger,
	}
}

// WithClock overrides time for tests.
func (c *SemanticCache) WithClock(clock func() time.Time) *SemanticCache {
	c.clock = clock
	return c
}

// WithJitter overrides TTL jitter for tests.
func (c *SemanticCache) WithJitter(jitter func() float64) *SemanticCache {
	c.jitter = jitter
	return c
}

func (c *SemanticCache) ttlFor(complexity string) time.Duration {
	base := c.cfg.BaseTTL
	if override, ok := c.cfg.TTLByComplexity[complexity]; ok {
		base = override
	}
	// Jitter bounded to ±20% of base so a burst of stores does not expire
	// as one thundering herd.
	return base + time.Duration(c.jitter()*0.2*float64(base))
}

// removeLocked unlinks an entry from all four structures.
func (c *SemanticCache) removeLocked(key string, reason string) {
	elem, ok := c.entries[key]
	if !ok {
		return
	}
	entry := elem.Value.(*Entry)
	c.lru.Remove(elem)
	delete(c.entries, key)

	scope := scopeKey{tenantID: entry.TenantID, aclKey: entry.ACLKey}
	if keys := c.scopes[scope]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.scopes, scope)
		}
	}
	for nodeID := range entry.NodeIDs {
		if keys := c.nodes[nodeID]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.nodes, nodeID)
			}
		}
	}

	c.evictions++
	if c.metrics != nil {
		c.metrics.Evictions.WithLabelValues(reason).Inc()
		c.metrics.Size.WithLabelValues("l1").Set(float64(len(c.entries)))
	}
}

// Store inserts an answer under a jittered TTL, evicting LRU entries past
// MaxEntries.
func (c *SemanticCache) Store(embedding []float32, query string, result map[string]any, opts StoreOptions) string {
	key := ComputeKey(embedding, c.cfg.KeyPrefixLen)
	if opts.Quality == "" {
		opts.Quality = QualityGood
	}
	nodeIDs := make(map[string]struct{}, len(opts.NodeIDs))
	for _, id := range opts.NodeIDs {
		nodeIDs[id] = struct{}{}
	}
	entry := &Entry{
		KeyHash:      key,
		Embedding:    append([]float32(nil), embedding...),
		Query:        query,
		Result:       result,
		CreatedAt:    c.clock(),
		TTL:          c.ttlFor(opts.Complexity),
		TenantID:     opts.TenantID,
		ACLKey:       opts.ACLKey,
		NodeIDs:      nodeIDs,
		TopologyHash: ComputeTopologyHash(opts.NodeIDs),
		Quality:      opts.Quality,
		Score:        opts.Score,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeLocked(key, "replaced")
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*Entry).KeyHash, "lru")
	}

	c.entries[key] = c.lru.PushFront(entry)
	scope := scopeKey{tenantID: entry.TenantID, aclKey: entry.ACLKey}
	if c.scopes[scope] == nil {
		c.scopes[scope] = make(map[string]struct{})
	}
	c.scopes[scope][key] = struct{}{}
	for nodeID := range entry.NodeIDs {
		if c.nodes[nodeID] == nil {
			c.nodes[nodeID] = make(map[string]struct{})
		}
		c.nodes[nodeID][key] = struct{}{}
	}
	if c.metrics != nil {
		c.metrics.Size.WithLabelValues("l1").Set(float64(len(c.entries)))
	}
	return key
}

// Lookup finds the most similar in-scope entry. currentTopologyHash may be
// empty when the caller has no topology context; a non-empty entry hash
// must then still match or the entry is skipped.
func (c *SemanticCache) Lookup(embedding []float32, tenantID, aclKey, currentTopologyHash string) (map[string]any, bool) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if c.metrics != nil {
			c.metrics.Lookups.WithLabelValues("l1").Observe(time.Since(start).Seconds())
		}
	}()

	now := c.clock()
	best := c.bestMatchLocked(embedding, tenantID, aclKey, now)
	if best == nil {
		c.misses++
		if c.metrics != nil {
			c.metrics.Misses.WithLabelValues("l1").Inc()
		}
		return nil, false
	}
	if best.TopologyHash != "" && currentTopologyHash != "" && best.TopologyHash != currentTopologyHash {
		c.misses++
		if c.metrics != nil {
			c.metrics.Misses.WithLabelValues("l1").Inc()
		}
		return nil, false
	}

	best.AccessCount++
	c.lru.MoveToFront(c.entries[best.KeyHash])
	c.hits++
	if c.metrics != nil {
		c.metrics.Hits.WithLabelValues("l1").Inc()
	}
	return best.Result, true
}

// bestMatchLocked lazily expires, restricts to the scope index and returns
// the highest-similarity candidate at or above the threshold.
func (c *SemanticCache) bestMatchLocked(embedding []float32, tenantID, aclKey string, now time.Time) *Entry {
	scope := scopeKey{tenantID: tenantID, aclKey: aclKey}
	var (
		best      *Entry
		bestScore float32
	)
	for key := range c.scopes[scope] {
		elem, ok := c.entries[key]
		if !ok {
			continue
		}
		entry := elem.Value.(*Entry)
		if entry.Expired(now) {
			c.removeLocked(key, "expired")
			continue
		}
		score, err := vector.Cosine(embedding, entry.Embedding)
		if err != nil {
			continue
		}
		if score >= c.cfg.SimilarityThreshold && (best == nil || score > bestScore) {
			best = entry
			bestScore = score
		}
	}
	return best
}

// ValidateTopology reports whether a cached answer for the embedding is
// still coherent with the given node set: true when there is no matching
// entry, the entry carries no hash, or the hashes agree.
func (c *SemanticCache) ValidateTopology(embedding []float32, tenantID, aclKey string, currentNodeIDs []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	best := c.bestMatchLocked(embedding, tenantID, aclKey, c.clock())
	if best == nil || best.TopologyHash == "" {
		return true
	}
	return best.TopologyHash == ComputeTopologyHash(currentNodeIDs)
}

// InvalidateStaleTopologies removes entries referencing node ids outside
// the current set. Returns the number of entries removed.
func (c *SemanticCache) InvalidateStaleTopologies(currentNodeIDs []string) int {
	current := make(map[string]struct{}, len(currentNodeIDs))
	for _, id := range currentNodeIDs {
		current[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []string
	for key, elem := range c.entries {
		entry := elem.Value.(*Entry)
		for nodeID := range entry.NodeIDs {
			if _, ok := current[nodeID]; !ok {
				stale = append(stale, key)
				break
			}
		}
	}
	for _, key := range stale {
		c.removeLocked(key, "invalidated")
	}
	return len(stale)
}

// evictByNodesLocked removes every entry referencing any of the ids and
// returns the removed keys.
func (c *SemanticCache) evictByNodesLocked(nodeIDs []string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, nodeID := range nodeIDs {
		for key := range c.nodes[nodeID] {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		c.removeLocked(key, "invalidated")
	}
	return keys
}

// SetQuality settles a pending entry once its judge verdict arrives. It
// reports whether the key was still cached.
func (c *SemanticCache) SetQuality(key string, quality Quality, score float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*Entry)
	entry.Quality = quality
	entry.Score = score
	return true
}

// Size reports the current entry count.
func (c *SemanticCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of counters.
func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

// GetValidScores returns the judge scores of entries whose quality is
// good; error, skipped and pending entries are excluded from aggregates.
func (c *SemanticCache) GetValidScores() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var scores []float64
	for _, elem := range c.entries {
		entry := elem.Value.(*Entry)
		if entry.Quality == QualityGood {
			scores = append(scores, entry.Score)
		}
	}
	return scores
}

// Key exposes the configured key derivation.
func (c *SemanticCache) Key(embedding []float32) string {
	return ComputeKey(embedding, c.cfg.KeyPrefixLen)
}

func (c *SemanticCache) String() string {
	return fmt.Sprintf("SemanticCache(size=%d)", c.Size())
}
