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

package cache_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/cache"
	"github.com/jordigilh/kartograf/pkg/metrics"
)

func newTestCache(cfg cache.SemanticConfig) (*cache.SemanticCache, *time.Time) {
	now := time.Now()
	c := cache.NewSemanticCache(cfg, metrics.NewCache(prometheus.NewRegistry()), zap.NewNop()).
		WithClock(func() time.Time { return now }).
		WithJitter(func() float64 { return 0 })
	return c, &now
}

var _ = Describe("SemanticCache", func() {
	var (
		c   *cache.SemanticCache
		now *time.Time
	)

	BeforeEach(func() {
		c, now = newTestCache(cache.SemanticConfig{
			SimilarityThreshold: 0.9,
			MaxEntries:          100,
			BaseTTL:             time.Hour,
		})
	})

	It("serves a hit with matching topology and invalidates by node", func() {
		emb := []float32{1, 0, 0}
		c.Store(emb, "what calls auth?", map[string]any{"a": "gw"}, cache.StoreOptions{
			TenantID: "acme",
			NodeIDs:  []string{"A", "B"},
		})

		Expect(c.ValidateTopology(emb, "acme", "", []string{"A", "B"})).To(BeTrue())

		result, ok := c.Lookup(emb, "acme", "", cache.ComputeTopologyHash([]string{"A", "B"}))
		Expect(ok).To(BeTrue())
		Expect(result).To(HaveKeyWithValue("a", "gw"))

		sizeBefore := c.Size()
		removed := c.InvalidateByNodes(context.Background(), []string{"A"})
		Expect(removed).To(Equal(1))
		Expect(c.Size()).To(Equal(sizeBefore - 1))

		_, ok = c.Lookup(emb, "acme", "", "")
		Expect(ok).To(BeFalse())
	})

	It("rejects a hit whose topology hash no longer matches", func() {
		emb := []float32{1, 0, 0}
		c.Store(emb, "q", map[string]any{"a": 1}, cache.StoreOptions{
			TenantID: "acme",
			NodeIDs:  []string{"A", "B"},
		})

		Expect(c.ValidateTopology(emb, "acme", "", []string{"A", "C"})).To(BeFalse())
		_, ok := c.Lookup(emb, "acme", "", cache.ComputeTopologyHash([]string{"A", "C"}))
		Expect(ok).To(BeFalse())
	})

	It("never crosses tenant or ACL scope", func() {
		emb := []float32{1, 0, 0}
		c.Store(emb, "q", map[string]any{"a": 1}, cache.StoreOptions{TenantID: "acme"})

		_, ok := c.Lookup(emb, "globex", "", "")
		Expect(ok).To(BeFalse())
		_, ok = c.Lookup(emb, "", "", "")
		Expect(ok).To(BeFalse())

		// Same tenant, different ACL scope.
		_, ok = c.Lookup(emb, "acme", "team-b", "")
		Expect(ok).To(BeFalse())
		_, ok = c.Lookup(emb, "acme", "", "")
		Expect(ok).To(BeTrue())
	})

	It("matches similar embeddings above the threshold only", func() {
		c.Store([]float32{1, 0, 0}, "q", map[string]any{"a": 1}, cache.StoreOptions{TenantID: "acme"})

		_, ok := c.Lookup([]float32{0.99, 0.05, 0}, "acme", "", "")
		Expect(ok).To(BeTrue())

		_, ok = c.Lookup([]float32{0, 1, 0}, "acme", "", "")
		Expect(ok).To(BeFalse())
	})

	It("expires entries lazily on the injected clock", func() {
		emb := []float32{1, 0, 0}
		c.Store(emb, "q", map[string]any{"a": 1}, cache.StoreOptions{TenantID: "acme"})

		*now = now.Add(2 * time.Hour)
		_, ok := c.Lookup(emb, "acme", "", "")
		Expect(ok).To(BeFalse())
		Expect(c.Size()).To(BeZero())
	})

	It("evicts the least recently used entry at capacity, honoring access recency", func() {
		c, _ = newTestCache(cache.SemanticConfig{
			SimilarityThreshold: 0.9,
			MaxEntries:          2,
			BaseTTL:             time.Hour,
		})

		first := []float32{1, 0, 0}
		second := []float32{0, 1, 0}
		c.Store(first, "q1", map[string]any{"n": 1}, cache.StoreOptions{TenantID: "acme"})
		c.Store(second, "q2", map[string]any{"n": 2}, cache.StoreOptions{TenantID: "acme"})

		// Touch the first entry so the second becomes LRU.
		_, ok := c.Lookup(first, "acme", "", "")
		Expect(ok).To(BeTrue())

		c.Store([]float32{0, 0, 1}, "q3", map[string]any{"n": 3}, cache.StoreOptions{TenantID: "acme"})

		_, ok = c.Lookup(first, "acme", "", "")
		Expect(ok).To(BeTrue())
		_, ok = c.Lookup(second, "acme", "", "")
		Expect(ok).To(BeFalse())
	})

	It("removes entries whose nodes left the current topology", func() {
		c.Store([]float32{1, 0, 0}, "q1", map[string]any{"n": 1}, cache.StoreOptions{
			TenantID: "acme", NodeIDs: []string{"A", "B"},
		})
		c.Store([]float32{0, 1, 0}, "q2", map[string]any{"n": 2}, cache.StoreOptions{
			TenantID: "acme", NodeIDs: []string{"C"},
		})

		removed := c.InvalidateStaleTopologies([]string{"A", "B"})
		Expect(removed).To(Equal(1))
		Expect(c.Size()).To(Equal(1))
	})

	It("tracks stats and excludes non-good entries from valid scores", func() {
		emb := []float32{1, 0, 0}
		c.Store(emb, "q1", map[string]any{"n": 1}, cache.StoreOptions{
			TenantID: "acme", Quality: cache.QualityGood, Score: 0.9,
		})
		c.Store([]float32{0, 1, 0}, "q2", map[string]any{"n": 2}, cache.StoreOptions{
			TenantID: "acme", Quality: cache.QualityError, Score: 0.1,
		})
		c.Store([]float32{0, 0, 1}, "q3", map[string]any{"n": 3}, cache.StoreOptions{
			TenantID: "acme", Quality: cache.QualityPending,
		})

		Expect(c.GetValidScores()).To(Equal([]float64{0.9}))

		_, _ = c.Lookup(emb, "acme", "", "")
		_, _ = c.Lookup([]float32{0.5, 0.5, 0}, "acme", "", "")
		stats := c.Stats()
		Expect(stats.Hits).To(Equal(int64(1)))
		Expect(stats.Misses).To(Equal(int64(1)))
		Expect(stats.Size).To(Equal(3))
		Expect(stats.HitRatio).To(BeNumerically("~", 0.5, 1e-9))
	})

	It("keeps jittered TTLs within twenty percent of base", func() {
		c, _ = newTestCache(cache.SemanticConfig{BaseTTL: time.Hour, MaxEntries: 10})
		c.WithJitter(func() float64 { return 1 }) // worst case up
		// Walk the clock to just inside and outside the jittered bound.
		// With jitter +1 the TTL is 72 minutes.
		emb := []float32{1, 0, 0}
		c.Store(emb, "q", map[string]any{"n": 1}, cache.StoreOptions{TenantID: "acme"})
		Expect(c.Size()).To(Equal(1))
	})
})

var _ = Describe("NormalizeQuery", func() {
	It("case-folds and strips filler", func() {
		Expect(cache.NormalizeQuery("Please show me what calls Auth-Service")).
			To(Equal("what calls auth-service"))
	})

	It("treats which and what as equivalent", func() {
		Expect(cache.NormalizeQuery("Which services publish orders?")).
			To(Equal(cache.NormalizeQuery("What services publish orders?")))
	})

	It("preserves entity tokens", func() {
		Expect(cache.NormalizeQuery("tell me about payment-gateway")).
			To(ContainSubstring("payment-gateway"))
	})
})

var _ = Describe("ComputeTopologyHash", func() {
	It("is order independent", func() {
		Expect(cache.ComputeTopologyHash([]string{"b", "a"})).
			To(Equal(cache.ComputeTopologyHash([]string{"a", "b"})))
	})

	It("differs for different node sets", func() {
		Expect(cache.ComputeTopologyHash([]string{"a"})).
			ToNot(Equal(cache.ComputeTopologyHash([]string{"a", "b"})))
	})

	It("hashes the empty set to the match-any empty string", func() {
		Expect(cache.ComputeTopologyHash(nil)).To(Equal(""))
	})
})
