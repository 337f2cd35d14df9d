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

	"github.com/jordigilh/kartograf/pkg/cache"
)

var _ = Describe("LookupOrWait", func() {
	var c *cache.SemanticCache

	BeforeEach(func() {
		c, _ = newTestCache(cache.SemanticConfig{
			SimilarityThreshold: 0.9,
			MaxEntries:          100,
			BaseTTL:             time.Hour,
		})
	})

	It("makes the first caller the owner on a miss", func() {
		emb := []float32{1, 0, 0}
		result, owner, err := c.LookupOrWait(context.Background(), emb, "acme", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(owner).To(BeTrue())
		Expect(result).To(BeNil())
		c.NotifyComplete(emb, false)
	})

	It("returns a plain hit without ownership", func() {
		emb := []float32{1, 0, 0}
		c.Store(emb, "q", map[string]any{"a": 1}, cache.StoreOptions{TenantID: "acme"})

		result, owner, err := c.LookupOrWait(context.Background(), emb, "acme", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(owner).To(BeFalse())
		Expect(result).To(HaveKeyWithValue("a", 1))
	})

	It("parks concurrent callers until the owner completes", func() {
		emb := []float32{1, 0, 0}
		_, owner, err := c.LookupOrWait(context.Background(), emb, "acme", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(owner).To(BeTrue())

		type outcome struct {
			result map[string]any
			owner  bool
			err    error
		}
		waiterDone := make(chan outcome, 1)
		go func() {
			r, o, e := c.LookupOrWait(context.Background(), emb, "acme", "")
			waiterDone <- outcome{result: r, owner: o, err: e}
		}()

		Consistently(waiterDone, 100*time.Millisecond).ShouldNot(Receive())

		c.Store(emb, "q", map[string]any{"a": 1}, cache.StoreOptions{TenantID: "acme"})
		c.NotifyComplete(emb, false)

		var got outcome
		Eventually(waiterDone, time.Second).Should(Receive(&got))
		Expect(got.err).ToNot(HaveOccurred())
		Expect(got.owner).To(BeFalse())
		Expect(got.result).To(HaveKeyWithValue("a", 1))
	})

	It("promotes exactly one waiter when the owner fails", func() {
		emb := []float32{1, 0, 0}
		_, owner, err := c.LookupOrWait(context.Background(), emb, "acme", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(owner).To(BeTrue())

		promoted := make(chan bool, 2)
		for i := 0; i < 2; i++ {
			go func() {
				_, o, e := c.LookupOrWait(context.Background(), emb, "acme", "")
				if e == nil && o {
					promoted <- true
					// The promoted owner succeeds on retry.
					c.Store(emb, "q", map[string]any{"a": 1}, cache.StoreOptions{TenantID: "acme"})
					c.NotifyComplete(emb, false)
				} else {
					promoted <- false
				}
			}()
		}

		// Give both waiters time to park, then fail the owner.
		time.Sleep(50 * time.Millisecond)
		c.NotifyComplete(emb, true)

		var owners int
		for i := 0; i < 2; i++ {
			var wasOwner bool
			Eventually(promoted, time.Second).Should(Receive(&wasOwner))
			if wasOwner {
				owners++
			}
		}
		Expect(owners).To(Equal(1))
	})

	It("treats a caller after completion as a fresh lookup", func() {
		emb := []float32{1, 0, 0}
		_, owner, err := c.LookupOrWait(context.Background(), emb, "acme", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(owner).To(BeTrue())
		c.NotifyComplete(emb, false)

		// No entry was stored, so the next caller owns a new flight.
		_, owner, err = c.LookupOrWait(context.Background(), emb, "acme", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(owner).To(BeTrue())
		c.NotifyComplete(emb, false)
	})

	It("releases a waiter whose context is cancelled", func() {
		emb := []float32{1, 0, 0}
		_, owner, err := c.LookupOrWait(context.Background(), emb, "acme", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(owner).To(BeTrue())

		ctx, cancel := context.WithCancel(context.Background())
		waiterErr := make(chan error, 1)
		go func() {
			_, _, e := c.LookupOrWait(ctx, emb, "acme", "")
			waiterErr <- e
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()
		Eventually(waiterErr, time.Second).Should(Receive(MatchError(context.Canceled)))

		c.NotifyComplete(emb, false)
	})
})
