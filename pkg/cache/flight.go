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

import "context"

// flight is one in-progress computation. Waiters park on their own channel;
// a waiter woken with true has been promoted to owner after the previous
// owner failed.
type flight struct {
	waiters []chan bool
}

// LookupOrWait is the coalescing entry point for query compute. The first
// caller for a key misses and becomes the owner, obliged to call
// NotifyComplete. Concurrent callers for the same key park until the owner
// finishes; on success they re-run the lookup, on failure exactly one of
// them is promoted to retry the compute. The per-key state is deleted on
// completion, so a fresh caller afterwards observes a plain lookup. This
// is deliberately not a global lock: flights for different keys never
// contend beyond the map access.
func (c *SemanticCache) LookupOrWait(ctx context.Context, embedding []float32, tenantID, aclKey string) (map[string]any, bool, error) {
	key := c.Key(embedding)

	for {
		c.mu.Lock()
		if best := c.bestMatchLocked(embedding, tenantID, aclKey, c.clock()); best != nil {
			best.AccessCount++
			c.lru.MoveToFront(c.entries[best.KeyHash])
			c.hits++
			if c.metrics != nil {
				c.metrics.Hits.WithLabelValues("l1").Inc()
			}
			result := best.Result
			c.mu.Unlock()
			return result, false, nil
		}

		if c.flights == nil {
			c.flights = make(map[string]*flight)
		}
		f, inFlight := c.flights[key]
		if !inFlight {
			c.flights[key] = &flight{}
			c.misses++
			if c.metrics != nil {
				c.metrics.Misses.WithLabelValues("l1").Inc()
			}
			c.mu.Unlock()
			return nil, true, nil
		}

		wake := make(chan bool, 1)
		f.waiters = append(f.waiters, wake)
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.abandonWaiter(key, wake)
			return nil, false, ctx.Err()
		case promoted := <-wake:
			if promoted {
				return nil, true, nil
			}
			// Owner completed: loop back for a normal lookup. A miss here
			// (e.g. the produced entry was scoped differently) restarts
			// the flight protocol.
		}
	}
}

// NotifyComplete ends the caller's ownership of a key. failed promotes one
// waiter to owner so the compute is retried rather than silently lost; a
// success wakes everyone for a re-lookup.
func (c *SemanticCache) NotifyComplete(embedding []float32, failed bool) {
	c.notifyCompleteKey(c.Key(embedding), failed)
}

func (c *SemanticCache) notifyCompleteKey(key string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		return
	}

	if failed && len(f.waiters) > 0 {
		promoted := f.waiters[0]
		f.waiters = f.waiters[1:]
		promoted <- true
		// Remaining waiters stay parked for the new owner's outcome.
		return
	}

	for _, w := range f.waiters {
		w <- false
	}
	delete(c.flights, key)
}

// abandonWaiter drops a cancelled waiter's channel from its flight. The
// waiter may have been woken concurrently; drain without blocking either
// way.
func (c *SemanticCache) abandonWaiter(key string, wake chan bool) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if ok {
		for i, w := range f.waiters {
			if w == wake {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	select {
	case promoted := <-wake:
		if promoted {
			// We were promoted concurrently with cancellation: hand the
			// ownership on as a failure so another waiter gets the retry.
			c.notifyCompleteKey(key, true)
		}
	default:
	}
}
