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

// Package cache implements the two-level semantic query cache: a local L1
// keyed by embedding similarity and an optional shared L2 with
// stream-broadcast invalidation, plus a generational LRU for raw subgraph
// reads.
//
// Business Requirements: BR-CACHE-001 (strict tenant/ACL scoping),
// BR-CACHE-002 (topology-coherent answers).
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Quality grades a cached answer for aggregate scoring.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityError   Quality = "error"
	QualitySkipped Quality = "skipped"
	QualityPending Quality = "pending"
)

// Entry is one cached answer. Tenant and ACL scope take part in lookups
// but never in the key itself.
type Entry struct {
	KeyHash      string
	Embedding    []float32
	Query        string
	Result       map[string]any
	CreatedAt    time.Time
	TTL          time.Duration
	TenantID     string
	ACLKey       string
	NodeIDs      map[string]struct{}
	TopologyHash string
	AccessCount  int
	Quality      Quality
	Score        float64
}

// Expired reports whether the entry's jittered TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// ComputeKey digests an embedding into the cache key. prefixLen > 0
// restricts the digest to the first prefixLen dimensions, which tests use
// to force collisions.
func ComputeKey(embedding []float32, prefixLen int) string {
	dims := embedding
	if prefixLen > 0 && prefixLen < len(dims) {
		dims = dims[:prefixLen]
	}
	h := sha256.New()
	var buf [4]byte
	for _, v := range dims {
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(v*1e6)))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ComputeTopologyHash digests the sorted set of node ids that influenced a
// result. The empty set hashes to the empty string, which matches any
// topology.
func ComputeTopologyHash(nodeIDs []string) string {
	if len(nodeIDs) == 0 {
		return ""
	}
	sorted := append([]string(nil), nodeIDs...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(h[:])[:32]
}
