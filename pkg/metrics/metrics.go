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

// Package metrics defines the prometheus instruments for every kartograf
// subsystem. Each subsystem gets its own bundle built against an injected
// registerer so tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache instruments the semantic and subgraph caches.
type Cache struct {
	Hits      *prometheus.CounterVec
	Misses    *prometheus.CounterVec
	Evictions *prometheus.CounterVec
	Size      *prometheus.GaugeVec
	Lookups   *prometheus.HistogramVec
}

// NewCache builds cache instruments on reg.
func NewCache(reg prometheus.Registerer) *Cache {
	f := promauto.With(reg)
	return &Cache{
		Hits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "cache", Name: "hits_total",
			Help: "Cache hits by layer.",
		}, []string{"layer"}),
		Misses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "cache", Name: "misses_total",
			Help: "Cache misses by layer.",
		}, []string{"layer"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted by reason (expired, lru, invalidated).",
		}, []string{"reason"}),
		Size: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kartograf", Subsystem: "cache", Name: "entries",
			Help: "Current entry count by layer.",
		}, []string{"layer"}),
		Lookups: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kartograf", Subsystem: "cache", Name: "lookup_seconds",
			Help:    "Lookup latency by layer.",
			Buckets: prometheus.DefBuckets,
		}, []string{"layer"}),
	}
}

// Outbox instruments the outbox drainer.
type Outbox struct {
	Drained   prometheus.Counter
	Failures  prometheus.Counter
	Discarded prometheus.Counter
	Pending   prometheus.Gauge
	Releases  prometheus.Counter
}

// NewOutbox builds outbox instruments on reg.
func NewOutbox(reg prometheus.Registerer) *Outbox {
	f := promauto.With(reg)
	return &Outbox{
		Drained: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "outbox", Name: "drained_total",
			Help: "Events successfully applied downstream and removed.",
		}),
		Failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "outbox", Name: "failures_total",
			Help: "Per-event downstream failures (retried).",
		}),
		Discarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "outbox", Name: "discarded_total",
			Help: "Events dropped after exhausting the retry budget.",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kartograf", Subsystem: "outbox", Name: "pending",
			Help: "Pending events at the end of the last drain cycle.",
		}),
		Releases: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "outbox", Name: "released_claims_total",
			Help: "Expired claims returned to pending.",
		}),
	}
}

// Reaper instruments the tombstone reaper.
type Reaper struct {
	ReapedTotal        prometheus.Counter
	Pending            prometheus.Gauge
	LastEffectiveBatch prometheus.Gauge
	CycleErrors        prometheus.Counter
}

// NewReaper builds reaper instruments on reg.
func NewReaper(reg prometheus.Registerer) *Reaper {
	f := promauto.With(reg)
	return &Reaper{
		ReapedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "reaper", Name: "reaped_total",
			Help: "Tombstoned edges physically removed.",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kartograf", Subsystem: "reaper", Name: "pending",
			Help: "Tombstones still past cutoff after the last cycle.",
		}),
		LastEffectiveBatch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kartograf", Subsystem: "reaper", Name: "last_effective_batch",
			Help: "Adaptive batch size the last cycle ended on.",
		}),
		CycleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "reaper", Name: "cycle_errors_total",
			Help: "Reap cycles that ended with an error.",
		}),
	}
}

// Query instruments the query engine and its admission gates.
type Query struct {
	Admitted    *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Evaluations *prometheus.CounterVec
}

// NewQuery builds query instruments on reg.
func NewQuery(reg prometheus.Registerer) *Query {
	f := promauto.With(reg)
	return &Query{
		Admitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "query", Name: "admitted_total",
			Help: "Queries admitted past rate and cost gates.",
		}, []string{"complexity"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "query", Name: "rejected_total",
			Help: "Queries rejected by gate (rate_limit, cost_budget).",
		}, []string{"gate"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kartograf", Subsystem: "query", Name: "duration_seconds",
			Help:    "End-to-end query latency by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "query", Name: "evaluations_total",
			Help: "Answer evaluations by quality.",
		}, []string{"quality"}),
	}
}

// Pipeline instruments ingestion stage execution.
type Pipeline struct {
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	FilesHandled  *prometheus.CounterVec
}

// NewPipeline builds pipeline instruments on reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kartograf", Subsystem: "pipeline", Name: "stage_seconds",
			Help:    "Stage execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "pipeline", Name: "stage_failures_total",
			Help: "Stage executions that recorded a failure.",
		}, []string{"stage"}),
		FilesHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kartograf", Subsystem: "pipeline", Name: "files_total",
			Help: "Files moved to a terminal checkpoint status.",
		}, []string{"status"}),
	}
}
