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

// Package config loads the kartograf runtime configuration from the
// environment and enforces the production deployment gate.
// BR-CONFIG-001: Environment-driven configuration with validated defaults
// BR-CONFIG-002: Production-mode startup assertions
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DeploymentMode selects dev-friendly or production-hardened behavior.
type DeploymentMode string

const (
	ModeDev        DeploymentMode = "dev"
	ModeProduction DeploymentMode = "production"
)

// Backend identifiers shared across factories.
const (
	CheckpointMemory   = "memory"
	CheckpointPostgres = "postgres"

	VectorSyncMemory = "memory"
	VectorSyncKafka  = "kafka"
	VectorSyncRedis  = "redis"
	VectorSyncNeo4j  = "neo4j"

	BlobStoreMemory     = "memory"
	BlobStoreFilesystem = "filesystem"
	BlobStoreObject     = "object"

	DedupStoreNoop  = "noop"
	DedupStoreRedis = "redis"
)

// Config is the process-wide configuration. Every field maps to an
// environment variable; Load applies defaults and Validate enforces the
// struct-level constraints.
type Config struct {
	DeploymentMode DeploymentMode `validate:"required,oneof=dev production"`

	// Checkpointing
	CheckpointBackend     string `validate:"oneof=memory postgres"`
	CheckpointPostgresDSN string `validate:"required_if=CheckpointBackend postgres"`

	// Tombstone reaper
	TombstoneTTLDays      int           `validate:"gt=0"`
	TombstoneBatchSize    int           `validate:"gt=0"`
	TombstoneMaxBatchSize int           `validate:"gtefield=TombstoneBatchSize"`
	TombstoneReapInterval time.Duration `validate:"gt=0"`

	// Query planning and cost accounting
	CandidateLimit      int `validate:"gt=0"`
	QueryCostEntity     int `validate:"gt=0"`
	QueryCostSingleHop  int `validate:"gt=0"`
	QueryCostMultiHop   int `validate:"gt=0"`
	QueryCostAggregate  int `validate:"gt=0"`
	CostBudgetCapacity  int `validate:"gt=0"`
	CostBudgetWindowSec int `validate:"gt=0"`

	// RAG evaluation
	RAGLowRelevanceThreshold float64 `validate:"gte=0,lte=1"`
	RAGEnableEvaluation      bool

	// Semantic cache
	CacheSimilarityThreshold float64 `validate:"gte=0,lte=1"`
	CacheMaxEntries          int     `validate:"gt=0"`
	CacheBaseTTL             time.Duration
	CacheKeyPrefixLen        int `validate:"gte=0"`

	// Vector sync transport
	VectorSyncBackend    string `validate:"oneof=memory kafka redis neo4j"`
	VectorSyncKafkaTopic string
	KafkaBrokers         []string

	// Shared store. Empty selects local-only variants.
	RedisURL string

	// Ingestion
	MaxInflight      int
	BlobStoreKind    string `validate:"oneof=memory filesystem object"`
	BlobStorePath    string
	DedupStoreKind   string `validate:"oneof=noop redis"`
	DLQTopic         string
	DLQFallbackPath  string
	SandboxedReadTTL time.Duration

	// Rate limiting
	BucketCapacity   float64 `validate:"gt=0"`
	BucketRefillRate float64 `validate:"gt=0"`
	BucketMinRate    float64 `validate:"gt=0"`
	BucketMaxRate    float64 `validate:"gtefield=BucketMinRate"`
	MaxTenantBuckets int     `validate:"gt=0"`

	// LLM providers
	LLMPrimary     string `validate:"oneof=openai anthropic bedrock"`
	LLMModel       string
	OutboxPostgres string
}

// Load builds a Config from the environment, applying the documented
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		DeploymentMode:        DeploymentMode(envString("DEPLOYMENT_MODE", string(ModeDev))),
		CheckpointBackend:     envString("CHECKPOINT_BACKEND", CheckpointMemory),
		CheckpointPostgresDSN: os.Getenv("CHECKPOINT_POSTGRES_DSN"),

		TombstoneTTLDays:      envInt("TOMBSTONE_TTL_DAYS", 7),
		TombstoneBatchSize:    envInt("TOMBSTONE_BATCH_SIZE", 100),
		TombstoneMaxBatchSize: envInt("TOMBSTONE_MAX_BATCH_SIZE", 2000),
		TombstoneReapInterval: time.Duration(envInt("TOMBSTONE_REAP_INTERVAL_SECONDS", 3600)) * time.Second,

		CandidateLimit:      envInt("CANDIDATE_LIMIT", 50),
		QueryCostEntity:     envInt("QUERY_COST_ENTITY_LOOKUP", 1),
		QueryCostSingleHop:  envInt("QUERY_COST_SINGLE_HOP", 3),
		QueryCostMultiHop:   envInt("QUERY_COST_MULTI_HOP", 10),
		QueryCostAggregate:  envInt("QUERY_COST_AGGREGATE", 8),
		CostBudgetCapacity:  envInt("COST_BUDGET_CAPACITY", 100),
		CostBudgetWindowSec: envInt("COST_BUDGET_WINDOW_SECONDS", 60),

		RAGLowRelevanceThreshold: envFloat("RAG_LOW_RELEVANCE_THRESHOLD", 0.3),
		RAGEnableEvaluation:      envBool("RAG_ENABLE_EVALUATION", true),

		CacheSimilarityThreshold: envFloat("CACHE_SIMILARITY_THRESHOLD", 0.92),
		CacheMaxEntries:          envInt("CACHE_MAX_ENTRIES", 10000),
		CacheBaseTTL:             time.Duration(envInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
		CacheKeyPrefixLen:        envInt("CACHE_KEY_PREFIX_LEN", 0),

		VectorSyncBackend:    envString("VECTOR_SYNC_BACKEND", VectorSyncMemory),
		VectorSyncKafkaTopic: envString("VECTOR_SYNC_KAFKA_TOPIC", "graph.mutations"),
		KafkaBrokers:         envList("KAFKA_BROKERS"),

		RedisURL: os.Getenv("REDIS_URL"),

		MaxInflight:      envInt("MAX_INFLIGHT", 4),
		BlobStoreKind:    envString("BLOB_STORE", BlobStoreMemory),
		BlobStorePath:    os.Getenv("BLOB_STORE_PATH"),
		DedupStoreKind:   envString("DEDUP_STORE", DedupStoreNoop),
		DLQTopic:         os.Getenv("DLQ_TOPIC"),
		DLQFallbackPath:  os.Getenv("DLQ_FALLBACK_PATH"),
		SandboxedReadTTL: time.Duration(envInt("SANDBOXED_READ_TIMEOUT_SECONDS", 30)) * time.Second,

		BucketCapacity:   envFloat("RATE_BUCKET_CAPACITY", 20),
		BucketRefillRate: envFloat("RATE_BUCKET_REFILL_RATE", 10),
		BucketMinRate:    envFloat("RATE_BUCKET_MIN_RATE", 1),
		BucketMaxRate:    envFloat("RATE_BUCKET_MAX_RATE", 50),
		MaxTenantBuckets: envInt("RATE_MAX_TENANTS", 1024),

		LLMPrimary:     envString("LLM_PRIMARY", "openai"),
		LLMModel:       envString("LLM_MODEL", "gpt-4o-mini"),
		OutboxPostgres: os.Getenv("OUTBOX_POSTGRES_DSN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct-level constraints. Production-specific
// invariants live in ValidateProduction so dev environments stay permissive.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsProduction reports whether the production gate applies.
func (c *Config) IsProduction() bool {
	return c.DeploymentMode == ModeProduction
}

// ValidateProduction enforces the production deployment gate. Callers must
// treat a returned error as fatal at startup: the process aborts rather than
// run with volatile or lossy infrastructure.
//
// Gate contents:
//   - MAX_INFLIGHT must be positive
//   - blob store must be the object store
//   - dedup store must not be noop
//   - DLQ topic is required; a DLQ fallback path is forbidden
//   - a durable outbox DSN is required
func (c *Config) ValidateProduction() error {
	if !c.IsProduction() {
		return nil
	}
	var violations []string
	if c.MaxInflight <= 0 {
		violations = append(violations, "MAX_INFLIGHT must be > 0")
	}
	if c.BlobStoreKind != BlobStoreObject {
		violations = append(violations, fmt.Sprintf("blob store %q is not the object store", c.BlobStoreKind))
	}
	if c.DedupStoreKind == DedupStoreNoop {
		violations = append(violations, "dedup store must not be noop")
	}
	if c.DLQTopic == "" {
		violations = append(violations, "DLQ_TOPIC is required")
	}
	if c.DLQFallbackPath != "" {
		violations = append(violations, "DLQ_FALLBACK_PATH is forbidden in production")
	}
	if c.OutboxPostgres == "" {
		violations = append(violations, "OUTBOX_POSTGRES_DSN is required for a durable drainer")
	}
	if len(violations) > 0 {
		return fmt.Errorf("production gate failed: %s", strings.Join(violations, "; "))
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
