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

// Package query serves semantic questions against the knowledge graph:
// admission through rate and cost gates, coalesced semantic caching, a
// subgraph read through the generational LRU, and answer synthesis through
// the provider chain.
// BR-QUERY-001: Cached, cost-accounted GraphRAG serving
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/audit"
	"github.com/jordigilh/kartograf/pkg/cache"
	"github.com/jordigilh/kartograf/pkg/embedding"
	"github.com/jordigilh/kartograf/pkg/graph"
	"github.com/jordigilh/kartograf/pkg/llm"
	"github.com/jordigilh/kartograf/pkg/metrics"
	"github.com/jordigilh/kartograf/pkg/ratelimit"
)

// Admission errors map to the HTTP 429 surface.
var (
	ErrRateLimited    = errors.New("rate limit exceeded for tenant")
	ErrBudgetExceeded = errors.New("cost budget exceeded for tenant")
)

// Embedder turns one query string into an embedding.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// batcherEmbedder routes single queries through the shared batcher.
type batcherEmbedder struct {
	b *embedding.Batcher
}

// NewBatcherEmbedder adapts the embedding batcher to the engine.
func NewBatcherEmbedder(b *embedding.Batcher) Embedder {
	return &batcherEmbedder{b: b}
}

func (e *batcherEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	future, err := e.b.Submit(text, nil)
	if err != nil {
		return nil, err
	}
	return future.Await(ctx)
}

// Request is one incoming query.
type Request struct {
	TenantID string `json:"tenant_id" validate:"required"`
	ACLKey   string `json:"acl_key"`
	Query    string `json:"query" validate:"required"`
	// Root optionally pins the subgraph walk to an entity id of the form
	// repository::namespace::name. Without it the answer is synthesized
	// from the question alone.
	Root string `json:"root,omitempty"`
}

// Response is the engine's answer.
type Response struct {
	QueryID    string         `json:"query_id"`
	Result     map[string]any `json:"result"`
	CacheHit   bool           `json:"cache_hit"`
	Complexity string         `json:"complexity"`
}

// EngineConfig wires the engine's collaborators. Limiter, Cache, Embedder
// and Chain are required; the rest degrade gracefully when absent.
type EngineConfig struct {
	Limiter   ratelimit.Limiter
	Budget    *ratelimit.CostBudget
	Cache     *cache.SemanticCache
	L2        *cache.L2
	Subgraphs *cache.SubgraphCache
	Repo      graph.Repository
	Embedder  Embedder
	Chain     *llm.Chain
	Evaluator *Evaluator
	Audit     *audit.Trail
	CacheTTL  time.Duration
	Metrics   *metrics.Query
	Logger    *zap.Logger
}

// Engine runs the query path end to end.
type Engine struct {
	cfg    EngineConfig
	tracer trace.Tracer
}

// NewEngine validates the wiring.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("semantic cache cannot be nil")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("provider chain cannot be nil")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, tracer: otel.Tracer("kartograf/query")}, nil
}

// Query admits, resolves and answers one request.
func (e *Engine) Query(ctx context.Context, req Request) (Response, error) {
	if req.TenantID == "" || req.Query == "" {
		return Response{}, fmt.Errorf("tenant id and query are required")
	}
	ctx, span := e.tracer.Start(ctx, "query.engine",
		trace.WithAttributes(attribute.String("tenant_id", req.TenantID)))
	defer span.End()
	start := time.Now()

	admitted, err := e.cfg.Limiter.TryAcquire(ctx, req.TenantID)
	if err != nil {
		return Response{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !admitted {
		e.reject("rate_limit")
		return Response{}, fmt.Errorf("tenant %s: %w", req.TenantID, ErrRateLimited)
	}

	plan := Classify(req.Query)
	span.SetAttributes(attribute.String("complexity", string(plan.Complexity)))
	if e.cfg.Budget != nil && !e.cfg.Budget.TryAcquire(req.TenantID, plan.Complexity) {
		e.reject("cost_budget")
		return Response{}, fmt.Errorf("tenant %s: %w", req.TenantID, ErrBudgetExceeded)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Admitted.WithLabelValues(string(plan.Complexity)).Inc()
	}

	normalized := cache.NormalizeQuery(req.Query)
	emb, err := e.cfg.Embedder.EmbedQuery(ctx, normalized)
	if err != nil {
		var rle *embedding.RateLimitError
		if errors.As(err, &rle) {
			_ = e.cfg.Limiter.RecordThrottle(ctx, req.TenantID)
		}
		return Response{}, fmt.Errorf("embedding query: %w", err)
	}

	result, owner, err := e.cfg.Cache.LookupOrWait(ctx, emb, req.TenantID, req.ACLKey)
	if err != nil {
		return Response{}, err
	}
	if !owner {
		_ = e.cfg.Limiter.RecordSuccess(ctx, req.TenantID)
		resp := e.respond(ctx, req, plan, result, "", true, start)
		return resp, nil
	}

	// Shared layer before compute: another replica may have the answer.
	if e.cfg.L2 != nil {
		if shared, ok, l2err := e.cfg.L2.Get(ctx, e.cfg.Cache.Key(emb), req.TenantID, req.ACLKey); l2err == nil && ok {
			e.cfg.Cache.NotifyComplete(emb, false)
			_ = e.cfg.Limiter.RecordSuccess(ctx, req.TenantID)
			resp := e.respond(ctx, req, plan, shared, "", true, start)
			return resp, nil
		}
	}

	result, nodeIDs, err := e.compute(ctx, req, plan)
	if err != nil {
		span.RecordError(err)
		e.cfg.Cache.NotifyComplete(emb, true)
		var unavailable *llm.ProviderUnavailableError
		if errors.As(err, &unavailable) {
			_ = e.cfg.Limiter.RecordThrottle(ctx, req.TenantID)
		}
		e.observe("error", start)
		return Response{}, err
	}

	quality := cache.QualityGood
	if e.cfg.Evaluator != nil {
		quality = cache.QualityPending
	}
	key := e.cfg.Cache.Store(emb, normalized, result, cache.StoreOptions{
		TenantID:   req.TenantID,
		ACLKey:     req.ACLKey,
		NodeIDs:    nodeIDs,
		Complexity: string(plan.Complexity),
		Quality:    quality,
	})
	e.cfg.Cache.NotifyComplete(emb, false)

	if e.cfg.L2 != nil {
		rec := cache.L2Record{
			Query:        normalized,
			Result:       result,
			TenantID:     req.TenantID,
			ACLKey:       req.ACLKey,
			TopologyHash: cache.ComputeTopologyHash(nodeIDs),
			NodeIDs:      nodeIDs,
		}
		if l2err := e.cfg.L2.Set(ctx, key, rec, e.cfg.CacheTTL); l2err != nil {
			e.cfg.Logger.Warn("shared cache write failed", zap.Error(l2err))
		}
	}

	_ = e.cfg.Limiter.RecordSuccess(ctx, req.TenantID)
	resp := e.respond(ctx, req, plan, result, key, false, start)
	return resp, nil
}

// compute runs the retrieval plan and synthesizes an answer.
func (e *Engine) compute(ctx context.Context, req Request, plan Plan) (map[string]any, []string, error) {
	var nodeIDs []string
	var contextBlock string

	if req.Root != "" && e.cfg.Repo != nil && plan.Depth > 0 {
		root := graph.EntityID(req.Root)
		sub, err := e.loadSubgraph(ctx, req.TenantID, root, plan.Depth)
		if err != nil {
			return nil, nil, fmt.Errorf("reading subgraph for %s: %w", req.Root, err)
		}
		nodeIDs = sub.NodeIDs()
		contextBlock = renderSubgraph(sub)
	}

	prompt := buildAnswerPrompt(req.Query, contextBlock)
	answer, err := e.cfg.Chain.Invoke(ctx, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("synthesizing answer: %w", err)
	}

	result := map[string]any{"answer": answer}
	if len(nodeIDs) > 0 {
		sources := make([]any, len(nodeIDs))
		for i, id := range nodeIDs {
			sources[i] = id
		}
		result["sources"] = sources
	}
	return result, nodeIDs, nil
}

func (e *Engine) loadSubgraph(ctx context.Context, tenantID string, root graph.EntityID, depth int) (*graph.Subgraph, error) {
	if e.cfg.Subgraphs == nil {
		return e.cfg.Repo.Subgraph(ctx, tenantID, root, depth)
	}
	return e.cfg.Subgraphs.GetOrLoad(ctx, tenantID, root, depth,
		func(ctx context.Context) (*graph.Subgraph, error) {
			return e.cfg.Repo.Subgraph(ctx, tenantID, root, depth)
		})
}

// respond finalizes a successful query: audit row, evaluation kickoff,
// latency metric.
func (e *Engine) respond(ctx context.Context, req Request, plan Plan, result map[string]any, cacheKey string, cacheHit bool, start time.Time) Response {
	resp := Response{
		QueryID:    uuid.NewString(),
		Result:     result,
		CacheHit:   cacheHit,
		Complexity: string(plan.Complexity),
	}

	if e.cfg.Audit != nil {
		cost := ratelimit.DefaultCostModel().CostFor(plan.Complexity)
		if _, err := e.cfg.Audit.Append(ctx, req.TenantID, string(plan.Complexity), cost, cacheHit, time.Since(start)); err != nil {
			e.cfg.Logger.Warn("audit append failed", zap.Error(err))
		}
	}
	if e.cfg.Evaluator != nil && !cacheHit {
		answer, _ := result["answer"].(string)
		e.cfg.Evaluator.Start(resp.QueryID, cacheKey, req.Query, answer)
	}

	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	e.observe(outcome, start)
	return resp
}

func (e *Engine) reject(gate string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Rejected.WithLabelValues(gate).Inc()
	}
}

func (e *Engine) observe(outcome string, start time.Time) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func buildAnswerPrompt(question, contextBlock string) string {
	var b strings.Builder
	b.WriteString("Answer the question about this service topology.\n")
	if contextBlock != "" {
		b.WriteString("\nTopology context:\n")
		b.WriteString(contextBlock)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer concisely from the context; say so when the context is insufficient.")
	return b.String()
}

func renderSubgraph(sub *graph.Subgraph) string {
	var b strings.Builder
	for _, e := range sub.Entities {
		fmt.Fprintf(&b, "- %s (%s)\n", e.ID, e.Kind)
	}
	for _, edge := range sub.Edges {
		fmt.Fprintf(&b, "- %s %s %s\n", edge.From, edge.Kind, edge.To)
	}
	return b.String()
}
