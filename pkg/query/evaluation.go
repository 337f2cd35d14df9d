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

package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/cache"
	"github.com/jordigilh/kartograf/pkg/llm"
	"github.com/jordigilh/kartograf/pkg/metrics"
)

// EvaluationResult is the settled verdict for one answered query.
type EvaluationResult struct {
	QueryID      string        `json:"query_id"`
	Score        float64       `json:"score"`
	Reasoning    string        `json:"reasoning"`
	UsedFallback bool          `json:"used_fallback"`
	Quality      cache.Quality `json:"quality"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// EvaluatorConfig wires the async answer judge.
type EvaluatorConfig struct {
	Chain *llm.Chain
	// Cache receives the settled quality for the entry that produced the
	// answer. Optional: without it verdicts are recorded but entries stay
	// pending.
	Cache *cache.SemanticCache
	// Threshold is the minimum judge score for a good verdict. Defaults
	// to 0.3.
	Threshold float64
	// Timeout bounds one judge invocation. Defaults to 30s.
	Timeout time.Duration
	Metrics *metrics.Query
	Logger  *zap.Logger
}

// Evaluator scores answers through the judge model off the request path.
// Results become readable once the judge settles; until then Get reports
// the query as not evaluated, which the HTTP layer surfaces as 404.
type Evaluator struct {
	cfg EvaluatorConfig

	mu      sync.Mutex
	pending map[string]struct{}
	results map[string]EvaluationResult

	wg    sync.WaitGroup
	clock func() time.Time
}

// NewEvaluator validates the wiring and returns a ready evaluator.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("evaluator requires a provider chain")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Evaluator{
		cfg:     cfg,
		pending: make(map[string]struct{}),
		results: make(map[string]EvaluationResult),
		clock:   time.Now,
	}, nil
}

// WithClock overrides time for tests.
func (ev *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	ev.clock = clock
	return ev
}

// Start schedules an async evaluation of answer against question. cacheKey
// names the semantic-cache entry awaiting the verdict; empty means the
// answer was never cached.
func (ev *Evaluator) Start(queryID, cacheKey, question, answer string) {
	ev.mu.Lock()
	ev.pending[queryID] = struct{}{}
	ev.mu.Unlock()

	ev.wg.Add(1)
	go func() {
		defer ev.wg.Done()
		ev.run(queryID, cacheKey, question, answer)
	}()
}

// Get returns the settled result for queryID. ok is false while the
// evaluation is still pending or was never started.
func (ev *Evaluator) Get(queryID string) (EvaluationResult, bool) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	res, ok := ev.results[queryID]
	return res, ok
}

// Pending reports whether queryID has an evaluation in flight.
func (ev *Evaluator) Pending(queryID string) bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	_, ok := ev.pending[queryID]
	return ok
}

// Wait blocks until every started evaluation has settled.
func (ev *Evaluator) Wait() {
	ev.wg.Wait()
}

func (ev *Evaluator) run(queryID, cacheKey, question, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), ev.cfg.Timeout)
	defer cancel()

	verdict, err := ev.judge(ctx, question, answer)
	if err != nil {
		// Fail open: the answer already reached the caller, so a judge
		// outage only downgrades the entry out of aggregate scoring.
		ev.cfg.Logger.Warn("answer evaluation failed",
			zap.String("query_id", queryID), zap.Error(err))
		ev.settle(queryID, cacheKey, EvaluationResult{
			QueryID:   queryID,
			Reasoning: err.Error(),
			Quality:   cache.QualityError,
		})
		return
	}

	quality := cache.QualityGood
	switch {
	case verdict.UsedFallback:
		quality = cache.QualitySkipped
	case verdict.Score < ev.cfg.Threshold:
		quality = cache.QualityError
	}
	ev.settle(queryID, cacheKey, EvaluationResult{
		QueryID:      queryID,
		Score:        verdict.Score,
		Reasoning:    verdict.Reasoning,
		UsedFallback: verdict.UsedFallback,
		Quality:      quality,
	})
}

func (ev *Evaluator) judge(ctx context.Context, question, answer string) (llm.Verdict, error) {
	raw, err := ev.cfg.Chain.Invoke(ctx, buildJudgePrompt(question, answer))
	if err != nil {
		return llm.Verdict{}, fmt.Errorf("invoking judge: %w", err)
	}
	verdict, err := llm.ParseVerdict(raw)
	if err != nil {
		return llm.Verdict{}, fmt.Errorf("parsing verdict: %w", err)
	}
	return verdict, nil
}

func (ev *Evaluator) settle(queryID, cacheKey string, res EvaluationResult) {
	res.CompletedAt = ev.clock().UTC()

	ev.mu.Lock()
	delete(ev.pending, queryID)
	ev.results[queryID] = res
	ev.mu.Unlock()

	if ev.cfg.Cache != nil && cacheKey != "" {
		ev.cfg.Cache.SetQuality(cacheKey, res.Quality, res.Score)
	}
	if ev.cfg.Metrics != nil {
		ev.cfg.Metrics.Evaluations.WithLabelValues(string(res.Quality)).Inc()
	}
}

func buildJudgePrompt(question, answer string) string {
	return fmt.Sprintf(`You are grading the relevance of an answer about a service dependency graph.

Question:
%s

Answer:
%s

Score the answer's relevance to the question from 0.0 to 1.0 and explain
briefly. Respond with a single JSON object:
{"score": <float>, "reasoning": "<one sentence>"}`, question, answer)
}
