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

package ingestion_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/graph"
	"github.com/jordigilh/kartograf/pkg/ingestion"
	"github.com/jordigilh/kartograf/pkg/llm"
	"github.com/jordigilh/kartograf/pkg/mutation"
	"github.com/jordigilh/kartograf/pkg/outbox"
)

// fakeASTClient scripts the remote AST service.
type fakeASTClient struct {
	available bool
	results   map[string]ingestion.ASTResult
	err       error
	calls     int
}

func (f *fakeASTClient) Available(context.Context) bool { return f.available }

func (f *fakeASTClient) Extract(_ context.Context, files []ingestion.SourceFile) (map[string]ingestion.ASTResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]ingestion.ASTResult, len(files))
	for _, file := range files {
		if res, ok := f.results[file.Path]; ok {
			out[file.Path] = res
		}
	}
	return out, nil
}

// scriptedLLM answers every structured invocation with a fixed payload.
type scriptedLLM struct {
	answer string
	err    error
	calls  int
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Invoke(context.Context, string) (string, error) {
	s.calls++
	return s.answer, s.err
}

func (s *scriptedLLM) InvokeMessages(context.Context, []llm.Message) (string, error) {
	s.calls++
	return s.answer, s.err
}

func (s *scriptedLLM) InvokeStructured(context.Context, string, []llm.Message) (string, error) {
	s.calls++
	return s.answer, s.err
}

func newState(files ...ingestion.SourceFile) *ingestion.State {
	return ingestion.NewState("acme", "shop", files)
}

var _ = Describe("ASTStage", func() {
	ctx := context.Background()

	It("is a no-op on empty input", func() {
		remote := &fakeASTClient{available: true}
		stage := ingestion.NewASTStage(remote, nil, zap.NewNop())

		state := newState()
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.ASTResults).To(BeEmpty())
		Expect(remote.calls).To(BeZero())
	})

	It("prefers the remote service when available", func() {
		remote := &fakeASTClient{
			available: true,
			results: map[string]ingestion.ASTResult{
				"svc.go": {Path: "svc.go", Language: "go", Symbols: []string{"PayHandler"}},
			},
		}
		locals := map[string]ingestion.LocalExtractor{
			".go": func(ingestion.SourceFile) (ingestion.ASTResult, error) {
				Fail("local extractor must not run when remote is available")
				return ingestion.ASTResult{}, nil
			},
		}
		stage := ingestion.NewASTStage(remote, locals, zap.NewNop())

		state := newState(ingestion.SourceFile{Path: "svc.go", Content: []byte("package svc")})
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(remote.calls).To(Equal(1))
		Expect(state.ASTResults["svc.go"].Symbols).To(ConsistOf("PayHandler"))
	})

	It("falls back to local extractors per extension", func() {
		remote := &fakeASTClient{available: false}
		locals := map[string]ingestion.LocalExtractor{
			".go": func(f ingestion.SourceFile) (ingestion.ASTResult, error) {
				return ingestion.ASTResult{Language: "go", Symbols: []string{"main"}}, nil
			},
		}
		stage := ingestion.NewASTStage(remote, locals, zap.NewNop())

		state := newState(ingestion.SourceFile{Path: "main.go", Content: []byte("package main")})
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(remote.calls).To(BeZero())
		Expect(state.ASTResults["main.go"].Language).To(Equal("go"))
		Expect(state.ASTResults["main.go"].Path).To(Equal("main.go"))
	})

	It("passes source through when no extractor matches", func() {
		stage := ingestion.NewASTStage(nil, nil, zap.NewNop())

		state := newState(ingestion.SourceFile{Path: "svc.rb", Content: []byte("class Svc; end")})
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.ASTResults["svc.rb"].Raw).To(Equal("class Svc; end"))
	})

	It("records per-file local failures without aborting", func() {
		locals := map[string]ingestion.LocalExtractor{
			".go": func(f ingestion.SourceFile) (ingestion.ASTResult, error) {
				if f.Path == "bad.go" {
					return ingestion.ASTResult{}, fmt.Errorf("parse error")
				}
				return ingestion.ASTResult{Language: "go"}, nil
			},
		}
		stage := ingestion.NewASTStage(nil, locals, zap.NewNop())

		state := newState(
			ingestion.SourceFile{Path: "bad.go"},
			ingestion.SourceFile{Path: "ok.go"},
		)
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.FileErrors).To(HaveKey("bad.go"))
		Expect(state.ASTResults).To(HaveKey("ok.go"))
		Expect(state.ASTResults).ToNot(HaveKey("bad.go"))
	})
})

var _ = Describe("ExtractionStage", func() {
	ctx := context.Background()

	newStage := func(backend llm.Provider) *ingestion.ExtractionStage {
		chain, err := llm.NewChain(zap.NewNop(), backend)
		Expect(err).ToNot(HaveOccurred())
		prompts, err := ingestion.NewPromptRegistry("", zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		stage, err := ingestion.NewExtractionStage(chain, prompts, "", zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		return stage
	}

	It("is a no-op without raw files", func() {
		backend := &scriptedLLM{}
		stage := newStage(backend)

		Expect(stage.Run(ctx, newState())).To(Succeed())
		Expect(backend.calls).To(BeZero())
	})

	It("turns model output into entities and edges", func() {
		backend := &scriptedLLM{answer: `Here you go:
{"services": [{"name": "payments", "namespace": "billing", "language": "go", "confidence": 0.9}],
 "calls": [{"from": "payments", "to": "ledger"}],
 "topics": [{"name": "orders", "direction": "consumes", "service": "payments"}]}`}
		stage := newStage(backend)

		state := newState(ingestion.SourceFile{Path: "svc.go", Content: []byte("package svc")})
		state.ASTResults["svc.go"] = ingestion.ASTResult{Path: "svc.go", Language: "go"}

		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(backend.calls).To(Equal(1))
		Expect(state.ExtractedNodes).To(HaveLen(2))
		Expect(state.ExtractedNodes[0].ID).To(Equal(graph.NewEntityID("shop", "billing", "payments")))
		Expect(state.ExtractedNodes[0].Confidence).To(Equal(0.9))
		Expect(state.ExtractedNodes[1].Kind).To(Equal(graph.KindTopic))
		Expect(state.ExtractedEdges).To(HaveLen(2))
		Expect(state.ExtractedEdges[0].Kind).To(Equal(graph.EdgeConsumes))
		Expect(state.ExtractedEdges[1].Kind).To(Equal(graph.EdgeCalls))
	})

	It("applies the default confidence when the model omits it", func() {
		backend := &scriptedLLM{answer: `{"services": [{"name": "gw"}]}`}
		stage := newStage(backend)

		state := newState(ingestion.SourceFile{Path: "gw.go"})
		state.ASTResults["gw.go"] = ingestion.ASTResult{Path: "gw.go"}

		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.ExtractedNodes).To(HaveLen(1))
		Expect(state.ExtractedNodes[0].Confidence).To(Equal(0.7))
	})

	It("records unparseable responses as per-file failures", func() {
		backend := &scriptedLLM{answer: "I could not find any services."}
		stage := newStage(backend)

		state := newState(ingestion.SourceFile{Path: "svc.go"})
		state.ASTResults["svc.go"] = ingestion.ASTResult{Path: "svc.go"}

		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.FileErrors).To(HaveKey("svc.go"))
		Expect(state.ExtractedNodes).To(BeEmpty())
	})

	It("records provider failures per file and keeps going", func() {
		backend := &scriptedLLM{err: fmt.Errorf("upstream down")}
		stage := newStage(backend)

		state := newState(ingestion.SourceFile{Path: "svc.go"})
		state.ASTResults["svc.go"] = ingestion.ASTResult{Path: "svc.go"}

		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.FileErrors).To(HaveKey("svc.go"))
	})
})

// failingRepo rejects every commit.
type failingRepo struct {
	*graph.MemoryRepository
}

func (f *failingRepo) CommitTopology(context.Context, graph.Topology) (graph.CommitResult, error) {
	return graph.CommitResult{}, fmt.Errorf("neo4j unavailable")
}

var _ = Describe("GraphWriteStage", func() {
	ctx := context.Background()

	It("records skipped for an empty entity list", func() {
		stage := ingestion.NewGraphWriteStage(graph.NewMemoryRepository(), zap.NewNop())

		state := newState()
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.CommitStatus).To(Equal(graph.CommitSkipped))
	})

	It("commits and carries the mutation events", func() {
		repo := graph.NewMemoryRepository()
		stage := ingestion.NewGraphWriteStage(repo, zap.NewNop())

		// First commit with two entities and an edge.
		first := newState()
		first.ExtractedNodes = []graph.Entity{
			{ID: graph.NewEntityID("shop", "billing", "payments"), Kind: graph.KindService, TenantID: "acme"},
			{ID: graph.NewEntityID("shop", "billing", "ledger"), Kind: graph.KindService, TenantID: "acme"},
		}
		first.ExtractedEdges = []graph.Edge{{
			From:     graph.NewEntityID("shop", "billing", "payments"),
			To:       graph.NewEntityID("shop", "billing", "ledger"),
			Kind:     graph.EdgeCalls,
			TenantID: "acme",
		}}
		Expect(stage.Run(ctx, first)).To(Succeed())
		Expect(first.CommitStatus).To(Equal(graph.CommitSuccess))

		// Second commit drops ledger; the vanished edge tombstones and
		// the vanished node deletes.
		second := newState()
		second.ExtractedNodes = first.ExtractedNodes[:1]
		Expect(stage.Run(ctx, second)).To(Succeed())
		Expect(second.CommitStatus).To(Equal(graph.CommitSuccess))
		Expect(second.MutationEvents).ToNot(BeEmpty())
	})

	It("records failed on commit error and lets the pipeline continue", func() {
		stage := ingestion.NewGraphWriteStage(&failingRepo{graph.NewMemoryRepository()}, zap.NewNop())

		state := newState()
		state.ExtractedNodes = []graph.Entity{
			{ID: graph.NewEntityID("shop", "billing", "payments"), Kind: graph.KindService, TenantID: "acme"},
		}
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.CommitStatus).To(Equal(graph.CommitFailed))
	})
})

var _ = Describe("VectorSyncStage", func() {
	ctx := context.Background()

	It("records skipped when no mutation triggers deletion", func() {
		store := outbox.NewMemoryStore()
		stage, err := ingestion.NewVectorSyncStage(store, nil, "", zap.NewNop())
		Expect(err).ToNot(HaveOccurred())

		state := newState()
		state.MutationEvents = []mutation.Event{
			mutation.NewEvent(mutation.NodeUpsert, "acme", []string{"a"}),
		}
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.VectorSyncStatus).To(Equal(ingestion.VectorSyncSkipped))

		pending, err := store.LoadPending(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("enqueues outbox deletions for tombstones", func() {
		store := outbox.NewMemoryStore()
		stage, err := ingestion.NewVectorSyncStage(store, nil, "code_entities", zap.NewNop())
		Expect(err).ToNot(HaveOccurred())

		state := newState()
		state.MutationEvents = []mutation.Event{
			mutation.NewEvent(mutation.EdgeTombstone, "acme", []string{"shop::billing::ledger"}),
		}
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.VectorSyncStatus).To(Equal(ingestion.VectorSyncEnqueued))

		pending, err := store.LoadPending(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].Collection).To(Equal("code_entities"))
		Expect(pending[0].PrunedIDs).To(Equal([]string{"shop::billing::ledger"}))
	})

	It("publishes through the transport when configured", func() {
		transport := mutation.NewMemoryTransport()
		stage, err := ingestion.NewVectorSyncStage(nil, transport, "", zap.NewNop())
		Expect(err).ToNot(HaveOccurred())

		state := newState()
		state.MutationEvents = []mutation.Event{
			mutation.NewEvent(mutation.NodeDelete, "acme", []string{"shop::billing::ledger"}),
		}
		Expect(stage.Run(ctx, state)).To(Succeed())
		Expect(state.VectorSyncStatus).To(Equal(ingestion.VectorSyncPublished))
		Expect(transport.Published()).To(HaveLen(1))
	})

	It("requires a store or a transport", func() {
		_, err := ingestion.NewVectorSyncStage(nil, nil, "", zap.NewNop())
		Expect(err).To(HaveOccurred())
	})
})
