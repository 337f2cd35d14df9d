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

package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/graph"
	"github.com/jordigilh/kartograf/pkg/llm"
)

// DefaultConfidence is assigned when the model omits a confidence value.
// Later stages never reduce a node's confidence.
const DefaultConfidence = 0.7

// extractionPayload is the JSON contract the extraction prompt demands.
type extractionPayload struct {
	Services []struct {
		Name       string  `json:"name"`
		Namespace  string  `json:"namespace"`
		Language   string  `json:"language"`
		Framework  string  `json:"framework"`
		Confidence float64 `json:"confidence"`
	} `json:"services"`
	Calls []struct {
		From       string  `json:"from"`
		To         string  `json:"to"`
		Confidence float64 `json:"confidence"`
	} `json:"calls"`
	Topics []struct {
		Name       string  `json:"name"`
		Direction  string  `json:"direction"`
		Service    string  `json:"service"`
		Confidence float64 `json:"confidence"`
	} `json:"topics"`
}

// ExtractionStage turns structural summaries into graph entities through
// the provider chain. Files whose responses cannot be parsed are recorded
// as failed without aborting the batch.
type ExtractionStage struct {
	chain         *llm.Chain
	prompts       *PromptRegistry
	promptVersion string
	logger        *zap.Logger
}

// NewExtractionStage builds the stage. promptVersion may be empty to track
// the latest registered version.
func NewExtractionStage(chain *llm.Chain, prompts *PromptRegistry, promptVersion string, logger *zap.Logger) (*ExtractionStage, error) {
	if chain == nil {
		return nil, fmt.Errorf("provider chain cannot be nil")
	}
	if prompts == nil {
		return nil, fmt.Errorf("prompt registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractionStage{
		chain:         chain,
		prompts:       prompts,
		promptVersion: promptVersion,
		logger:        logger,
	}, nil
}

func (s *ExtractionStage) Name() string { return "extraction" }

func (s *ExtractionStage) Healthcheck(_ context.Context) bool {
	return len(s.chain.Providers()) > 0
}

func (s *ExtractionStage) Run(ctx context.Context, state *State) error {
	if len(state.RawFiles) == 0 {
		return nil
	}

	for _, path := range state.PendingFiles {
		res, ok := state.ASTResults[path]
		if !ok {
			continue
		}
		if _, failed := state.FileErrors[path]; failed {
			continue
		}
		file, _ := state.File(path)

		prompt, err := s.prompts.Render(ExtractionPromptName, s.promptVersion, map[string]string{
			"Repository": state.Repository,
			"Path":       path,
			"Language":   res.Language,
			"Summary":    summaryText(res),
			"Source":     string(file.Content),
		})
		if err != nil {
			return fmt.Errorf("rendering extraction prompt: %w", err)
		}

		raw, err := s.chain.InvokeStructured(ctx, prompt, nil)
		if err != nil {
			state.RecordFileError(path, fmt.Errorf("llm extraction: %w", err))
			continue
		}
		if err := s.appendExtracted(state, raw); err != nil {
			state.RecordFileError(path, err)
		}
	}
	return nil
}

// appendExtracted parses one model response and appends its entities and
// edges to the state.
func (s *ExtractionStage) appendExtracted(state *State, raw string) error {
	obj, err := llm.ExtractJSONObject(raw)
	if err != nil {
		return fmt.Errorf("locating extraction payload: %w", err)
	}
	// Round-trip through JSON to apply the typed contract to the loose map.
	buf, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("re-encoding extraction payload: %w", err)
	}
	var payload extractionPayload
	if err := json.Unmarshal(buf, &payload); err != nil {
		return fmt.Errorf("decoding extraction payload: %w", err)
	}

	for _, svc := range payload.Services {
		if svc.Name == "" {
			continue
		}
		ns := svc.Namespace
		if ns == "" {
			ns = state.Repository
		}
		state.ExtractedNodes = append(state.ExtractedNodes, graph.Entity{
			ID:         graph.NewEntityID(state.Repository, ns, svc.Name),
			Kind:       graph.KindService,
			TenantID:   state.TenantID,
			Language:   svc.Language,
			Framework:  svc.Framework,
			Confidence: confidenceOrDefault(svc.Confidence),
		})
	}
	for _, topic := range payload.Topics {
		if topic.Name == "" {
			continue
		}
		state.ExtractedNodes = append(state.ExtractedNodes, graph.Entity{
			ID:         graph.NewEntityID(state.Repository, state.Repository, topic.Name),
			Kind:       graph.KindTopic,
			TenantID:   state.TenantID,
			Confidence: confidenceOrDefault(topic.Confidence),
		})
		if topic.Service == "" {
			continue
		}
		kind := graph.EdgePublishes
		if strings.EqualFold(topic.Direction, "consumes") {
			kind = graph.EdgeConsumes
		}
		state.ExtractedEdges = append(state.ExtractedEdges, graph.Edge{
			From:     graph.NewEntityID(state.Repository, state.Repository, topic.Service),
			To:       graph.NewEntityID(state.Repository, state.Repository, topic.Name),
			Kind:     kind,
			TenantID: state.TenantID,
		})
	}
	for _, call := range payload.Calls {
		if call.From == "" || call.To == "" {
			continue
		}
		state.ExtractedEdges = append(state.ExtractedEdges, graph.Edge{
			From:     graph.NewEntityID(state.Repository, state.Repository, call.From),
			To:       graph.NewEntityID(state.Repository, state.Repository, call.To),
			Kind:     graph.EdgeCalls,
			TenantID: state.TenantID,
		})
	}
	return nil
}

func confidenceOrDefault(c float64) float64 {
	if c <= 0 {
		return DefaultConfidence
	}
	return c
}

func summaryText(res ASTResult) string {
	if len(res.Symbols) == 0 && len(res.Imports) == 0 {
		return res.Raw
	}
	var b strings.Builder
	if len(res.Symbols) > 0 {
		b.WriteString("symbols: ")
		b.WriteString(strings.Join(res.Symbols, ", "))
		b.WriteString("\n")
	}
	if len(res.Imports) > 0 {
		b.WriteString("imports: ")
		b.WriteString(strings.Join(res.Imports, ", "))
	}
	return b.String()
}
