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

package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms/openai"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIProvider embeds through an OpenAI-compatible API, including
// self-hosted gateways via a custom base URL.
type OpenAIProvider struct {
	model string
	dims  int
	llm   *openai.LLM
}

// NewOpenAIProvider builds the embedding backend. model defaults to
// text-embedding-3-small (1536 dimensions); dimensions must match the
// chosen model.
func NewOpenAIProvider(apiKey, model, baseURL string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: api key is required")
	}
	if model == "" {
		model = defaultEmbeddingModel
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithEmbeddingModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: constructing client: %w", err)
	}
	return &OpenAIProvider{model: model, dims: dimensions, llm: client}, nil
}

// Embed returns one vector per input text, in order.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		if isThrottle(err) {
			return nil, &RateLimitError{Provider: "openai", Err: err}
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.dims }

func isThrottle(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}
