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

package llm

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// FactoryConfig carries everything needed to construct backends. Empty
// credential fields fall back to the conventional environment variables.
type FactoryConfig struct {
	Primary         string // openai | anthropic | bedrock
	Model           string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AWSRegion       string
	BedrockModelID  string
	Breaker         BreakerSettings
}

func (c *FactoryConfig) fillFromEnv() {
	if c.OpenAIAPIKey == "" {
		c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.AnthropicAPIKey == "" {
		c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.AWSRegion == "" {
		c.AWSRegion = os.Getenv("AWS_REGION")
	}
	if c.BedrockModelID == "" {
		c.BedrockModelID = c.Model
	}
}

// CreateProvider builds one named backend wrapped in a circuit breaker.
func CreateProvider(ctx context.Context, name string, cfg FactoryConfig, logger *zap.Logger) (Provider, error) {
	cfg.fillFromEnv()
	var (
		backend Provider
		err     error
	)
	switch name {
	case "openai":
		backend, err = NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.Model, cfg.OpenAIBaseURL)
	case "anthropic":
		backend, err = NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.Model)
	case "bedrock":
		backend, err = NewBedrockProvider(ctx, cfg.AWSRegion, cfg.BedrockModelID)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
	if err != nil {
		return nil, err
	}
	return WrapWithBreaker(backend, cfg.Breaker, logger), nil
}

// fallbackFor pairs each primary with its failover counterpart.
func fallbackFor(primary string) string {
	switch primary {
	case "anthropic":
		return "openai"
	default:
		return "anthropic"
	}
}

// CreateProviderWithFailover builds a chain of the configured primary plus
// its failover counterpart. A backend whose construction fails for lack of
// credentials is skipped rather than fatal; the chain only errors when no
// backend at all is constructible.
func CreateProviderWithFailover(ctx context.Context, cfg FactoryConfig, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var providers []Provider
	for _, name := range []string{cfg.Primary, fallbackFor(cfg.Primary)} {
		p, err := CreateProvider(ctx, name, cfg, logger)
		if err != nil {
			logger.Warn("skipping unconstructible llm provider",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, &Error{
			Operation: "create_provider_with_failover",
			Attempted: []string{cfg.Primary, fallbackFor(cfg.Primary)},
			LastErr:   fmt.Errorf("no llm provider could be constructed"),
		}
	}
	return NewChain(logger, providers...)
}
