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

	"go.uber.org/zap"
)

// Chain tries its providers in order and returns the first success. When
// every provider fails the last cause is surfaced wrapped in an *Error.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
}

// NewChain builds a fallback chain. At least one provider is required.
func NewChain(logger *zap.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("provider chain requires at least one provider")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{providers: providers, logger: logger}, nil
}

// Providers returns the chain's backends in fallback order.
func (c *Chain) Providers() []Provider { return c.providers }

func (c *Chain) fallback(ctx context.Context, operation string, call func(Provider) (string, error)) (string, error) {
	var (
		lastErr   error
		attempted []string
	)
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		attempted = append(attempted, p.Name())
		out, err := call(p)
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("llm provider failed, falling back",
			zap.String("operation", operation),
			zap.String("provider", p.Name()),
			zap.Error(err))
	}
	return "", &Error{Operation: operation, Attempted: attempted, LastErr: lastErr}
}

// Invoke completes a prompt through the fallback chain.
func (c *Chain) Invoke(ctx context.Context, prompt string) (string, error) {
	return c.fallback(ctx, "invoke", func(p Provider) (string, error) {
		return p.Invoke(ctx, prompt)
	})
}

// InvokeMessages completes a chat exchange through the fallback chain.
func (c *Chain) InvokeMessages(ctx context.Context, msgs []Message) (string, error) {
	return c.fallback(ctx, "invoke_messages", func(p Provider) (string, error) {
		return p.InvokeMessages(ctx, msgs)
	})
}

// InvokeStructured completes a structured extraction through the chain.
func (c *Chain) InvokeStructured(ctx context.Context, prompt string, msgs []Message) (string, error) {
	return c.fallback(ctx, "invoke_structured", func(p Provider) (string, error) {
		return p.InvokeStructured(ctx, prompt, msgs)
	})
}
