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
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings tune one backend's circuit breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before the next call
	// is let through again.
	ResetTimeout time.Duration
}

// DefaultBreakerSettings matches the platform defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, ResetTimeout: 60 * time.Second}
}

// BreakerProvider wraps a Provider with a circuit breaker. While open,
// calls fail fast with ProviderUnavailableError; any success resets the
// failure count. The breaker's half-open probe is treated as a closed-state
// call: a success closes the circuit, a failure reopens it.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// WrapWithBreaker puts a circuit breaker in front of a provider.
func WrapWithBreaker(inner Provider, settings BreakerSettings, logger *zap.Logger) *BreakerProvider {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultBreakerSettings().ResetTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerProvider{inner: inner, breaker: cb, logger: logger}
}

func (b *BreakerProvider) Name() string { return b.inner.Name() }

func (b *BreakerProvider) execute(call func() (string, error)) (string, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) { return call() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &ProviderUnavailableError{Provider: b.inner.Name()}
		}
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	return b.execute(func() (string, error) { return b.inner.Invoke(ctx, prompt) })
}

func (b *BreakerProvider) InvokeMessages(ctx context.Context, msgs []Message) (string, error) {
	return b.execute(func() (string, error) { return b.inner.InvokeMessages(ctx, msgs) })
}

func (b *BreakerProvider) InvokeStructured(ctx context.Context, prompt string, msgs []Message) (string, error) {
	return b.execute(func() (string, error) { return b.inner.InvokeStructured(ctx, prompt, msgs) })
}
