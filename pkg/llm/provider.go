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

// Package llm provides the fault-tolerant LLM provider layer: backends
// wrapped in per-provider circuit breakers and composed into a fallback
// chain. Extraction and query both consume this package through the
// Provider interface only.
//
// Business Requirements: BR-LLM-001 (failover), BR-LLM-002 (fail fast while
// a backend is unavailable).
package llm

import (
	"context"
	"fmt"
)

// Role tags a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    Role
	Content string
}

// Provider is one LLM backend. All three invocation shapes share the
// chain's fallback discipline.
type Provider interface {
	// Name identifies the backend in logs and errors.
	Name() string
	// Invoke completes a single prompt.
	Invoke(ctx context.Context, prompt string) (string, error)
	// InvokeMessages completes a chat exchange.
	InvokeMessages(ctx context.Context, msgs []Message) (string, error)
	// InvokeStructured completes a prompt with prior context, expecting a
	// machine-parseable response.
	InvokeStructured(ctx context.Context, prompt string, msgs []Message) (string, error)
}

// ProviderUnavailableError is returned while a backend's breaker is open:
// the call failed fast without reaching the backend.
type ProviderUnavailableError struct {
	Provider string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s is unavailable (circuit open)", e.Provider)
}

// Error is raised when every provider in a chain failed. The last cause is
// chained for unwrapping.
type Error struct {
	Operation string
	Attempted []string
	LastErr   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("all providers failed during %s (tried %v): %v",
		e.Operation, e.Attempted, e.LastErr)
}

func (e *Error) Unwrap() error { return e.LastErr }
