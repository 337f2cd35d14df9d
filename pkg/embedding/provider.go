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

// Package embedding turns text into vectors through a batching front-end
// that absorbs provider rate limits.
package embedding

import (
	"context"
	"fmt"
)

// Provider produces one embedding per input text, in order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// RateLimitError signals a downstream throttle. The batcher retries these
// with jittered exponential backoff instead of failing the batch.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("embedding provider %s throttled: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }
