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

package mutation

import (
	"context"
	"sync"
)

// Transport carries mutation events between the graph commit path and any
// number of consumers. Implementations must be safe for concurrent use.
type Transport interface {
	// Publish sends one event. Publish is at-least-once; consumers are
	// expected to be idempotent.
	Publish(ctx context.Context, e Event) error
	// Subscribe delivers events to handler until ctx is cancelled.
	// Handler errors are consumer-local and never stop delivery.
	Subscribe(ctx context.Context, handler func(context.Context, Event) error) error
	// Close releases transport resources.
	Close() error
}

// MemoryTransport is an in-process fan-out transport for dev and tests.
type MemoryTransport struct {
	mu       sync.Mutex
	handlers []func(context.Context, Event) error
	closed   bool

	// Published retains every event for test assertions.
	published []Event
}

// NewMemoryTransport constructs an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) Publish(ctx context.Context, e Event) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.published = append(t.published, e)
	handlers := make([]func(context.Context, Event) error, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.Unlock()

	for _, h := range handlers {
		// Handler failures are isolated per consumer.
		_ = h(ctx, e)
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, handler func(context.Context, Event) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.handlers = append(t.handlers, handler)
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handlers = nil
	return nil
}

// Published returns a copy of every event published so far.
func (t *MemoryTransport) Published() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.published))
	copy(out, t.published)
	return out
}
