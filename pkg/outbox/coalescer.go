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

package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Coalescer is the in-memory outbox front-end. It merges upserts and
// deletes for the same (collection, operation) within a time window before
// handing them to the durable store, cutting write amplification during
// bulk ingestion. On overflow the excess spills to the spillover callback
// immediately so nothing is lost to the buffer cap.
type Coalescer struct {
	window     time.Duration
	maxEntries int
	sink       func(ctx context.Context, events []Event) error
	spillover  func(ctx context.Context, events []Event) error
	logger     *zap.Logger

	mu      sync.Mutex
	buffer  map[string]*Event // keyed by collection|operation
	order   []string
	stopped bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// CoalescerConfig configures a Coalescer.
type CoalescerConfig struct {
	// Window bounds how long an entry may sit in the buffer. Defaults 500ms.
	Window time.Duration
	// MaxEntries caps the buffer; overflow triggers Spillover. Defaults 256.
	MaxEntries int
	// Sink receives coalesced events on each window flush. Required.
	Sink func(ctx context.Context, events []Event) error
	// Spillover persists overflow immediately. Defaults to Sink.
	Spillover func(ctx context.Context, events []Event) error
	Logger    *zap.Logger
}

// NewCoalescer builds and starts the window flush loop.
func NewCoalescer(cfg CoalescerConfig) (*Coalescer, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	if cfg.Spillover == nil {
		cfg.Spillover = cfg.Sink
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Coalescer{
		window:     cfg.Window,
		maxEntries: cfg.MaxEntries,
		sink:       cfg.Sink,
		spillover:  cfg.Spillover,
		logger:     cfg.Logger,
		buffer:     make(map[string]*Event),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func coalesceKey(e Event) string {
	return e.Collection + "|" + string(e.Operation)
}

// Add buffers an event. Events for the same collection and operation merge:
// pruned ids append in arrival order, vectors union.
func (c *Coalescer) Add(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("coalescer stopped")
	}
	key := coalesceKey(e)
	if existing, ok := c.buffer[key]; ok {
		existing.PrunedIDs = append(existing.PrunedIDs, e.PrunedIDs...)
		if len(e.Vectors) > 0 {
			if existing.Vectors == nil {
				existing.Vectors = make(map[string][]float32, len(e.Vectors))
			}
			for id, v := range e.Vectors {
				existing.Vectors[id] = v
			}
		}
		c.mu.Unlock()
		return nil
	}

	if len(c.buffer) >= c.maxEntries {
		// Overflow: spill the oldest buffered entry, keep the new one.
		oldestKey := c.order[0]
		c.order = c.order[1:]
		spilled := *c.buffer[oldestKey]
		delete(c.buffer, oldestKey)
		cp := e
		c.buffer[key] = &cp
		c.order = append(c.order, key)
		c.mu.Unlock()

		if err := c.spillover(ctx, []Event{spilled}); err != nil {
			return fmt.Errorf("spillover failed for event %s: %w", spilled.EventID, err)
		}
		return nil
	}

	cp := e
	c.buffer[key] = &cp
	c.order = append(c.order, key)
	c.mu.Unlock()
	return nil
}

// Flush drains the buffer to the sink immediately.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	events := c.drainLocked()
	c.mu.Unlock()
	if len(events) == 0 {
		return nil
	}
	if err := c.sink(ctx, events); err != nil {
		return fmt.Errorf("coalescer flush failed: %w", err)
	}
	return nil
}

func (c *Coalescer) drainLocked() []Event {
	if len(c.buffer) == 0 {
		return nil
	}
	events := make([]Event, 0, len(c.order))
	for _, key := range c.order {
		if e, ok := c.buffer[key]; ok {
			events = append(events, *e)
		}
	}
	c.buffer = make(map[string]*Event)
	c.order = nil
	return events
}

func (c *Coalescer) loop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.window)
			if err := c.Flush(ctx); err != nil {
				c.logger.Warn("coalescer window flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops the loop and flushes what remains. Safe to call twice.
func (c *Coalescer) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	c.mu.Lock()
	c.stopped = true
	events := c.drainLocked()
	c.mu.Unlock()
	if len(events) == 0 {
		return nil
	}
	return c.sink(ctx, events)
}
