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
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBatcherClosed is returned by Submit after Close.
var ErrBatcherClosed = errors.New("embedding batcher is closed")

// BatcherConfig tunes the batching loop.
type BatcherConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	// TopUpWait is the brief extra wait after the first drain to fill a
	// partial batch.
	TopUpWait  time.Duration
	MaxRetries int
	MaxBackoff time.Duration
	Logger     *zap.Logger
}

func (c *BatcherConfig) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.TopUpWait < 0 {
		c.TopUpWait = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type result struct {
	vector []float32
	err    error
}

// Future resolves to the embedding of one submitted text.
type Future struct {
	ch chan result
}

// Await blocks for the embedding or the context.
func (f *Future) Await(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-f.ch:
		return r.vector, r.err
	}
}

type request struct {
	text     string
	metadata map[string]string
	future   *Future
}

// Batcher collects submissions into provider batches on a single
// background loop. Every future resolves with the embedding of exactly the
// text assigned to it; a provider failure resolves every future in the
// affected batch without poisoning subsequent batches.
type Batcher struct {
	cfg      BatcherConfig
	provider Provider
	queue    chan *request
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewBatcher starts the background loop.
func NewBatcher(provider Provider, cfg BatcherConfig) (*Batcher, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider cannot be nil")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		cfg:      cfg,
		provider: provider,
		queue:    make(chan *request, cfg.MaxBatchSize*4),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.loop(ctx)
	return b, nil
}

// Submit queues one text and returns its future.
func (b *Batcher) Submit(text string, metadata map[string]string) (*Future, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBatcherClosed
	}
	req := &request{text: text, metadata: metadata, future: &Future{ch: make(chan result, 1)}}
	b.queue <- req
	b.mu.Unlock()
	return req.future, nil
}

// Close stops the loop and flushes what remains of the queue. An in-flight
// provider call finishes before Close returns. Safe to call twice.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	<-b.done
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.done)
	for {
		// Wait up to the flush interval for the first item.
		var first *request
		select {
		case <-ctx.Done():
			b.drainRemaining()
			return
		case first = <-b.queue:
		case <-time.After(b.cfg.FlushInterval):
			continue
		}

		batch := b.collect(first)
		b.send(batch)
	}
}

// collect drains the queue without waiting, then waits once more briefly to
// fill a partial batch.
func (b *Batcher) collect(first *request) []*request {
	batch := []*request{first}
	for len(batch) < b.cfg.MaxBatchSize {
		select {
		case req := <-b.queue:
			batch = append(batch, req)
		default:
			goto topUp
		}
	}
	return batch

topUp:
	if b.cfg.TopUpWait <= 0 {
		return batch
	}
	deadline := time.After(b.cfg.TopUpWait)
	for len(batch) < b.cfg.MaxBatchSize {
		select {
		case req := <-b.queue:
			batch = append(batch, req)
		case <-deadline:
			return batch
		}
	}
	return batch
}

// drainRemaining flushes everything still queued at shutdown, in chunks no
// larger than a normal batch.
func (b *Batcher) drainRemaining() {
	for {
		var batch []*request
		for len(batch) < b.cfg.MaxBatchSize {
			select {
			case req := <-b.queue:
				batch = append(batch, req)
			default:
				goto flush
			}
		}
	flush:
		if len(batch) == 0 {
			return
		}
		b.send(batch)
	}
}

// send calls the provider with backoff on throttles and resolves every
// future in the batch.
func (b *Batcher) send(batch []*request) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	vectors, err := b.embedWithBackoff(texts)
	if err != nil {
		for _, req := range batch {
			req.future.ch <- result{err: err}
		}
		return
	}
	if len(vectors) != len(texts) {
		err := fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vectors), len(texts))
		for _, req := range batch {
			req.future.ch <- result{err: err}
		}
		return
	}
	for i, req := range batch {
		req.future.ch <- result{vector: vectors[i]}
	}
}

func (b *Batcher) embedWithBackoff(texts []string) ([][]float32, error) {
	backoff := 100 * time.Millisecond
	attempts := b.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		vectors, err := b.provider.Embed(context.Background(), texts)
		if err == nil {
			return vectors, nil
		}
		var throttle *RateLimitError
		if !errors.As(err, &throttle) {
			return nil, err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		// Exponential with 10% jitter, capped.
		jitter := 1 + (rand.Float64()*0.2 - 0.1)
		sleep := time.Duration(float64(backoff) * jitter)
		if sleep > b.cfg.MaxBackoff {
			sleep = b.cfg.MaxBackoff
		}
		b.cfg.Logger.Debug("embedding provider throttled, backing off",
			zap.Duration("sleep", sleep),
			zap.Int("attempt", attempt+1))
		time.Sleep(sleep)
		backoff *= 2
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
	}
	return nil, lastErr
}
