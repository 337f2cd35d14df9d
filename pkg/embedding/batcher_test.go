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

package embedding_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kartograf/pkg/embedding"
)

// recordingProvider embeds each text as a one-element vector derived from
// its length, and can be scripted to throttle or fail.
type recordingProvider struct {
	mu          sync.Mutex
	batches     [][]string
	throttles   int
	failWith    error
	shortOutput bool
}

func (p *recordingProvider) Dimensions() int { return 1 }

func (p *recordingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]string(nil), texts...))
	if p.throttles > 0 {
		p.throttles--
		return nil, &embedding.RateLimitError{Provider: "fake", Err: errors.New("429")}
	}
	if p.failWith != nil {
		err := p.failWith
		p.failWith = nil
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	if p.shortOutput {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (p *recordingProvider) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingProvider) batchSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make([]int, len(p.batches))
	for i, b := range p.batches {
		sizes[i] = len(b)
	}
	return sizes
}

var _ = Describe("Batcher", func() {
	var provider *recordingProvider

	BeforeEach(func() {
		provider = &recordingProvider{}
	})

	newBatcher := func(cfg embedding.BatcherConfig) *embedding.Batcher {
		b, err := embedding.NewBatcher(provider, cfg)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(b.Close)
		return b
	}

	It("resolves each future with the embedding of its own text", func() {
		b := newBatcher(embedding.BatcherConfig{MaxBatchSize: 8, FlushInterval: 10 * time.Millisecond})

		f1, err := b.Submit("ab", nil)
		Expect(err).ToNot(HaveOccurred())
		f2, err := b.Submit("abcd", nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		v1, err := f1.Await(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(v1).To(Equal([]float32{2}))
		v2, err := f2.Await(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(v2).To(Equal([]float32{4}))
	})

	It("never exceeds the maximum batch size", func() {
		b := newBatcher(embedding.BatcherConfig{
			MaxBatchSize:  2,
			FlushInterval: 10 * time.Millisecond,
			TopUpWait:     20 * time.Millisecond,
		})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		var futures []*embedding.Future
		for i := 0; i < 5; i++ {
			f, err := b.Submit("text", nil)
			Expect(err).ToNot(HaveOccurred())
			futures = append(futures, f)
		}
		for _, f := range futures {
			_, err := f.Await(ctx)
			Expect(err).ToNot(HaveOccurred())
		}
		for _, size := range provider.batchSizes() {
			Expect(size).To(BeNumerically("<=", 2))
		}
	})

	It("retries throttles with backoff and then succeeds", func() {
		provider.throttles = 2
		b := newBatcher(embedding.BatcherConfig{
			MaxBatchSize:  4,
			FlushInterval: 10 * time.Millisecond,
			MaxRetries:    3,
			MaxBackoff:    20 * time.Millisecond,
		})

		f, err := b.Submit("abc", nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, err := f.Await(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal([]float32{3}))
		Expect(provider.batchCount()).To(Equal(3))
	})

	It("gives up after max retries of persistent throttling", func() {
		provider.throttles = 100
		b := newBatcher(embedding.BatcherConfig{
			MaxBatchSize:  4,
			FlushInterval: 10 * time.Millisecond,
			MaxRetries:    2,
			MaxBackoff:    10 * time.Millisecond,
		})

		f, err := b.Submit("abc", nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err = f.Await(ctx)
		var throttle *embedding.RateLimitError
		Expect(errors.As(err, &throttle)).To(BeTrue())
		Expect(provider.batchCount()).To(Equal(3)) // max_retries + 1 attempts
	})

	It("propagates non-throttle errors immediately and stays usable", func() {
		provider.failWith = errors.New("model not found")
		b := newBatcher(embedding.BatcherConfig{MaxBatchSize: 4, FlushInterval: 10 * time.Millisecond})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		f, err := b.Submit("abc", nil)
		Expect(err).ToNot(HaveOccurred())
		_, err = f.Await(ctx)
		Expect(err).To(MatchError(ContainSubstring("model not found")))

		// The next batch goes through.
		f, err = b.Submit("abcd", nil)
		Expect(err).ToNot(HaveOccurred())
		v, err := f.Await(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal([]float32{4}))
	})

	It("fails the whole batch when the provider returns too few vectors", func() {
		provider.shortOutput = true
		b := newBatcher(embedding.BatcherConfig{
			MaxBatchSize:  4,
			FlushInterval: 10 * time.Millisecond,
			TopUpWait:     20 * time.Millisecond,
		})

		f1, err := b.Submit("a", nil)
		Expect(err).ToNot(HaveOccurred())
		f2, err := b.Submit("b", nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err1 := f1.Await(ctx)
		_, err2 := f2.Await(ctx)
		Expect(err1).To(MatchError(ContainSubstring("vectors for")))
		Expect(err2).To(MatchError(ContainSubstring("vectors for")))
	})

	It("flushes the queue on close and rejects later submissions", func() {
		b, err := embedding.NewBatcher(provider, embedding.BatcherConfig{
			MaxBatchSize:  2,
			FlushInterval: time.Hour, // loop never wakes on its own
		})
		Expect(err).ToNot(HaveOccurred())

		var futures []*embedding.Future
		for i := 0; i < 3; i++ {
			f, err := b.Submit("xy", nil)
			Expect(err).ToNot(HaveOccurred())
			futures = append(futures, f)
		}

		b.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, f := range futures {
			v, err := f.Await(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal([]float32{2}))
		}

		_, err = b.Submit("later", nil)
		Expect(err).To(MatchError(embedding.ErrBatcherClosed))

		// Closing twice is safe.
		b.Close()
	})
})
