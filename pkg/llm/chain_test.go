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

package llm_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/llm"
)

// scriptedProvider fails a fixed number of times, then answers.
type scriptedProvider struct {
	name      string
	failures  int
	answer    string
	calls     int
	lastInput string
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Invoke(_ context.Context, prompt string) (string, error) {
	s.calls++
	s.lastInput = prompt
	if s.calls <= s.failures {
		return "", errors.New(s.name + " backend error")
	}
	return s.answer, nil
}

func (s *scriptedProvider) InvokeMessages(ctx context.Context, msgs []llm.Message) (string, error) {
	return s.Invoke(ctx, msgs[len(msgs)-1].Content)
}

func (s *scriptedProvider) InvokeStructured(ctx context.Context, prompt string, _ []llm.Message) (string, error) {
	return s.Invoke(ctx, prompt)
}

var _ = Describe("Chain", func() {
	It("requires at least one provider", func() {
		_, err := llm.NewChain(zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("returns the primary's answer when it succeeds", func() {
		primary := &scriptedProvider{name: "primary", answer: "from-primary"}
		fallback := &scriptedProvider{name: "fallback", answer: "from-fallback"}
		chain, err := llm.NewChain(zap.NewNop(), primary, fallback)
		Expect(err).ToNot(HaveOccurred())

		out, err := chain.Invoke(context.Background(), "x")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("from-primary"))
		Expect(fallback.calls).To(BeZero())
	})

	It("falls back once when the primary raises", func() {
		primary := &scriptedProvider{name: "primary", failures: 1}
		fallback := &scriptedProvider{name: "fallback", answer: "ok"}
		chain, err := llm.NewChain(zap.NewNop(), primary, fallback)
		Expect(err).ToNot(HaveOccurred())

		out, err := chain.Invoke(context.Background(), "x")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("ok"))
		Expect(primary.calls).To(Equal(1))
		Expect(fallback.calls).To(Equal(1))
	})

	It("chains the last cause when every provider fails", func() {
		primary := &scriptedProvider{name: "primary", failures: 10}
		fallback := &scriptedProvider{name: "fallback", failures: 10}
		chain, err := llm.NewChain(zap.NewNop(), primary, fallback)
		Expect(err).ToNot(HaveOccurred())

		_, err = chain.Invoke(context.Background(), "x")
		var llmErr *llm.Error
		Expect(errors.As(err, &llmErr)).To(BeTrue())
		Expect(llmErr.Attempted).To(Equal([]string{"primary", "fallback"}))
		Expect(llmErr.LastErr).To(MatchError(ContainSubstring("fallback backend error")))
	})

	It("applies the same fallback discipline to messages and structured calls", func() {
		primary := &scriptedProvider{name: "primary", failures: 10}
		fallback := &scriptedProvider{name: "fallback", answer: "ok"}
		chain, err := llm.NewChain(zap.NewNop(), primary, fallback)
		Expect(err).ToNot(HaveOccurred())

		out, err := chain.InvokeMessages(context.Background(), []llm.Message{
			{Role: llm.RoleUser, Content: "hello"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("ok"))

		out, err = chain.InvokeStructured(context.Background(), "extract", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("ok"))
	})
})

var _ = Describe("BreakerProvider", func() {
	It("opens after the failure threshold and fails fast", func() {
		backend := &scriptedProvider{name: "flaky", failures: 100}
		wrapped := llm.WrapWithBreaker(backend, llm.BreakerSettings{
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
		}, zap.NewNop())

		for i := 0; i < 3; i++ {
			_, err := wrapped.Invoke(context.Background(), "x")
			Expect(err).To(HaveOccurred())
		}
		Expect(backend.calls).To(Equal(3))

		// Circuit is now open: the backend is not touched again.
		_, err := wrapped.Invoke(context.Background(), "x")
		var unavailable *llm.ProviderUnavailableError
		Expect(errors.As(err, &unavailable)).To(BeTrue())
		Expect(unavailable.Provider).To(Equal("flaky"))
		Expect(backend.calls).To(Equal(3))
	})

	It("closes again after the reset timeout elapses", func() {
		backend := &scriptedProvider{name: "recovering", failures: 2, answer: "back"}
		wrapped := llm.WrapWithBreaker(backend, llm.BreakerSettings{
			FailureThreshold: 2,
			ResetTimeout:     50 * time.Millisecond,
		}, zap.NewNop())

		for i := 0; i < 2; i++ {
			_, err := wrapped.Invoke(context.Background(), "x")
			Expect(err).To(HaveOccurred())
		}
		_, err := wrapped.Invoke(context.Background(), "x")
		var unavailable *llm.ProviderUnavailableError
		Expect(errors.As(err, &unavailable)).To(BeTrue())

		time.Sleep(60 * time.Millisecond)
		out, err := wrapped.Invoke(context.Background(), "x")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("back"))
	})

	It("resets the failure count on any success", func() {
		backend := &scriptedProvider{name: "steady", failures: 1, answer: "fine"}
		wrapped := llm.WrapWithBreaker(backend, llm.BreakerSettings{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		}, zap.NewNop())

		_, err := wrapped.Invoke(context.Background(), "x")
		Expect(err).To(HaveOccurred())

		// One success wipes the consecutive-failure count; the circuit
		// never opens even after another single failure.
		for i := 0; i < 5; i++ {
			out, err := wrapped.Invoke(context.Background(), "x")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal("fine"))
		}
	})
})

var _ = Describe("CreateProviderWithFailover", func() {
	BeforeEach(func() {
		GinkgoT().Setenv("OPENAI_API_KEY", "")
		GinkgoT().Setenv("ANTHROPIC_API_KEY", "")
	})

	It("errors when no backend is constructible", func() {
		_, err := llm.CreateProviderWithFailover(context.Background(), llm.FactoryConfig{
			Primary: "openai",
			Model:   "gpt-4o-mini",
			// No credentials anywhere.
		}, zap.NewNop())
		var llmErr *llm.Error
		Expect(errors.As(err, &llmErr)).To(BeTrue())
	})

	It("skips an unconstructible fallback and keeps the primary", func() {
		chain, err := llm.CreateProviderWithFailover(context.Background(), llm.FactoryConfig{
			Primary:      "openai",
			Model:        "gpt-4o-mini",
			OpenAIAPIKey: "test-key",
			// Anthropic key absent: the fallback is skipped.
		}, zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		Expect(chain.Providers()).To(HaveLen(1))
		Expect(chain.Providers()[0].Name()).To(Equal("openai"))
	})

	It("rejects unknown provider names", func() {
		_, err := llm.CreateProvider(context.Background(), "palm", llm.FactoryConfig{}, zap.NewNop())
		Expect(err).To(MatchError(ContainSubstring("unknown llm provider")))
	})
})
