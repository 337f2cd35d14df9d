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

package outbox_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kartograf/pkg/config"
	"github.com/jordigilh/kartograf/pkg/outbox"
)

type fakeDeleter struct {
	mu       sync.Mutex
	calls    [][]string
	failures int
}

func (f *fakeDeleter) DeleteVectors(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ids)
	if f.failures > 0 {
		f.failures--
		return errors.New("vector store unavailable")
	}
	return nil
}

func (f *fakeDeleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var _ = Describe("Drainer", func() {
	var (
		store   *outbox.MemoryStore
		deleter *fakeDeleter
		ctx     context.Context
	)

	BeforeEach(func() {
		store = outbox.NewMemoryStore()
		deleter = &fakeDeleter{}
		ctx = context.Background()
	})

	newDrainer := func(maxRetries int) *outbox.Drainer {
		d, err := outbox.NewDrainer(outbox.DrainerConfig{
			Store:      store,
			Deleter:    deleter,
			MaxRetries: maxRetries,
		})
		Expect(err).ToNot(HaveOccurred())
		return d
	}

	It("returns 0 and performs no downstream call with no pending events", func() {
		d := newDrainer(3)
		n, err := d.ProcessOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
		Expect(deleter.callCount()).To(BeZero())
	})

	It("deletes the outbox row after a successful downstream delete", func() {
		e := outbox.NewDeleteEvent("svc", []string{"id-1", "id-2"})
		Expect(store.WriteEvent(ctx, e)).To(Succeed())

		d := newDrainer(3)
		n, err := d.ProcessOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(deleter.calls[0]).To(Equal([]string{"id-1", "id-2"}))

		pending, err := store.LoadPending(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("increments retry_count on downstream failure and keeps the event pending", func() {
		e := outbox.NewDeleteEvent("svc", []string{"id-1"})
		Expect(store.WriteEvent(ctx, e)).To(Succeed())
		deleter.failures = 1

		d := newDrainer(3)
		n, err := d.ProcessOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())

		pending, err := store.LoadPending(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].RetryCount).To(Equal(1))
	})

	It("discards the event once retry_count reaches max_retries", func() {
		e := outbox.NewDeleteEvent("svc", []string{"id-1"})
		Expect(store.WriteEvent(ctx, e)).To(Succeed())
		deleter.failures = 3

		d := newDrainer(3)
		for i := 0; i < 3; i++ {
			_, err := d.ProcessOnce(ctx)
			Expect(err).ToNot(HaveOccurred())
		}

		pending, err := store.LoadPending(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("publishes discarded events to the DLQ when configured", func() {
		var dlq []outbox.Event
		e := outbox.NewDeleteEvent("svc", []string{"id-1"})
		Expect(store.WriteEvent(ctx, e)).To(Succeed())
		deleter.failures = 1

		d, err := outbox.NewDrainer(outbox.DrainerConfig{
			Store:      store,
			Deleter:    deleter,
			MaxRetries: 1,
			DLQ: func(_ context.Context, e outbox.Event) error {
				dlq = append(dlq, e)
				return nil
			},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = d.ProcessOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(dlq).To(HaveLen(1))
		Expect(dlq[0].EventID).To(Equal(e.EventID))
	})

	It("does not let one poison event block others in the same cycle", func() {
		poison := outbox.NewDeleteEvent("svc", []string{"poison"})
		healthy := outbox.NewDeleteEvent("topic", []string{"fine"})
		healthy.CreatedAt = poison.CreatedAt.Add(1)
		Expect(store.WriteEvent(ctx, poison)).To(Succeed())
		Expect(store.WriteEvent(ctx, healthy)).To(Succeed())
		deleter.failures = 1 // first call (poison) fails, second succeeds

		d := newDrainer(3)
		n, err := d.ProcessOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))

		pending, err := store.LoadPending(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].EventID).To(Equal(poison.EventID))
	})

	Describe("claim-based draining", func() {
		It("claims events before applying them", func() {
			Expect(store.WriteEvent(ctx, outbox.NewDeleteEvent("svc", []string{"id-1"}))).To(Succeed())

			d, err := outbox.NewDrainer(outbox.DrainerConfig{
				Store:    store,
				Deleter:  deleter,
				WorkerID: "worker-1",
			})
			Expect(err).ToNot(HaveOccurred())

			n, err := d.ProcessOnce(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("NewDrainerFromConfig", func() {
		It("refuses a volatile store in production", func() {
			cfg, err := config.Load()
			Expect(err).ToNot(HaveOccurred())
			cfg.DeploymentMode = config.ModeProduction

			_, err = outbox.NewDrainerFromConfig(cfg, outbox.DrainerConfig{
				Store:   store,
				Deleter: deleter,
			})
			Expect(err).To(MatchError(ContainSubstring("durable")))
		})

		It("accepts a volatile store in dev", func() {
			cfg, err := config.Load()
			Expect(err).ToNot(HaveOccurred())

			_, err = outbox.NewDrainerFromConfig(cfg, outbox.DrainerConfig{
				Store:   store,
				Deleter: deleter,
			})
			Expect(err).ToNot(HaveOccurred())
		})
	})

	It("double Stop does not panic", func() {
		d := newDrainer(3)
		go d.Run(ctx)
		d.Stop()
		d.Stop()
	})
})
