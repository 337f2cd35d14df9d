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

package ingestion_test

import (
	"context"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/kartograf/pkg/ingestion"
)

var _ = Describe("BlobStore", func() {
	ctx := context.Background()

	It("round-trips blobs in memory", func() {
		store := ingestion.NewMemoryBlobStore()
		Expect(store.Put(ctx, "acme::shop::main.go", []byte("package main"))).To(Succeed())

		data, err := store.Get(ctx, "acme::shop::main.go")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("package main"))

		_, err = store.Get(ctx, "missing")
		Expect(err).To(MatchError(ingestion.ErrBlobNotFound))
	})

	It("round-trips blobs on the filesystem", func() {
		store, err := ingestion.NewFilesystemBlobStore(GinkgoT().TempDir())
		Expect(err).ToNot(HaveOccurred())

		Expect(store.Put(ctx, "acme::shop::pkg/svc.go", []byte("package svc"))).To(Succeed())
		data, err := store.Get(ctx, "acme::shop::pkg/svc.go")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("package svc"))
	})

	It("rejects keys escaping the store root", func() {
		store, err := ingestion.NewFilesystemBlobStore(GinkgoT().TempDir())
		Expect(err).ToNot(HaveOccurred())

		Expect(store.Put(ctx, "../../etc/passwd", []byte("x"))).To(HaveOccurred())
	})
})

var _ = Describe("DedupStore", func() {
	ctx := context.Background()

	It("derives distinct digests for distinct content", func() {
		a := ingestion.FileDigest("main.go", []byte("package main"))
		b := ingestion.FileDigest("main.go", []byte("package other"))
		c := ingestion.FileDigest("other.go", []byte("package main"))
		Expect(a).ToNot(Equal(b))
		Expect(a).ToNot(Equal(c))
		Expect(ingestion.FileDigest("main.go", []byte("package main"))).To(Equal(a))
	})

	It("noop store never matches", func() {
		store := ingestion.NoopDedupStore{}
		Expect(store.Mark(ctx, "digest")).To(Succeed())
		seen, err := store.Seen(ctx, "digest")
		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(BeFalse())
	})

	It("redis store remembers marked digests", func() {
		server, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(server.Close)
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		DeferCleanup(func() { _ = client.Close() })

		store, err := ingestion.NewRedisDedupStore(client, 0)
		Expect(err).ToNot(HaveOccurred())

		seen, err := store.Seen(ctx, "digest")
		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(BeFalse())

		Expect(store.Mark(ctx, "digest")).To(Succeed())
		seen, err = store.Seen(ctx, "digest")
		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(BeTrue())
	})
})
