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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/ingestion"
)

var _ = Describe("HTTP handler", func() {
	var router http.Handler

	BeforeEach(func() {
		driver, err := ingestion.NewDriver(ingestion.DriverConfig{
			Stages:       []ingestion.Stage{funcStage{name: "noop"}},
			Checkpointer: ingestion.NewMemoryCheckpointer(),
			Logger:       zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())

		handler, err := ingestion.NewHandler(driver, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		router = handler.Routes()
	})

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("runs a batch and reports the checkpoint", func() {
		rec := post("/ingest", `{
			"thread_id": "t1",
			"tenant_id": "acme",
			"repository": "shop",
			"files": [{"path": "svc.go", "content": "package svc"}]
		}`)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["thread_id"]).To(Equal("t1"))
		Expect(resp["checkpoint_id"]).NotTo(BeEmpty())
		Expect(resp["extracted"]).To(BeNumerically("==", 1))
	})

	It("rejects a batch without files", func() {
		rec := post("/ingest", `{"thread_id": "t1", "tenant_id": "acme", "repository": "shop", "files": []}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("serves thread status after a run", func() {
		post("/ingest", `{
			"thread_id": "t2",
			"tenant_id": "acme",
			"repository": "shop",
			"files": [{"path": "svc.go", "content": "package svc"}]
		}`)

		req := httptest.NewRequest(http.MethodGet, "/ingest/t2", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var status ingestion.Status
		Expect(json.Unmarshal(rec.Body.Bytes(), &status)).To(Succeed())
		Expect(status.State).To(Equal(ingestion.ThreadCompleted))
		Expect(status.ProcessedFiles).To(Equal(1))
	})

	It("404s on an unknown thread", func() {
		req := httptest.NewRequest(http.MethodGet, "/ingest/missing", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("refuses to resume without a checkpoint", func() {
		rec := post("/ingest/t3/resume", `{
			"tenant_id": "acme",
			"repository": "shop",
			"files": [{"path": "svc.go", "content": "package svc"}]
		}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
