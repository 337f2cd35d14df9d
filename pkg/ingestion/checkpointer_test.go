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
	"encoding/json"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kartograf/pkg/ingestion"
)

var _ = Describe("PostgresCheckpointer", func() {
	var (
		mock  sqlmock.Sqlmock
		store *ingestion.PostgresCheckpointer
		ctx   context.Context
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		sqlxDB := sqlx.NewDb(db, "pgx")
		store, err = ingestion.NewPostgresCheckpointer(sqlxDB, nil)
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("upserts the checkpoint wire form", func() {
		mock.ExpectExec(`INSERT INTO ingestion_checkpoints`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		cp := ingestion.NewCheckpoint([]string{"a.go"})
		Expect(store.Save(ctx, cp)).To(Succeed())
	})

	It("restores a checkpoint from its row", func() {
		cp := ingestion.NewCheckpoint([]string{"a.go"})
		payload, err := json.Marshal(cp)
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(`SELECT state FROM ingestion_checkpoints`).
			WithArgs(cp.ID()).
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(payload))

		loaded, err := store.Load(ctx, cp.ID())
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.ID()).To(Equal(cp.ID()))
		Expect(loaded.PendingFiles()).To(Equal([]string{"a.go"}))
	})

	It("maps an absent row to ErrCheckpointNotFound", func() {
		mock.ExpectQuery(`SELECT state FROM ingestion_checkpoints`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"state"}))

		_, err := store.Load(ctx, "missing")
		Expect(err).To(MatchError(ingestion.ErrCheckpointNotFound))
	})

	It("deletes checkpoint rows", func() {
		mock.ExpectExec(`DELETE FROM ingestion_checkpoints`).
			WithArgs("cp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(store.Delete(ctx, "cp-1")).To(Succeed())
	})

	It("tolerates double close", func() {
		mock.ExpectClose()
		Expect(store.Close()).To(Succeed())
		Expect(store.Close()).To(Succeed())
	})
})
