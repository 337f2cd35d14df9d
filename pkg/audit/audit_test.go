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

package audit_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kartograf/pkg/audit"
)

var _ = Describe("Trail", func() {
	var (
		mock  sqlmock.Sqlmock
		trail *audit.Trail
		ctx   context.Context
		now   time.Time
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		sqlxDB := sqlx.NewDb(db, "pgx")
		trail, err = audit.NewTrail(sqlxDB, nil)
		Expect(err).ToNot(HaveOccurred())
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		trail.WithClock(func() time.Time { return now })
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("appends one row per admitted query", func() {
		mock.ExpectExec(`INSERT INTO query_audit`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		id, err := trail.Append(ctx, "acme", "multi_hop", 10, false, 42*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).ToNot(BeEmpty())
	})

	It("rejects records without a tenant", func() {
		_, err := trail.Append(ctx, "", "multi_hop", 10, false, 0)
		Expect(err).To(HaveOccurred())
	})

	It("lists a tenant's records inside the window", func() {
		since := now.Add(-time.Hour)
		rows := sqlmock.NewRows([]string{
			"audit_id", "tenant_id", "complexity", "cost", "cache_hit", "duration_ms", "created_at",
		}).AddRow("a-1", "acme", "single_hop", 3, true, int64(12), now)

		mock.ExpectQuery(`SELECT audit_id, tenant_id, complexity`).
			WithArgs("acme", since).
			WillReturnRows(rows)

		records, err := trail.ListByTenant(ctx, "acme", since)
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Complexity).To(Equal("single_hop"))
		Expect(records[0].CacheHit).To(BeTrue())
	})

	It("sums cost over the sliding window", func() {
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost\), 0\) FROM query_audit`).
			WithArgs("acme", now.Add(-time.Hour)).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(13))

		spent, err := trail.SpentInWindow(ctx, "acme", time.Hour)
		Expect(err).ToNot(HaveOccurred())
		Expect(spent).To(Equal(13))
	})
})
