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

package tenant

import (
	"regexp"
	"strings"
)

// TenantParam is the parameter name the injected predicate binds to.
const TenantParam = "__tenant_id"

var whereClause = regexp.MustCompile(`(?i)\bWHERE\b`)

// InjectTenantFilter rewrites a Cypher query so the aliased node is scoped
// to the tenant. With an existing WHERE clause the predicate lands in front
// of the other conditions; without one, a new WHERE is appended after the
// MATCH. Queries are parameterized, never string-interpolated, so the
// tenant id itself goes through BuildTenantParams.
func InjectTenantFilter(cypher, alias string) string {
	if alias == "" {
		alias = "n"
	}
	predicate := alias + ".tenant_id = $" + TenantParam

	if loc := whereClause.FindStringIndex(cypher); loc != nil {
		return cypher[:loc[1]] + " " + predicate + " AND" + cypher[loc[1]:]
	}

	// No WHERE present: attach one after the first MATCH pattern, before
	// any RETURN/WITH/ORDER tail.
	tail := regexp.MustCompile(`(?i)\b(RETURN|WITH|ORDER|LIMIT|SKIP)\b`)
	if loc := tail.FindStringIndex(cypher); loc != nil {
		return strings.TrimRight(cypher[:loc[0]], " ") + " WHERE " + predicate + " " + cypher[loc[0]:]
	}
	return strings.TrimRight(cypher, " ") + " WHERE " + predicate
}

// BuildTenantParams returns the parameter map for the injected predicate.
func BuildTenantParams(tenantID string) map[string]any {
	return map[string]any{TenantParam: tenantID}
}
