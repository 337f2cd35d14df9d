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

package graph

import "context"

// Candidate is a retrieval hit heading for a query answer.
type Candidate struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TombstoneChecker reports which of the given ids are tombstoned.
type TombstoneChecker interface {
	TombstonedIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// FilterTombstoned drops candidates whose ids are tombstoned, preserving
// input order. A checker failure fails open: candidates pass through, since
// a stale answer beats no answer on this path.
func FilterTombstoned(ctx context.Context, checker TombstoneChecker, candidates []Candidate) []Candidate {
	if checker == nil || len(candidates) == 0 {
		return candidates
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	stale, err := checker.TombstonedIDs(ctx, ids)
	if err != nil || len(stale) == 0 {
		return candidates
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, gone := stale[c.ID]; gone {
			continue
		}
		out = append(out, c)
	}
	return out
}
