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

package query

import (
	"strings"

	"github.com/jordigilh/kartograf/pkg/ratelimit"
)

// Plan is a classified retrieval strategy for one query.
type Plan struct {
	Complexity ratelimit.Complexity
	// Depth is how many hops the subgraph walk takes from the root.
	Depth int
}

var (
	aggregateCues = []string{
		"how many", "count", "total", "average", "list all", "all services",
		"every service", "overall",
	}
	multiHopCues = []string{
		"transitive", "transitively", "indirect", "indirectly", "downstream",
		"upstream", "impact", "blast radius", "chain", "path from", "path to",
		"end to end",
	}
	singleHopCues = []string{
		"calls", "called by", "publishes", "consumes", "depends on",
		"talks to", "connected to",
	}
)

// Classify derives a plan from the query text. The rules are lexical: cost
// gating needs a cheap, deterministic answer before any model runs.
func Classify(query string) Plan {
	q := strings.ToLower(query)
	for _, cue := range aggregateCues {
		if strings.Contains(q, cue) {
			return Plan{Complexity: ratelimit.ComplexityAggregate, Depth: 2}
		}
	}
	for _, cue := range multiHopCues {
		if strings.Contains(q, cue) {
			return Plan{Complexity: ratelimit.ComplexityMultiHop, Depth: 3}
		}
	}
	for _, cue := range singleHopCues {
		if strings.Contains(q, cue) {
			return Plan{Complexity: ratelimit.ComplexitySingleHop, Depth: 1}
		}
	}
	return Plan{Complexity: ratelimit.ComplexityEntityLookup, Depth: 0}
}
