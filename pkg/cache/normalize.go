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

package cache

import "strings"

// filler phrases stripped before hashing. Longest first so compound
// phrases go before their substrings.
var fillerPhrases = []string{
	"could you please tell me",
	"can you tell me",
	"please show me",
	"please tell me",
	"i want to know",
	"i would like to know",
	"show me",
	"tell me",
	"please",
}

// NormalizeQuery canonicalizes a user query so near-identical phrasings
// hash to the same cache key: case folding, filler removal, "which"/"what"
// equivalence, whitespace collapse. Entity tokens pass through untouched.
func NormalizeQuery(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, phrase := range fillerPhrases {
		q = strings.ReplaceAll(q, phrase, " ")
	}

	words := strings.Fields(q)
	for i, w := range words {
		if w == "which" {
			words[i] = "what"
		}
	}
	return strings.Join(words, " ")
}
