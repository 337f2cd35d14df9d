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

package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Verdict is a judge model's assessment of an answer. UsedFallback marks
// verdicts recovered lexically from malformed output so aggregate scores
// can exclude them.
type Verdict struct {
	Score        float64 `json:"score"`
	Reasoning    string  `json:"reasoning"`
	UsedFallback bool    `json:"used_fallback"`
}

// ExtractJSONObject returns the first balanced JSON object embedded in free
// text. Judge models routinely wrap their JSON in prose or markdown fences,
// so a plain json.Unmarshal of the whole response is not enough.
func ExtractJSONObject(text string) (map[string]any, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				var obj map[string]any
				if err := json.Unmarshal([]byte(text[start:i+1]), &obj); err != nil {
					return nil, fmt.Errorf("balanced object is not valid JSON: %w", err)
				}
				return obj, nil
			}
		}
	}
	return nil, fmt.Errorf("no balanced JSON object found")
}

var scorePattern = regexp.MustCompile(`(?i)\bscore\b[^0-9]*([01](?:\.\d+)?)`)

// ParseVerdict extracts a judge verdict from raw model output. It first
// looks for a balanced JSON object with a numeric score; failing that it
// degrades to a lexical scan and marks the verdict as fallback-derived.
func ParseVerdict(text string) (Verdict, error) {
	if obj, err := ExtractJSONObject(text); err == nil {
		if score, ok := numericField(obj, "score"); ok && score >= 0 && score <= 1 {
			reasoning, _ := obj["reasoning"].(string)
			return Verdict{Score: score, Reasoning: reasoning}, nil
		}
	}

	if m := scorePattern.FindStringSubmatch(text); m != nil {
		score, err := strconv.ParseFloat(m[1], 64)
		if err == nil && score >= 0 && score <= 1 {
			return Verdict{Score: score, Reasoning: "recovered from unstructured output", UsedFallback: true}, nil
		}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "excellent") || strings.Contains(lower, "fully correct"):
		return Verdict{Score: 1.0, Reasoning: "lexical match", UsedFallback: true}, nil
	case strings.Contains(lower, "good") || strings.Contains(lower, "mostly correct"):
		return Verdict{Score: 0.75, Reasoning: "lexical match", UsedFallback: true}, nil
	case strings.Contains(lower, "partially"):
		return Verdict{Score: 0.5, Reasoning: "lexical match", UsedFallback: true}, nil
	case strings.Contains(lower, "incorrect") || strings.Contains(lower, "poor"):
		return Verdict{Score: 0.0, Reasoning: "lexical match", UsedFallback: true}, nil
	}

	return Verdict{}, fmt.Errorf("judge output contains no parseable verdict")
}

func numericField(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
