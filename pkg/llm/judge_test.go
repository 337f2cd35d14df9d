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

package llm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kartograf/pkg/llm"
)

var _ = Describe("ExtractJSONObject", func() {
	It("finds a JSON object wrapped in prose", func() {
		obj, err := llm.ExtractJSONObject(
			`Sure! Here is my assessment: {"score": 0.9, "reasoning": "solid"} Hope that helps.`)
		Expect(err).ToNot(HaveOccurred())
		Expect(obj).To(HaveKeyWithValue("score", 0.9))
	})

	It("handles braces inside string values", func() {
		obj, err := llm.ExtractJSONObject(`{"reasoning": "uses {braces} and \"quotes\"", "score": 1}`)
		Expect(err).ToNot(HaveOccurred())
		Expect(obj["reasoning"]).To(Equal(`uses {braces} and "quotes"`))
	})

	It("finds nested objects as one balanced unit", func() {
		obj, err := llm.ExtractJSONObject(`prefix {"outer": {"inner": 1}} suffix`)
		Expect(err).ToNot(HaveOccurred())
		Expect(obj).To(HaveKey("outer"))
	})

	It("rejects text with no object", func() {
		_, err := llm.ExtractJSONObject("the answer is fine")
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unbalanced fragment", func() {
		_, err := llm.ExtractJSONObject(`{"score": 0.5`)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseVerdict", func() {
	It("prefers the structured verdict", func() {
		v, err := llm.ParseVerdict(`{"score": 0.8, "reasoning": "mostly right"}`)
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Score).To(Equal(0.8))
		Expect(v.Reasoning).To(Equal("mostly right"))
		Expect(v.UsedFallback).To(BeFalse())
	})

	It("recovers a numeric score lexically and flags the fallback", func() {
		v, err := llm.ParseVerdict("I would give this a score of 0.6 overall.")
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Score).To(Equal(0.6))
		Expect(v.UsedFallback).To(BeTrue())
	})

	It("maps quality keywords when no score is present", func() {
		v, err := llm.ParseVerdict("The answer is excellent and complete.")
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Score).To(Equal(1.0))
		Expect(v.UsedFallback).To(BeTrue())

		v, err = llm.ParseVerdict("Unfortunately this is incorrect.")
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Score).To(Equal(0.0))
		Expect(v.UsedFallback).To(BeTrue())
	})

	It("errors when nothing parseable exists", func() {
		_, err := llm.ParseVerdict("lorem ipsum dolor")
		Expect(err).To(HaveOccurred())
	})

	It("ignores an out-of-range structured score and degrades", func() {
		v, err := llm.ParseVerdict(`{"score": 42} but overall a good answer`)
		Expect(err).ToNot(HaveOccurred())
		Expect(v.UsedFallback).To(BeTrue())
	})
})
