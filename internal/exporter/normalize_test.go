package exporter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":                        "gpt-4o",
		"gpt-4o-2024-08-06":             "gpt-4o",
		"gpt-4o-mini":                   "gpt-4o-mini",
		"claude-3-5-sonnet-20241022":    "claude-3.5-sonnet",
		"Claude-3.5-Haiku":              "claude-3.5-haiku",
		"claude-3-opus-latest":          "claude-3-opus",
		"gemini-1.5-flash-002":          "gemini-1.5-flash",
		"gemini-1.5-pro":                "gemini-1.5-pro",
		"meta-llama/Llama-3-70b":        "llama-3",
		"mixtral-8x7b":                  "mistral",
		"some-custom-finetune":          "other",
		"":                              "other",
		"  gpt-4o  ":                    "gpt-4o",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeModel(in), "input %q", in)
	}
}

func TestKnownModelsCoverNormalizedOutputs(t *testing.T) {
	known := map[string]struct{}{}
	for _, m := range KnownModels {
		known[m] = struct{}{}
	}
	for _, p := range modelPatterns {
		_, ok := known[p.canonical]
		assert.True(t, ok, "pattern output %q must be pre-registered", p.canonical)
	}
}
