package exporter

import "strings"

// Model label cardinality is bounded by folding arbitrary model strings
// into a canonical set. Unrecognized models land in "other" rather than
// minting a new series per fine-tune suffix or date stamp.

// KnownModels is pre-registered so the initial scrape exposes every
// expected series with zero values instead of appearing lazily.
var KnownModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4.1",
	"o3",
	"claude-3.5-sonnet",
	"claude-3.5-haiku",
	"claude-3-opus",
	"gemini-1.5-pro",
	"gemini-1.5-flash",
	"llama-3",
	"mistral",
	"other",
}

type modelPattern struct {
	contains  []string
	canonical string
}

// Order matters: more specific patterns first.
var modelPatterns = []modelPattern{
	{[]string{"gpt-4o-mini"}, "gpt-4o-mini"},
	{[]string{"gpt-4o"}, "gpt-4o"},
	{[]string{"gpt-4.1"}, "gpt-4.1"},
	{[]string{"o3"}, "o3"},
	{[]string{"claude", "sonnet"}, "claude-3.5-sonnet"},
	{[]string{"claude", "haiku"}, "claude-3.5-haiku"},
	{[]string{"claude", "opus"}, "claude-3-opus"},
	{[]string{"gemini", "flash"}, "gemini-1.5-flash"},
	{[]string{"gemini"}, "gemini-1.5-pro"},
	{[]string{"llama"}, "llama-3"},
	{[]string{"mistral"}, "mistral"},
	{[]string{"mixtral"}, "mistral"},
}

// NormalizeModel folds a raw model string into the canonical set.
func NormalizeModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "other"
	}
	for _, p := range modelPatterns {
		matched := true
		for _, sub := range p.contains {
			if !strings.Contains(m, sub) {
				matched = false
				break
			}
		}
		if matched {
			return p.canonical
		}
	}
	return "other"
}
