package providers

import (
	"fmt"
	"strings"
)

// ModelRef is a parsed "vendor/model" reference. The model part may itself
// contain slashes (openrouter/meta-llama/llama-3-70b).
type ModelRef struct {
	Vendor string
	Model  string
}

func (r ModelRef) String() string { return r.Vendor + "/" + r.Model }

// ParseModelRef splits a reference at the first slash. A bare model name
// defaults to the anthropic vendor.
func ParseModelRef(ref string) (ModelRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}
	vendor, model, found := strings.Cut(ref, "/")
	if !found {
		return ModelRef{Vendor: "anthropic", Model: ref}, nil
	}
	if vendor == "" || model == "" {
		return ModelRef{}, fmt.Errorf("malformed model reference %q", ref)
	}
	return ModelRef{Vendor: vendor, Model: model}, nil
}

// defaultContextWindow is assumed for models not in the table.
const defaultContextWindow = 128_000

var contextWindows = map[string]int{
	"claude-sonnet-4":    200_000,
	"claude-opus-4":      200_000,
	"claude-haiku-4":     200_000,
	"claude-3-5-sonnet":  200_000,
	"claude-3-5-haiku":   200_000,
	"gpt-4o":             128_000,
	"gpt-4o-mini":        128_000,
	"gpt-4.1":            1_000_000,
	"o3":                 200_000,
	"gemini-2.5-pro":     1_000_000,
	"gemini-2.5-flash":   1_000_000,
	"gemini-2.0-flash":   1_000_000,
}

// ContextWindow returns the context window in tokens for a model name,
// matching on the longest known prefix so dated variants resolve too.
func ContextWindow(model string) int {
	if n, ok := contextWindows[model]; ok {
		return n
	}
	best := 0
	n := defaultContextWindow
	for prefix, window := range contextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			n = window
		}
	}
	return n
}
