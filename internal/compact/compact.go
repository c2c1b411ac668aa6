// Package compact keeps conversation histories inside the model's context
// window by estimating token usage and trimming or summarizing old messages.
package compact

import (
	"fmt"
	"time"

	"github.com/gofer-dev/gofer/internal/providers"
)

// charsPerToken is the estimation heuristic. Deliberately rough: thresholds
// leave enough headroom that estimation error does not matter.
const charsPerToken = 4

// Pressure thresholds as fractions of the context window.
const (
	WarnThreshold    = 0.70
	CompactThreshold = 0.80
)

// Strategy names accepted in configuration.
const (
	StrategyKeepRecent    = "keep-recent"
	StrategyKeepImportant = "keep-important"
	StrategySlidingWindow = "sliding-window"
)

// DefaultKeepRecent is how many trailing messages survive compaction.
const DefaultKeepRecent = 20

// EstimateTokens approximates the token count of one message, including tool
// call payloads.
func EstimateTokens(m providers.Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	n += len(m.Name) + len(m.ToolCallID)
	tokens := n / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// EstimateHistory sums the estimates for a whole history.
func EstimateHistory(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	return total
}

// Pressure describes how full the context window is.
type Pressure int

const (
	PressureOK Pressure = iota
	PressureWarn
	PressureCompact
)

// CheckContext reports the pressure level of a history against a model's
// context window.
func CheckContext(msgs []providers.Message, model string) (Pressure, int) {
	window := providers.ContextWindow(model)
	used := EstimateHistory(msgs)
	switch {
	case float64(used) >= float64(window)*CompactThreshold:
		return PressureCompact, used
	case float64(used) >= float64(window)*WarnThreshold:
		return PressureWarn, used
	default:
		return PressureOK, used
	}
}

// Compactor applies a named strategy.
type Compactor struct {
	Strategy   string
	KeepRecent int
}

// New builds a compactor; unknown strategies fall back to keep-recent.
func New(strategy string, keepRecent int) *Compactor {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	switch strategy {
	case StrategyKeepRecent, StrategyKeepImportant, StrategySlidingWindow:
	default:
		strategy = StrategyKeepRecent
	}
	return &Compactor{Strategy: strategy, KeepRecent: keepRecent}
}

// BudgetFor returns the compaction target for a model: the warn threshold of
// its context window.
func BudgetFor(model string) int {
	return int(float64(providers.ContextWindow(model)) * WarnThreshold)
}

// Compact trims the history to fit the token budget. System messages always
// survive in place. Dropped spans are replaced with one synthetic system note
// so the model knows history is missing; the note is tagged in metadata so
// stores and UIs can tell it apart from operator-authored system messages.
// A budget <= 0 means the 128k default window's warn threshold.
func (c *Compactor) Compact(msgs []providers.Message, budget int) []providers.Message {
	if budget <= 0 {
		budget = BudgetFor("")
	}
	switch c.Strategy {
	case StrategyKeepImportant:
		return c.keepImportant(msgs, budget)
	case StrategySlidingWindow:
		return c.slidingWindow(msgs, budget)
	default:
		return c.keepRecent(msgs, budget)
	}
}

// keepRecent keeps system messages plus the trailing KeepRecent messages,
// then trims further until the estimate fits the budget.
func (c *Compactor) keepRecent(msgs []providers.Message, budget int) []providers.Message {
	system, rest := split(msgs)
	keep := rest
	if len(keep) > c.KeepRecent {
		keep = keep[len(keep)-c.KeepRecent:]
	}
	keep = trimToBudget(system, keep, budget)
	dropped := len(rest) - len(keep)
	if dropped == 0 {
		return msgs
	}
	out := make([]providers.Message, 0, len(system)+1+len(keep))
	out = append(out, system...)
	out = append(out, syntheticNote(dropped))
	out = append(out, alignToolBoundary(keep)...)
	return out
}

// keepImportant keeps system messages, messages carrying tool calls or tool
// results, and the trailing KeepRecent messages; when that still overflows the
// budget, the oldest survivors go too.
func (c *Compactor) keepImportant(msgs []providers.Message, budget int) []providers.Message {
	system, rest := split(msgs)
	cut := len(rest) - c.KeepRecent
	kept := make([]providers.Message, 0, len(rest))
	for i, m := range rest {
		if i >= cut || len(m.ToolCalls) > 0 || m.Role == providers.RoleTool {
			kept = append(kept, m)
		}
	}
	kept = trimToBudget(system, kept, budget)
	dropped := len(rest) - len(kept)
	if dropped == 0 {
		return msgs
	}
	out := make([]providers.Message, 0, len(system)+1+len(kept))
	out = append(out, system...)
	out = append(out, syntheticNote(dropped))
	out = append(out, alignToolBoundary(kept)...)
	return out
}

// slidingWindow drops leading messages until the estimate fits the budget.
func (c *Compactor) slidingWindow(msgs []providers.Message, budget int) []providers.Message {
	system, rest := split(msgs)
	kept := trimToBudget(system, rest, budget)
	dropped := len(rest) - len(kept)
	if dropped == 0 {
		return msgs
	}
	out := make([]providers.Message, 0, len(system)+1+len(kept))
	out = append(out, system...)
	out = append(out, syntheticNote(dropped))
	out = append(out, alignToolBoundary(kept)...)
	return out
}

// trimToBudget drops the oldest non-system messages until the whole history
// (system messages included) fits the budget. The newest message always
// survives, even over budget.
func trimToBudget(system, keep []providers.Message, budget int) []providers.Message {
	overhead := EstimateHistory(system)
	for len(keep) > 1 && overhead+EstimateHistory(keep) > budget {
		keep = keep[1:]
	}
	return keep
}

// split separates system messages (kept verbatim) from the rest.
func split(msgs []providers.Message) (system, rest []providers.Message) {
	for _, m := range msgs {
		if m.Role == providers.RoleSystem {
			system = append(system, m)
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// alignToolBoundary drops leading tool-result messages whose originating
// assistant tool call was compacted away; providers reject orphaned results.
func alignToolBoundary(msgs []providers.Message) []providers.Message {
	for len(msgs) > 0 && msgs[0].Role == providers.RoleTool {
		msgs = msgs[1:]
	}
	return msgs
}

func syntheticNote(dropped int) providers.Message {
	return providers.Message{
		Role:      providers.RoleSystem,
		Content:   fmt.Sprintf("[%d earlier messages were removed to fit the context window]", dropped),
		Timestamp: time.Now(),
		Metadata:  map[string]any{"synthetic": true},
	}
}

// IsSynthetic reports whether a message was injected by compaction.
func IsSynthetic(m providers.Message) bool {
	v, ok := m.Metadata["synthetic"]
	b, isBool := v.(bool)
	return ok && isBool && b
}
