package compact

import (
	"fmt"
	"strings"
	"testing"

	"github.com/gofer-dev/gofer/internal/providers"
)

func msg(role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func history(n int) []providers.Message {
	msgs := []providers.Message{msg(providers.RoleSystem, "you are helpful")}
	for i := 0; i < n; i++ {
		role := providers.RoleUser
		if i%2 == 1 {
			role = providers.RoleAssistant
		}
		msgs = append(msgs, msg(role, fmt.Sprintf("message %d", i)))
	}
	return msgs
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		m    providers.Message
		want int
	}{
		{"plain", msg(providers.RoleUser, strings.Repeat("x", 400)), 100},
		{"empty floor", msg(providers.RoleUser, ""), 1},
		{"tool call counted", providers.Message{
			Role:      providers.RoleAssistant,
			ToolCalls: []providers.ToolCall{{Name: "read", Arguments: []byte(strings.Repeat("a", 36))}},
		}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.m); got != tt.want {
				t.Errorf("EstimateTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckContext(t *testing.T) {
	// claude-sonnet-4 has a 200k window; craft histories around the
	// 70% (140k tokens) and 80% (160k tokens) marks.
	big := func(tokens int) []providers.Message {
		return []providers.Message{msg(providers.RoleUser, strings.Repeat("x", tokens*charsPerToken))}
	}
	tests := []struct {
		name string
		msgs []providers.Message
		want Pressure
	}{
		{"ok", big(100_000), PressureOK},
		{"warn", big(145_000), PressureWarn},
		{"compact", big(165_000), PressureCompact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := CheckContext(tt.msgs, "claude-sonnet-4")
			if got != tt.want {
				t.Errorf("pressure = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKeepRecent(t *testing.T) {
	c := New(StrategyKeepRecent, 5)
	msgs := history(20)

	out := c.Compact(msgs, BudgetFor(""))

	if out[0].Role != providers.RoleSystem || IsSynthetic(out[0]) {
		t.Errorf("original system message should lead: %+v", out[0])
	}
	if !IsSynthetic(out[1]) {
		t.Errorf("second message should be the synthetic note: %+v", out[1])
	}
	// system + note + 5 recent
	if len(out) != 7 {
		t.Errorf("len = %d, want 7", len(out))
	}
	if got := out[len(out)-1].Content; got != "message 19" {
		t.Errorf("last = %q, want the newest message", got)
	}
}

func TestKeepRecentNoopWhenSmall(t *testing.T) {
	c := New(StrategyKeepRecent, 20)
	msgs := history(10)
	out := c.Compact(msgs, BudgetFor(""))
	if len(out) != len(msgs) {
		t.Errorf("small history should pass through, len = %d", len(out))
	}
	for _, m := range out {
		if IsSynthetic(m) {
			t.Error("no synthetic note expected")
		}
	}
}

func TestKeepImportantRetainsToolTraffic(t *testing.T) {
	msgs := []providers.Message{msg(providers.RoleSystem, "sys")}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, msg(providers.RoleUser, fmt.Sprintf("chatter %d", i)))
	}
	msgs = append(msgs,
		providers.Message{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{{ID: "t1", Name: "read", Arguments: []byte(`{}`)}}},
		providers.Message{Role: providers.RoleTool, ToolCallID: "t1", Content: "result"},
	)
	for i := 0; i < 4; i++ {
		msgs = append(msgs, msg(providers.RoleUser, fmt.Sprintf("recent %d", i)))
	}

	c := New(StrategyKeepImportant, 4)
	out := c.Compact(msgs, BudgetFor(""))

	foundCall, foundResult := false, false
	for _, m := range out {
		if len(m.ToolCalls) > 0 {
			foundCall = true
		}
		if m.Role == providers.RoleTool {
			foundResult = true
		}
		if strings.HasPrefix(m.Content, "chatter") {
			t.Errorf("chatter survived: %q", m.Content)
		}
	}
	if !foundCall || !foundResult {
		t.Errorf("tool traffic dropped: call=%v result=%v", foundCall, foundResult)
	}
}

func TestSlidingWindowDropsUntilFits(t *testing.T) {
	msgs := []providers.Message{msg(providers.RoleSystem, "sys")}
	// 30 messages of ~10k tokens each: well over the default budget.
	for i := 0; i < 30; i++ {
		msgs = append(msgs, msg(providers.RoleUser, strings.Repeat("x", 40_000)))
	}

	budget := BudgetFor("")
	c := New(StrategySlidingWindow, 3)
	out := c.Compact(msgs, budget)

	if len(out) >= len(msgs) {
		t.Fatalf("nothing dropped: %d -> %d", len(msgs), len(out))
	}
	_, rest := split(out)
	if EstimateHistory(rest) > budget {
		t.Errorf("still over budget with %d tokens across %d messages", EstimateHistory(rest), len(rest))
	}
}

func TestCompactFitsModelBudget(t *testing.T) {
	// Six messages of ~28k tokens: under the 20-message count cap but far
	// over a 200k-window model's 70% budget, so every strategy must trim by
	// tokens, not by count.
	var msgs []providers.Message
	msgs = append(msgs, msg(providers.RoleSystem, "sys"))
	for i := 0; i < 6; i++ {
		msgs = append(msgs, msg(providers.RoleUser, strings.Repeat("x", 28_000*charsPerToken)))
	}
	budget := BudgetFor("claude-sonnet-4") // 140k

	for _, strategy := range []string{StrategyKeepRecent, StrategyKeepImportant, StrategySlidingWindow} {
		t.Run(strategy, func(t *testing.T) {
			out := New(strategy, 0).Compact(msgs, budget)
			if len(out) >= len(msgs) {
				t.Fatalf("nothing dropped: %d -> %d", len(msgs), len(out))
			}
			if got := EstimateHistory(out); got > budget {
				t.Errorf("estimate after compaction = %d, want <= %d", got, budget)
			}
			if got := out[len(out)-1].Content; got != msgs[len(msgs)-1].Content {
				t.Error("newest message must survive")
			}
		})
	}
}

func TestCompactNeverOrphansToolResults(t *testing.T) {
	msgs := []providers.Message{msg(providers.RoleSystem, "sys")}
	for i := 0; i < 10; i++ {
		msgs = append(msgs,
			providers.Message{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{{ID: fmt.Sprintf("t%d", i), Name: "f", Arguments: []byte(`{}`)}}},
			providers.Message{Role: providers.RoleTool, ToolCallID: fmt.Sprintf("t%d", i), Content: "r"},
		)
	}
	c := New(StrategyKeepRecent, 5)
	out := c.Compact(msgs, BudgetFor(""))

	// After the synthetic note, the first non-system message must not be a
	// tool result with no preceding tool call.
	for i, m := range out {
		if m.Role == providers.RoleSystem {
			continue
		}
		if m.Role == providers.RoleTool {
			t.Errorf("message %d is an orphaned tool result", i)
		}
		break
	}
}

func TestUnknownStrategyFallsBack(t *testing.T) {
	c := New("bogus", 5)
	if c.Strategy != StrategyKeepRecent {
		t.Errorf("strategy = %q, want keep-recent", c.Strategy)
	}
}
