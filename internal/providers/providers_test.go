package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		in         string
		wantVendor string
		wantModel  string
		wantErr    bool
	}{
		{"anthropic/claude-sonnet-4", "anthropic", "claude-sonnet-4", false},
		{"openrouter/meta-llama/llama-3-70b", "openrouter", "meta-llama/llama-3-70b", false},
		{"claude-sonnet-4", "anthropic", "claude-sonnet-4", false},
		{"/model", "", "", true},
		{"vendor/", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelRef(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.Vendor != tt.wantVendor || got.Model != tt.wantModel {
				t.Errorf("got %s/%s, want %s/%s", got.Vendor, got.Model, tt.wantVendor, tt.wantModel)
			}
		})
	}
}

func TestContextWindow(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-sonnet-4", 200_000},
		{"claude-sonnet-4-20250514", 200_000}, // prefix match
		{"gpt-4o", 128_000},
		{"totally-unknown-model", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := ContextWindow(tt.model); got != tt.want {
				t.Errorf("ContextWindow(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"status 401", &APIError{Provider: "openai", StatusCode: 401, Message: "bad key"}, ErrAuth},
		{"status 429", &APIError{Provider: "openai", StatusCode: 429, Message: "slow down"}, ErrRateLimit},
		{"status 500", &APIError{Provider: "openai", StatusCode: 500, Message: "boom"}, ErrServerError},
		{"status 529", &APIError{Provider: "anthropic", StatusCode: 529, Message: "overloaded"}, ErrServerError},
		{"rate limit text", errors.New("Rate limit exceeded, retry later"), ErrRateLimit},
		{"auth text", errors.New("invalid x-api-key"), ErrAuth},
		{"timeout text", errors.New("request timeout"), ErrTimeout},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"mystery", errors.New("something strange"), ErrUnknown},
		{"nil", nil, ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorCategorySemantics(t *testing.T) {
	if ErrAuth.Retryable() {
		t.Error("auth errors must not retry the same credentials")
	}
	if !ErrRateLimit.Retryable() || !ErrTimeout.Retryable() || !ErrServerError.Retryable() {
		t.Error("rate_limit, timeout, server_error should be retryable")
	}
	if !ErrAuth.RotatesAuth() || !ErrRateLimit.RotatesAuth() {
		t.Error("auth and rate_limit should rotate credentials")
	}
	if ErrTimeout.RotatesAuth() {
		t.Error("timeout should not rotate credentials")
	}
}

func TestFallbackChain(t *testing.T) {
	chain, err := ParseChain("anthropic/claude-sonnet-4", []string{"openai/gpt-4o", "google/gemini-2.5-flash"})
	if err != nil {
		t.Fatal(err)
	}
	if got := chain.Current().String(); got != "anthropic/claude-sonnet-4" {
		t.Errorf("Current = %q", got)
	}

	next, ok := chain.Advance()
	if !ok || next.String() != "openai/gpt-4o" {
		t.Errorf("Advance = %v %v", next, ok)
	}
	next, ok = chain.Advance()
	if !ok || next.String() != "google/gemini-2.5-flash" {
		t.Errorf("Advance = %v %v", next, ok)
	}
	if !chain.Exhausted() {
		t.Error("chain should be exhausted at the last model")
	}
	if _, ok := chain.Advance(); ok {
		t.Error("Advance past the end should fail")
	}

	chain.RecordSuccess()
	if got := chain.Current().String(); got != "anthropic/claude-sonnet-4" {
		t.Errorf("after RecordSuccess Current = %q, want primary", got)
	}
}

func TestChainCursorIgnoresConcurrentReset(t *testing.T) {
	chain := NewFallbackChain([]ModelRef{
		{Vendor: "a", Model: "m1"},
		{Vendor: "b", Model: "m2"},
	})
	cur := chain.Cursor()
	if _, ok := cur.Advance(); !ok {
		t.Fatal("cursor should advance to the fallback")
	}

	// Another turn finishing successfully resets the shared chain; this
	// turn's cursor must keep moving forward only.
	chain.RecordSuccess()
	if got := cur.Current().String(); got != "b/m2" {
		t.Errorf("cursor after concurrent reset = %q, want b/m2", got)
	}
	if _, ok := cur.Advance(); ok {
		t.Error("cursor should be exhausted")
	}

	chain.CommitFailure(cur)
	if got := chain.Current().String(); got != "b/m2" {
		t.Errorf("chain after CommitFailure = %q, want b/m2", got)
	}
	chain.RecordSuccess()
	if got := chain.Current().String(); got != "a/m1" {
		t.Errorf("chain after success = %q, want primary", got)
	}
}

func TestShouldFailover(t *testing.T) {
	chain := NewFallbackChain([]ModelRef{{Vendor: "a", Model: "m"}})
	for _, cat := range []ErrorCategory{ErrAuth, ErrRateLimit, ErrTimeout, ErrServerError} {
		if !chain.ShouldFailover(cat) {
			t.Errorf("ShouldFailover(%s) = false", cat)
		}
	}
	if chain.ShouldFailover(ErrUnknown) {
		t.Error("unknown errors should not fail over")
	}
}

func TestToolCallAccumulator(t *testing.T) {
	acc := newToolCallAccumulator()
	// Fragments arrive interleaved across two indexes.
	acc.add(1, "call_b", "write_file", "")
	acc.add(0, "call_a", "read_file", `{"path":`)
	acc.add(1, "", "", `{"path":"b.txt","content":"hi"}`)
	acc.add(0, "", "", `"a.txt"}`)

	calls := acc.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "read_file" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["path"] != "a.txt" {
		t.Errorf("args = %v", args)
	}
	if calls[1].ID != "call_b" {
		t.Errorf("calls[1] = %+v", calls[1])
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
	defer srv.Close()

	p := NewOpenAICompatible("openai", "test-key", srv.URL, "gpt-4o")
	ch, err := p.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var done *Chunk
	for chunk := range ch {
		switch chunk.Kind {
		case ChunkTextDelta:
			text += chunk.Text
		case ChunkDone:
			c := chunk
			done = &c
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
	if done == nil {
		t.Fatal("no Done chunk")
	}
	if done.Usage.InputTokens != 10 || done.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", done.Usage)
	}
	if done.StopText != "Hello" {
		t.Errorf("StopText = %q", done.StopText)
	}
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_time","arguments":""}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"tz\":\"UTC\"}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
	defer srv.Close()

	p := NewOpenAICompatible("openai", "k", srv.URL, "gpt-4o")
	ch, err := p.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "time?"}},
		Tools:    []ToolDefinition{{Name: "get_time", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var calls []ToolCall
	for chunk := range ch {
		if chunk.Kind == ChunkToolCalls {
			calls = chunk.ToolCalls
		}
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Name != "get_time" || string(calls[0].Arguments) != `{"tz":"UTC"}` {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit"}}`)
	}))
	defer srv.Close()

	p := NewOpenAICompatible("openai", "k", srv.URL, "gpt-4o")
	_, err := p.Stream(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("want error for 429")
	}
	if got := Classify(err); got != ErrRateLimit {
		t.Errorf("Classify = %q, want rate_limit", got)
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"x\"}"}}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
	defer srv.Close()

	p := NewAnthropic("test-key", srv.URL)
	ch, err := p.Stream(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var calls []ToolCall
	var usage Usage
	for chunk := range ch {
		switch chunk.Kind {
		case ChunkTextDelta:
			text += chunk.Text
		case ChunkToolCalls:
			calls = chunk.ToolCalls
		case ChunkDone:
			usage = chunk.Usage
		case ChunkError:
			t.Fatalf("error chunk: %v", chunk.Err)
		}
	}
	if text != "Hi there" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "toolu_1" || string(calls[0].Arguments) != `{"path":"x"}` {
		t.Errorf("calls = %+v", calls)
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestAnthropicMessageConversion(t *testing.T) {
	system, msgs := toAnthropicMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "f", Arguments: json.RawMessage(`{"a":1}`)}}},
		{Role: RoleTool, ToolCallID: "t1", Content: "result"},
	})
	if system != "sys" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (system lifted out)", len(msgs))
	}
	if msgs[2]["role"] != "user" {
		t.Errorf("tool result should become a user message, got %v", msgs[2]["role"])
	}
}
