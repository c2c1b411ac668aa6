package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/internal/providers"
	"github.com/gofer-dev/gofer/internal/queue"
	"github.com/gofer-dev/gofer/internal/sessions"
	"github.com/gofer-dev/gofer/internal/tools"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

// scriptedProvider replays a canned response per call, recording requests.
type scriptedProvider struct {
	mu       sync.Mutex
	name     string
	script   []func(req providers.ChatRequest) ([]providers.Chunk, error)
	requests []providers.ChatRequest
	calls    int
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req providers.ChatRequest) (<-chan providers.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	p.calls++
	step := p.script[idx]
	p.mu.Unlock()

	chunks, err := step(req)
	if err != nil {
		return nil, err
	}
	out := make(chan providers.Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(parts ...string) func(providers.ChatRequest) ([]providers.Chunk, error) {
	return func(providers.ChatRequest) ([]providers.Chunk, error) {
		var chunks []providers.Chunk
		var full strings.Builder
		for _, p := range parts {
			full.WriteString(p)
			chunks = append(chunks, providers.Chunk{Kind: providers.ChunkTextDelta, Text: p})
		}
		chunks = append(chunks, providers.Chunk{
			Kind:     providers.ChunkDone,
			Usage:    providers.Usage{InputTokens: 10, OutputTokens: 5},
			StopText: full.String(),
		})
		return chunks, nil
	}
}

func toolResponse(call providers.ToolCall) func(providers.ChatRequest) ([]providers.Chunk, error) {
	return func(providers.ChatRequest) ([]providers.Chunk, error) {
		return []providers.Chunk{
			{Kind: providers.ChunkToolCalls, ToolCalls: []providers.ToolCall{call}},
			{Kind: providers.ChunkDone, Usage: providers.Usage{InputTokens: 8, OutputTokens: 3}},
		}, nil
	}
}

func failResponse(err error) func(providers.ChatRequest) ([]providers.Chunk, error) {
	return func(providers.ChatRequest) ([]providers.Chunk, error) { return nil, err }
}

type testHarness struct {
	rt     *Runtime
	events *bus.Bus
	store  *sessions.Manager
}

// newHarness builds a runtime whose vendors resolve to scripted providers.
func newHarness(t *testing.T, model string, fallbacks []string, provs map[string]providers.Provider, reg *tools.Registry) *testHarness {
	t.Helper()
	events := bus.New()
	fs, err := sessions.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := sessions.NewManager(fs, events)

	rt, err := New(Options{
		AgentID:  "test",
		Settings: config.AgentDefaults{Model: model, ModelFallbacks: fallbacks, MaxRetries: 2},
		Thinking: ThinkingStream,
		Bus:      events,
		Sessions: mgr,
		Tools:    reg,
		Factory:  providers.NewFactory(config.ProvidersConfig{}),
		Queue:    queue.New(4, 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	// Route vendors straight to the scripted providers.
	for vendor, p := range provs {
		rt.rotated[vendor] = p
	}
	return &testHarness{rt: rt, events: events, store: mgr}
}

func collect(events *bus.Bus, kinds ...string) *[]bus.Event {
	var mu sync.Mutex
	out := &[]bus.Event{}
	for _, kind := range kinds {
		events.Subscribe(kind, func(e bus.Event) {
			mu.Lock()
			*out = append(*out, e)
			mu.Unlock()
		})
	}
	return out
}

func TestTurnEcho(t *testing.T) {
	prov := &scriptedProvider{name: "fake", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		textResponse("Hello ", "there"),
	}}
	h := newHarness(t, "fake/model-1", nil, map[string]providers.Provider{"fake": prov}, tools.NewRegistry())
	got := collect(h.events, protocol.EventAgentStarted, protocol.EventAgentText, protocol.EventAgentTurnComplete)

	res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "Hello there" {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}

	history, err := h.store.History("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Role != providers.RoleUser || history[1].Role != providers.RoleAssistant {
		t.Errorf("history = %+v", history)
	}
	if history[1].Content != "Hello there" {
		t.Errorf("persisted reply = %q", history[1].Content)
	}

	evs := *got
	if len(evs) < 4 {
		t.Fatalf("events = %d, want started + 2 deltas + complete", len(evs))
	}
	if evs[0].Type != protocol.EventAgentStarted || evs[len(evs)-1].Type != protocol.EventAgentTurnComplete {
		t.Errorf("event order: first %s last %s", evs[0].Type, evs[len(evs)-1].Type)
	}
}

type upperTool struct{}

func (upperTool) Name() string        { return "upper" }
func (upperTool) Description() string { return "Uppercase text." }
func (upperTool) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	}
}
func (upperTool) Execute(_ context.Context, args map[string]any) (*tools.Result, error) {
	return tools.Ok(strings.ToUpper(args["text"].(string))), nil
}

func TestTurnToolRoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	if err := reg.Register(upperTool{}); err != nil {
		t.Fatal(err)
	}
	prov := &scriptedProvider{name: "fake", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		toolResponse(providers.ToolCall{ID: "c1", Name: "upper", Arguments: json.RawMessage(`{"text":"hi"}`)}),
		textResponse("The answer is HI"),
	}}
	h := newHarness(t, "fake/model-1", nil, map[string]providers.Provider{"fake": prov}, reg)
	got := collect(h.events, protocol.EventAgentToolUse, protocol.EventAgentToolResult)

	res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "shout hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "The answer is HI" {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.ToolCalls != 1 {
		t.Errorf("tool calls = %d", res.ToolCalls)
	}

	history, _ := h.store.History("s1")
	// user, assistant(tool call), tool result, assistant(text)
	if len(history) != 4 {
		t.Fatalf("history len = %d: %+v", len(history), history)
	}
	if history[2].Role != providers.RoleTool || history[2].Content != "HI" || history[2].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", history[2])
	}

	evs := *got
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Type != protocol.EventAgentToolUse || evs[1].Type != protocol.EventAgentToolResult {
		t.Errorf("event order = %s, %s", evs[0].Type, evs[1].Type)
	}
	if success, _ := evs[1].Data["success"].(bool); !success {
		t.Errorf("tool result event = %+v", evs[1].Data)
	}
}

func TestTurnFailover(t *testing.T) {
	primary := &scriptedProvider{name: "fake1", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		failResponse(&providers.APIError{Provider: "fake1", StatusCode: 401, Message: "bad key"}),
	}}
	backup := &scriptedProvider{name: "fake2", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		textResponse("from backup"),
	}}
	h := newHarness(t, "fake1/m1", []string{"fake2/m2"}, map[string]providers.Provider{
		"fake1": primary, "fake2": backup,
	}, tools.NewRegistry())
	got := collect(h.events, protocol.EventAgentFailover)

	res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "from backup" {
		t.Errorf("reply = %q", res.Reply)
	}
	evs := *got
	if len(evs) != 1 {
		t.Fatalf("failover events = %+v", evs)
	}
	if evs[0].Data["from"] != "fake1/m1" || evs[0].Data["to"] != "fake2/m2" {
		t.Errorf("failover data = %+v", evs[0].Data)
	}
	// Auth errors fail over without retrying the same dead credentials.
	if primary.callCount() != 1 {
		t.Errorf("primary called %d times, want 1", primary.callCount())
	}
}

func TestTurnRetryThenSuccess(t *testing.T) {
	prov := &scriptedProvider{name: "fake", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		failResponse(&providers.APIError{Provider: "fake", StatusCode: 500, Message: "hiccup"}),
		textResponse("recovered"),
	}}
	h := newHarness(t, "fake/m1", nil, map[string]providers.Provider{"fake": prov}, tools.NewRegistry())
	got := collect(h.events, protocol.EventAgentRetry)

	res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "recovered" {
		t.Errorf("reply = %q", res.Reply)
	}
	evs := *got
	if len(evs) != 1 {
		t.Fatalf("retry events = %+v", evs)
	}
	if evs[0].Data["attempt"] != 1 {
		t.Errorf("retry data = %+v", evs[0].Data)
	}
}

func TestTurnChainExhausted(t *testing.T) {
	prov := &scriptedProvider{name: "fake", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		failResponse(&providers.APIError{Provider: "fake", StatusCode: 401, Message: "dead"}),
	}}
	h := newHarness(t, "fake/m1", nil, map[string]providers.Provider{"fake": prov}, tools.NewRegistry())
	got := collect(h.events, protocol.EventAgentError)

	_, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	if err == nil || !strings.Contains(err.Error(), "chain exhausted") {
		t.Fatalf("err = %v", err)
	}
	if len(*got) != 1 {
		t.Errorf("error events = %+v", *got)
	}
}

func TestAbort(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingProvider{started: started, release: release}
	h := newHarness(t, "fake/m1", nil, map[string]providers.Provider{"fake": blocking}, tools.NewRegistry())

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
		done <- outcome{res, err}
	}()

	<-started
	if !h.rt.Abort("s1") {
		t.Fatal("Abort found no running turn")
	}
	select {
	case out := <-done:
		if !errors.Is(out.err, ErrAborted) {
			t.Errorf("err = %v, want ErrAborted", out.err)
		}
		if out.res == nil || !out.res.Cancelled {
			t.Errorf("result = %+v", out.res)
		}
		if out.res != nil && out.res.RunID == "" {
			t.Error("cancelled result missing run id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not abort")
	}

	if h.rt.Abort("s1") {
		t.Error("second abort should find nothing running")
	}
}

func TestAbortByRunID(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingProvider{started: started, release: release}
	h := newHarness(t, "fake/m1", nil, map[string]providers.Provider{"fake": blocking}, tools.NewRegistry())
	got := collect(h.events, protocol.EventAgentTurnComplete)

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", RunID: "r-42", Content: "hi"})
		done <- outcome{res, err}
	}()

	<-started
	if h.rt.AbortRun("r-nope") {
		t.Error("unknown run id should not abort anything")
	}
	if !h.rt.AbortRun("r-42") {
		t.Fatal("AbortRun found no running turn")
	}
	select {
	case out := <-done:
		if !errors.Is(out.err, ErrAborted) {
			t.Errorf("err = %v, want ErrAborted", out.err)
		}
		if out.res == nil || !out.res.Cancelled || out.res.RunID != "r-42" {
			t.Errorf("result = %+v", out.res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not abort")
	}

	evs := *got
	if len(evs) != 1 {
		t.Fatalf("turn_complete events = %+v", evs)
	}
	if cancelled, _ := evs[0].Data["cancelled"].(bool); !cancelled {
		t.Errorf("completion event = %+v, want cancelled flag", evs[0].Data)
	}
	if evs[0].Data["run_id"] != "r-42" {
		t.Errorf("completion event run_id = %v", evs[0].Data["run_id"])
	}
}

// blockingProvider signals start then holds the stream open until ctx dies.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProvider) Name() string         { return "blocking" }
func (p *blockingProvider) DefaultModel() string { return "m" }
func (p *blockingProvider) Stream(ctx context.Context, _ providers.ChatRequest) (<-chan providers.Chunk, error) {
	p.once.Do(func() { close(p.started) })
	out := make(chan providers.Chunk, 1)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
			out <- providers.Chunk{Kind: providers.ChunkError, Err: ctx.Err()}
		case <-p.release:
			out <- providers.Chunk{Kind: providers.ChunkDone}
		}
	}()
	return out, nil
}

func TestSteering(t *testing.T) {
	firstCallStarted := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once

	prov := &scriptedProvider{name: "fake"}
	prov.script = []func(providers.ChatRequest) ([]providers.Chunk, error){
		func(providers.ChatRequest) ([]providers.Chunk, error) {
			once.Do(func() { close(firstCallStarted) })
			<-proceed
			return []providers.Chunk{
				{Kind: providers.ChunkToolCalls, ToolCalls: []providers.ToolCall{{ID: "c1", Name: "upper", Arguments: json.RawMessage(`{"text":"x"}`)}}},
				{Kind: providers.ChunkDone},
			}, nil
		},
		textResponse("done"),
	}
	reg := tools.NewRegistry()
	if err := reg.Register(upperTool{}); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, "fake/m1", nil, map[string]providers.Provider{"fake": prov}, reg)

	done := make(chan error, 1)
	go func() {
		_, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "start"})
		done <- err
	}()

	<-firstCallStarted
	if !h.rt.Steer("s1", "also check the weather") {
		t.Fatal("Steer found no running turn")
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// The steered message must appear in the second provider call's history.
	prov.mu.Lock()
	second := prov.requests[1]
	prov.mu.Unlock()
	found := false
	for _, m := range second.Messages {
		if m.Role == providers.RoleUser && m.Content == "also check the weather" {
			found = true
		}
	}
	if !found {
		t.Errorf("steering message missing from follow-up call: %+v", second.Messages)
	}
}

func TestPostToolFollowUpWithholdsTools(t *testing.T) {
	reg := tools.NewRegistry()
	if err := reg.Register(upperTool{}); err != nil {
		t.Fatal(err)
	}
	// A provider that asks for a tool call whenever tools are offered. Only
	// the first call of the turn may carry tool definitions; the follow-up
	// after dispatch must not, forcing a text answer.
	prov := &scriptedProvider{name: "fake", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		func(req providers.ChatRequest) ([]providers.Chunk, error) {
			if len(req.Tools) == 0 {
				return []providers.Chunk{
					{Kind: providers.ChunkTextDelta, Text: "forced answer"},
					{Kind: providers.ChunkDone},
				}, nil
			}
			return []providers.Chunk{
				{Kind: providers.ChunkToolCalls, ToolCalls: []providers.ToolCall{{ID: "c", Name: "upper", Arguments: json.RawMessage(`{"text":"x"}`)}}},
				{Kind: providers.ChunkDone},
			}, nil
		},
	}}
	h := newHarness(t, "fake/m1", nil, map[string]providers.Provider{"fake": prov}, reg)

	res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "forced answer" {
		t.Errorf("reply = %q", res.Reply)
	}
	if prov.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.callCount())
	}
	prov.mu.Lock()
	defer prov.mu.Unlock()
	if len(prov.requests[0].Tools) == 0 {
		t.Error("first call should offer tools")
	}
	if len(prov.requests[1].Tools) != 0 {
		t.Errorf("follow-up call carried %d tool definitions, want none", len(prov.requests[1].Tools))
	}
}

func TestRetriesUpToMax(t *testing.T) {
	// MaxRetries is 2 in the harness: two retries after the first failure,
	// three calls in total.
	prov := &scriptedProvider{name: "fake", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		failResponse(&providers.APIError{Provider: "fake", StatusCode: 500, Message: "hiccup"}),
		failResponse(&providers.APIError{Provider: "fake", StatusCode: 500, Message: "hiccup"}),
		textResponse("third time lucky"),
	}}
	h := newHarness(t, "fake/m1", nil, map[string]providers.Provider{"fake": prov}, tools.NewRegistry())
	got := collect(h.events, protocol.EventAgentRetry)

	res, err := h.rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "third time lucky" {
		t.Errorf("reply = %q", res.Reply)
	}
	if prov.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", prov.callCount())
	}
	if len(*got) != 2 {
		t.Errorf("retry events = %+v, want 2", *got)
	}
}

func TestSystemPromptStoredAsFirstMessage(t *testing.T) {
	prov := &scriptedProvider{name: "fake", script: []func(providers.ChatRequest) ([]providers.Chunk, error){
		textResponse("ok"),
	}}
	events := bus.New()
	fs, err := sessions.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := sessions.NewManager(fs, events)
	rt, err := New(Options{
		AgentID:  "test",
		Settings: config.AgentDefaults{Model: "fake/m1", SystemPrompt: "be brief"},
		Bus:      events,
		Sessions: mgr,
		Tools:    tools.NewRegistry(),
		Factory:  providers.NewFactory(config.ProvidersConfig{}),
		Queue:    queue.New(4, 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	rt.rotated["fake"] = prov

	for i := 0; i < 2; i++ {
		if _, err := rt.Turn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"}); err != nil {
			t.Fatal(err)
		}
	}

	history, err := mgr.History("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) == 0 || history[0].Role != providers.RoleSystem || history[0].Content != "be brief" {
		t.Fatalf("first persisted message = %+v, want the system prompt", history)
	}
	systemCount := 0
	for _, m := range history {
		if m.Role == providers.RoleSystem {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Errorf("system messages persisted = %d, want 1", systemCount)
	}

	// The provider sees the stored prompt, not a per-call prepend.
	prov.mu.Lock()
	defer prov.mu.Unlock()
	for i, req := range prov.requests {
		if len(req.Messages) == 0 || req.Messages[0].Role != providers.RoleSystem {
			t.Errorf("call %d history does not lead with the system prompt", i)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
