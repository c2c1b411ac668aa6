// Package agent runs conversation turns: provider streaming, tool dispatch,
// retry/failover, context compaction, and mid-turn steering.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gofer-dev/gofer/internal/auth"
	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/internal/compact"
	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/internal/providers"
	"github.com/gofer-dev/gofer/internal/queue"
	"github.com/gofer-dev/gofer/internal/sessions"
	"github.com/gofer-dev/gofer/internal/tools"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

const eventSource = "agent-runtime"

// Limits on the turn loop.
const (
	defaultMaxRetries  = 3
	maxToolRounds      = 10
	maxRetryBackoff    = 30 * time.Second
	maxParallelTools   = 4
	defaultTurnTimeout = 10 * time.Minute
)

// ErrAborted reports a turn cancelled via chat.abort.
var ErrAborted = errors.New("turn aborted")

// TurnRequest is one inbound user message. RunID names the turn for
// chat.abort; when empty a fresh id is assigned.
type TurnRequest struct {
	SessionID string
	RunID     string
	Content   string
	Images    []string // file paths; converted for vision-capable providers
	ChannelID string
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	RunID     string          `json:"run_id"`
	Reply     string          `json:"reply"`
	Model     string          `json:"model"`
	Usage     providers.Usage `json:"usage"`
	ToolCalls int             `json:"tool_calls"`
	Cancelled bool            `json:"cancelled"`
}

// Runtime executes turns for one configured agent.
type Runtime struct {
	agentID  string
	settings config.AgentDefaults
	thinking string

	bus      *bus.Bus
	sessions *sessions.Manager
	registry *tools.Registry
	factory  *providers.Factory
	chain    *providers.FallbackChain
	profiles *auth.Store // nil unless rotation is enabled
	queue    *queue.Manager
	runs     *runRegistry
	tracer   trace.Tracer

	maxRetries int

	// activeProfile tracks which credential pool entry each vendor is
	// currently using, so failures land on the right profile. rotated holds
	// the provider instances built with rotated keys. provMu guards both:
	// turns for different sessions run concurrently.
	provMu        sync.Mutex
	activeProfile map[string]string
	rotated       map[string]providers.Provider
}

// Options wires a runtime's collaborators.
type Options struct {
	AgentID  string
	Settings config.AgentDefaults
	Thinking string
	Bus      *bus.Bus
	Sessions *sessions.Manager
	Tools    *tools.Registry
	Factory  *providers.Factory
	Profiles *auth.Store
	Queue    *queue.Manager
}

// New builds a runtime. The fallback chain is parsed from the agent's model
// settings.
func New(opts Options) (*Runtime, error) {
	chain, err := providers.ParseChain(opts.Settings.Model, opts.Settings.ModelFallbacks)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", opts.AgentID, err)
	}
	maxRetries := opts.Settings.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	thinking := opts.Thinking
	if thinking == "" {
		thinking = ThinkingOn
	}
	return &Runtime{
		agentID:       opts.AgentID,
		settings:      opts.Settings,
		thinking:      thinking,
		bus:           opts.Bus,
		sessions:      opts.Sessions,
		registry:      opts.Tools,
		factory:       opts.Factory,
		chain:         chain,
		profiles:      opts.Profiles,
		queue:         opts.Queue,
		runs:          newRunRegistry(),
		tracer:        otel.Tracer("gofer/agent"),
		maxRetries:    maxRetries,
		activeProfile: map[string]string{},
		rotated:       map[string]providers.Provider{},
	}, nil
}

// AgentID returns the runtime's agent id.
func (rt *Runtime) AgentID() string { return rt.agentID }

// Abort cancels the session's in-flight turn, if any.
func (rt *Runtime) Abort(sessionID string) bool { return rt.runs.abort(sessionID) }

// AbortRun cancels the in-flight turn with the given run id, if any.
func (rt *Runtime) AbortRun(runID string) bool { return rt.runs.abortRun(runID) }

// Steer injects a message into the session's in-flight turn before its next
// provider call. Returns false when no turn is running.
func (rt *Runtime) Steer(sessionID, text string) bool { return rt.runs.steer(sessionID, text) }

// ActiveSessions lists sessions with a turn in flight.
func (rt *Runtime) ActiveSessions() []string { return rt.runs.active() }

func (rt *Runtime) publish(kind, sessionID string, data map[string]any) {
	rt.bus.Publish(bus.Event{
		Type:      kind,
		Source:    eventSource,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      data,
	})
}

// Turn runs one full turn: queue admission, provider streaming, tool rounds,
// and persistence. Blocks until the turn completes, fails, or is aborted.
func (rt *Runtime) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if _, err := rt.sessions.GetOrCreate(req.SessionID, rt.agentID); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	var result *TurnResult
	err := rt.queue.Run(ctx, req.SessionID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultTurnTimeout)
		defer cancel()

		st := rt.runs.register(req.SessionID, req.RunID, cancel)
		defer rt.runs.unregister(req.SessionID)

		var err error
		result, err = rt.runTurn(ctx, st, req)
		return err
	})
	return result, err
}

func (rt *Runtime) runTurn(ctx context.Context, st *run, req TurnRequest) (*TurnResult, error) {
	ctx, span := rt.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.id", rt.agentID),
		attribute.String("session.id", req.SessionID),
	))
	defer span.End()

	cur := rt.chain.Cursor()

	rt.publish(protocol.EventAgentStarted, req.SessionID, map[string]any{
		"agent_id": rt.agentID,
		"run_id":   req.RunID,
		"content":  req.Content,
	})

	if err := rt.seedSystemPrompt(req.SessionID); err != nil {
		return nil, err
	}
	userMsg := providers.Message{Role: providers.RoleUser, Content: req.Content}
	if len(req.Images) > 0 {
		userMsg.Images = prepareImages(req.Images)
	}
	if err := rt.sessions.Append(req.SessionID, userMsg); err != nil {
		return nil, err
	}

	var (
		total     providers.Usage
		toolCalls int
		lastText  string
	)
	for round := 0; round < maxToolRounds; round++ {
		rt.injectSteering(req.SessionID, st)

		history, err := rt.history(ctx, req.SessionID, cur.Current().Model)
		if err != nil {
			return nil, err
		}

		// Tools are offered only before the first dispatch; every round after
		// it withholds them to force a text answer.
		withTools := round == 0
		text, calls, usage, err := rt.callWithRecovery(ctx, st, req.SessionID, cur, history, withTools)
		if err != nil {
			if st.aborted || errors.Is(err, context.Canceled) {
				rt.publish(protocol.EventAgentTurnComplete, req.SessionID, map[string]any{
					"run_id":    req.RunID,
					"cancelled": true,
				})
				return &TurnResult{RunID: req.RunID, Cancelled: true, Model: cur.Current().String()}, ErrAborted
			}
			rt.chain.CommitFailure(cur)
			rt.publish(protocol.EventAgentError, req.SessionID, map[string]any{"error": err.Error()})
			return nil, err
		}
		total.InputTokens += usage.InputTokens
		total.OutputTokens += usage.OutputTokens
		lastText = text

		assistant := providers.Message{Role: providers.RoleAssistant, Content: text, ToolCalls: calls}
		if err := rt.sessions.Append(req.SessionID, assistant); err != nil {
			return nil, err
		}

		if len(calls) == 0 {
			break
		}
		toolCalls += len(calls)
		results := rt.dispatchTools(ctx, req.SessionID, calls)
		if err := rt.sessions.Append(req.SessionID, results...); err != nil {
			return nil, err
		}
	}

	rt.chain.RecordSuccess()
	if rt.profiles != nil {
		rt.provMu.Lock()
		id := rt.activeProfile[cur.Current().Vendor]
		rt.provMu.Unlock()
		if id != "" {
			rt.profiles.RecordSuccess(id)
		}
	}
	rt.publish(protocol.EventAgentTurnComplete, req.SessionID, map[string]any{
		"agent_id":   rt.agentID,
		"run_id":     req.RunID,
		"reply":      lastText,
		"model":      cur.Current().String(),
		"tool_calls": toolCalls,
		"usage": map[string]any{
			"input_tokens":  total.InputTokens,
			"output_tokens": total.OutputTokens,
		},
	})
	span.SetAttributes(
		attribute.Int("usage.input_tokens", total.InputTokens),
		attribute.Int("usage.output_tokens", total.OutputTokens),
		attribute.Int("tool.calls", toolCalls),
	)
	return &TurnResult{
		RunID:     req.RunID,
		Reply:     lastText,
		Model:     cur.Current().String(),
		Usage:     total,
		ToolCalls: toolCalls,
	}, nil
}

// seedSystemPrompt stores the configured system prompt as the session's first
// message, once, so the transcript on disk matches what the model sees.
func (rt *Runtime) seedSystemPrompt(sessionID string) error {
	if rt.settings.SystemPrompt == "" {
		return nil
	}
	msgs, err := rt.sessions.History(sessionID)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		return nil
	}
	return rt.sessions.Append(sessionID, providers.Message{
		Role:    providers.RoleSystem,
		Content: rt.settings.SystemPrompt,
	})
}

// injectSteering appends queued steering messages as user messages.
func (rt *Runtime) injectSteering(sessionID string, st *run) {
	for _, text := range st.drainSteering() {
		msg := providers.Message{Role: providers.RoleUser, Content: text}
		if err := rt.sessions.Append(sessionID, msg); err != nil {
			slog.Warn("agent: steering append failed", "session", sessionID, "error", err)
		}
	}
}

// history returns the session history, compacting to the model's token budget
// first when context pressure demands it.
func (rt *Runtime) history(ctx context.Context, sessionID, model string) ([]providers.Message, error) {
	msgs, err := rt.sessions.History(sessionID)
	if err != nil {
		return nil, err
	}
	if pressure, used := compact.CheckContext(msgs, model); pressure == compact.PressureCompact {
		before := len(msgs)
		compactor := compact.New(compact.StrategyKeepRecent, 0)
		msgs = compactor.Compact(msgs, compact.BudgetFor(model))
		if err := rt.sessions.ReplaceHistory(sessionID, msgs); err != nil {
			return nil, err
		}
		rt.publish(protocol.EventAgentCompaction, sessionID, map[string]any{
			"messages_before":  before,
			"messages_after":   len(msgs),
			"estimated_tokens": used,
		})
	} else if pressure == compact.PressureWarn {
		slog.Info("agent: context pressure", "session", sessionID, "estimated_tokens", used)
	}
	return msgs, nil
}

// callWithRecovery runs one provider call with the retry / rotate / failover
// ladder: transient errors retry with exponential backoff, auth-class errors
// rotate credentials, and when the current model is out of options the turn's
// chain cursor advances. The cursor is private to the turn, so concurrent
// turns resetting the shared chain never move this one backwards.
func (rt *Runtime) callWithRecovery(ctx context.Context, st *run, sessionID string, cur *providers.Cursor, history []providers.Message, withTools bool) (string, []providers.ToolCall, providers.Usage, error) {
	for {
		ref := cur.Current()
		attempt := 0
		for {
			attempt++
			text, calls, usage, err := rt.callOnce(ctx, st, sessionID, ref, history, withTools)
			if err == nil {
				return text, calls, usage, nil
			}
			if ctx.Err() != nil {
				return "", nil, providers.Usage{}, ctx.Err()
			}

			cat := providers.Classify(err)
			slog.Warn("agent: provider call failed",
				"session", sessionID, "model", ref.String(),
				"category", string(cat), "attempt", attempt, "error", err)

			if cat.RotatesAuth() && rt.rotate(ref, cat, err) {
				// Fresh credentials; try again without burning a retry.
				continue
			}
			if cat.Retryable() && attempt <= rt.maxRetries {
				delay := backoff(attempt)
				rt.publish(protocol.EventAgentRetry, sessionID, map[string]any{
					"model":    ref.String(),
					"attempt":  attempt,
					"delay_ms": delay.Milliseconds(),
					"category": string(cat),
				})
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return "", nil, providers.Usage{}, ctx.Err()
				}
				continue
			}
			if rt.chain.ShouldFailover(cat) {
				next, ok := cur.Advance()
				if ok {
					rt.publish(protocol.EventAgentFailover, sessionID, map[string]any{
						"from":     ref.String(),
						"to":       next.String(),
						"category": string(cat),
					})
					break // outer loop picks up the new model
				}
			}
			return "", nil, providers.Usage{}, fmt.Errorf("agent: model chain exhausted: %w", err)
		}
	}
}

// backoff returns min(2^(attempt-1), 30) seconds.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// rotate records the failure against the credential in use and swaps in the
// next available one. Returns false when rotation is disabled, the pool is
// drained, or the pool hands back the same credential that just failed.
func (rt *Runtime) rotate(ref providers.ModelRef, cat providers.ErrorCategory, cause error) bool {
	if rt.profiles == nil {
		return false
	}
	rt.provMu.Lock()
	defer rt.provMu.Unlock()
	failed := rt.activeProfile[ref.Vendor]
	if failed != "" {
		rt.profiles.RecordFailure(failed, cat == providers.ErrRateLimit)
	}
	profile := rt.profiles.NextAvailable(ref.Vendor, "")
	if profile == nil || profile.ID == failed {
		return false
	}
	prov, err := rt.factory.WithKey(ref.Vendor, profile.APIKey)
	if err != nil {
		slog.Warn("agent: credential rotation failed", "vendor", ref.Vendor, "error", err)
		return false
	}
	rt.rotated[ref.Vendor] = prov
	rt.activeProfile[ref.Vendor] = profile.ID
	slog.Info("agent: rotated credentials", "vendor", ref.Vendor, "profile", profile.ID,
		"category", string(cat), "cause", cause.Error())
	return true
}

// callOnce performs a single streaming provider call and consumes the stream,
// publishing deltas as they arrive.
func (rt *Runtime) callOnce(ctx context.Context, st *run, sessionID string, ref providers.ModelRef, history []providers.Message, withTools bool) (string, []providers.ToolCall, providers.Usage, error) {
	prov, err := rt.currentProvider(ref)
	if err != nil {
		return "", nil, providers.Usage{}, err
	}

	req := providers.ChatRequest{
		Model:     ref.Model,
		Messages:  history,
		MaxTokens: rt.settings.MaxTokens,
	}
	if withTools && rt.registry != nil {
		req.Tools = rt.registry.Definitions()
	}

	stream, err := prov.Stream(ctx, req)
	if err != nil {
		return "", nil, providers.Usage{}, err
	}

	var (
		visible   strings.Builder
		reasoning strings.Builder
		calls     []providers.ToolCall
		usage     providers.Usage
		extractor ThinkingExtractor
	)
	for chunk := range stream {
		switch chunk.Kind {
		case providers.ChunkTextDelta:
			vis, think := extractor.Feed(chunk.Text)
			rt.emitText(sessionID, vis, think, &visible, &reasoning)

		case providers.ChunkToolCalls:
			calls = chunk.ToolCalls
			for _, call := range calls {
				rt.publish(protocol.EventAgentToolUse, sessionID, map[string]any{
					"tool_call_id": call.ID,
					"tool":         call.Name,
					"arguments":    string(call.Arguments),
				})
			}

		case providers.ChunkDone:
			usage = chunk.Usage

		case providers.ChunkError:
			return "", nil, providers.Usage{}, chunk.Err
		}
	}
	vis, think := extractor.Flush()
	rt.emitText(sessionID, vis, think, &visible, &reasoning)

	// In "on" mode the reasoning is withheld during streaming and emitted
	// once, complete, at the end.
	if rt.thinking == ThinkingOn && reasoning.Len() > 0 {
		rt.publish(protocol.EventAgentThinking, sessionID, map[string]any{
			"text": reasoning.String(), "final": true,
		})
	}
	return visible.String(), calls, usage, nil
}

func (rt *Runtime) currentProvider(ref providers.ModelRef) (providers.Provider, error) {
	rt.provMu.Lock()
	prov, ok := rt.rotated[ref.Vendor]
	rt.provMu.Unlock()
	if ok {
		return prov, nil
	}
	return rt.factory.ForRef(ref)
}

// emitText publishes a visible delta and, in stream mode, a reasoning delta.
func (rt *Runtime) emitText(sessionID, vis, think string, visible, reasoning *strings.Builder) {
	if vis != "" {
		visible.WriteString(vis)
		rt.publish(protocol.EventAgentText, sessionID, map[string]any{"text": vis})
	}
	if think != "" {
		reasoning.WriteString(think)
		if rt.thinking == ThinkingStream {
			rt.publish(protocol.EventAgentThinking, sessionID, map[string]any{"text": think})
		}
	}
}

// dispatchTools executes a batch of tool calls in parallel, bounded, and
// returns their results as tool messages in call order.
func (rt *Runtime) dispatchTools(ctx context.Context, sessionID string, calls []providers.ToolCall) []providers.Message {
	results := make([]*tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTools)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = rt.registry.Execute(gctx, call)
			return nil
		})
	}
	_ = g.Wait() // tool failures are results, not errors

	out := make([]providers.Message, 0, len(calls))
	for i, call := range calls {
		res := results[i]
		if res == nil {
			res = tools.Fail("tool did not run")
		}
		rt.publish(protocol.EventAgentToolResult, sessionID, map[string]any{
			"tool_call_id": call.ID,
			"tool":         call.Name,
			"success":      res.Success,
			"output":       res.ForModel(),
		})
		if fd, ok := res.FileResult(); ok {
			rt.publish(protocol.EventAgentFileGenerated, sessionID, map[string]any{
				"file_path": fd.Path,
				"file_type": fd.Type,
				"caption":   fd.Caption,
			})
		}
		out = append(out, providers.Message{
			Role:       providers.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.ForModel(),
		})
	}
	return out
}
