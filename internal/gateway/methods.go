package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofer-dev/gofer/internal/agent"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

const turnParamsSchema = `{
	"type": "object",
	"properties": {
		"message":   {"type": "string", "minLength": 1},
		"sessionId": {"type": "string"},
		"agentId":   {"type": "string"},
		"channelId": {"type": "string"},
		"runId":     {"type": "string"}
	},
	"required": ["message"]
}`

const abortParamsSchema = `{
	"type": "object",
	"properties": {
		"runId":     {"type": "string", "minLength": 1},
		"sessionId": {"type": "string", "minLength": 1}
	}
}`

const sessionParamsSchema = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"limit":     {"type": "integer", "minimum": 0}
	},
	"required": ["sessionId"]
}`

func (s *Server) registerCoreMethods() {
	s.registry.Register(protocol.MethodPing, s.handlePing)
	s.registry.Register(protocol.MethodHealth, s.handleHealthMethod)

	s.registry.RegisterSchema(protocol.MethodAgent, turnParamsSchema, s.handleAgentTurn)
	s.registry.RegisterSchema(protocol.MethodAgentTurn, turnParamsSchema, s.handleAgentTurn)
	s.registry.RegisterSchema(protocol.MethodChatAbort, abortParamsSchema, s.handleChatAbort)
	s.registry.Register(protocol.MethodAgentQueueStatus, s.handleQueueStatus)

	s.registry.Register(protocol.MethodChannelsList, s.handleChannelsList)
	s.registry.Register(protocol.MethodChannelsStatus, s.handleChannelsList)

	s.registry.Register(protocol.MethodSessionsList, s.handleSessionsList)
	s.registry.RegisterSchema(protocol.MethodSessionsHistory, sessionParamsSchema, s.handleSessionsHistory)
	s.registry.RegisterSchema(protocol.MethodSessionsDelete, sessionParamsSchema, s.handleSessionsDelete)

	s.registry.Register(protocol.MethodLogsTail, s.handleLogsTail)
	s.registry.Register(protocol.MethodGatewayCost, s.handleCost)

	s.registry.Register(protocol.MethodWizardStart, s.handleWizardStart)
	s.registry.Register(protocol.MethodWizardNext, s.handleWizardNext)
	s.registry.Register(protocol.MethodWizardCancel, s.handleWizardCancel)
	s.registry.Register(protocol.MethodWizardStatus, s.handleWizardStatus)
}

func (s *Server) handlePing(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"pong": true, "ts": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

func (s *Server) handleHealthMethod(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	return map[string]any{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"version":  s.version,
	}, nil
}

type turnParams struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	ChannelID string `json:"channelId"`
	RunID     string `json:"runId"`
}

// handleAgentTurn runs one turn synchronously; streaming output reaches the
// client through the event broadcast while the call is in flight.
func (s *Server) handleAgentTurn(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p turnParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	rt, err := s.runtimeFor(p.AgentID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = "gateway-" + c.id
	}

	result, err := rt.Turn(ctx, agent.TurnRequest{
		SessionID: sessionID,
		RunID:     p.RunID,
		Content:   p.Message,
		ChannelID: p.ChannelID,
	})
	if errors.Is(err, agent.ErrAborted) {
		out := map[string]any{"session_id": sessionID, "cancelled": true}
		if result != nil {
			out["run_id"] = result.RunID
		}
		return out, nil
	}
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}
	return map[string]any{
		"session_id": sessionID,
		"run_id":     result.RunID,
		"reply":      result.Reply,
		"model":      result.Model,
		"tool_calls": result.ToolCalls,
		"usage":      result.Usage,
	}, nil
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

// handleChatAbort cancels by run id when given one, falling back to cancelling
// whatever turn the session has in flight.
func (s *Server) handleChatAbort(_ context.Context, _ *Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		RunID     string `json:"runId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	if p.RunID == "" && p.SessionID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "runId or sessionId required")
	}
	cancelled := false
	for _, rt := range s.runtimes {
		if p.RunID != "" {
			if rt.AbortRun(p.RunID) {
				cancelled = true
			}
		} else if rt.Abort(p.SessionID) {
			cancelled = true
		}
	}
	out := map[string]any{"cancelled": cancelled}
	if p.RunID != "" {
		out["run_id"] = p.RunID
	}
	if p.SessionID != "" {
		out["session_id"] = p.SessionID
	}
	return out, nil
}

func (s *Server) handleQueueStatus(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	if s.queue == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "queue unavailable")
	}
	return s.queue.Stats(), nil
}

func (s *Server) handleChannelsList(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	if s.channels == nil {
		return map[string]any{"channels": []any{}}, nil
	}
	return map[string]any{"channels": s.channels.Statuses()}, nil
}

func (s *Server) handleSessionsList(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	if s.sessions == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "session store unavailable")
	}
	infos, err := s.sessions.List()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}
	return map[string]any{"sessions": infos}, nil
}

func (s *Server) handleSessionsHistory(_ context.Context, _ *Client, params json.RawMessage) (any, *protocol.Error) {
	if s.sessions == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "session store unavailable")
	}
	var p sessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	msgs, err := s.sessions.History(p.SessionID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[len(msgs)-p.Limit:]
	}
	return map[string]any{"session_id": p.SessionID, "messages": msgs}, nil
}

func (s *Server) handleSessionsDelete(_ context.Context, _ *Client, params json.RawMessage) (any, *protocol.Error) {
	if s.sessions == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "session store unavailable")
	}
	var p sessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	if err := s.sessions.Delete(p.SessionID); err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}
	return map[string]any{"session_id": p.SessionID, "deleted": true}, nil
}

func (s *Server) handleLogsTail(_ context.Context, _ *Client, params json.RawMessage) (any, *protocol.Error) {
	if s.logs == nil {
		return map[string]any{"records": []any{}}, nil
	}
	var p struct {
		Lines int `json:"lines"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
		}
	}
	if p.Lines <= 0 {
		p.Lines = 100
	}
	return map[string]any{"records": s.logs.Tail(p.Lines)}, nil
}

func (s *Server) handleCost(ctx context.Context, _ *Client, params json.RawMessage) (any, *protocol.Error) {
	if s.usage == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "usage ledger unavailable")
	}
	var p struct {
		Hours int `json:"hours"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
		}
	}
	if p.Hours <= 0 {
		p.Hours = 24 * 30
	}
	sum, err := s.usage.Summarize(ctx, time.Now().Add(-time.Duration(p.Hours)*time.Hour))
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}
	return sum, nil
}

func (s *Server) wizardFor(c *Client, create bool) *wizardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wizards[c.id]
	if !ok && create {
		w = newWizardState()
		s.wizards[c.id] = w
	}
	return w
}

func (s *Server) handleWizardStart(_ context.Context, c *Client, _ json.RawMessage) (any, *protocol.Error) {
	s.mu.Lock()
	s.wizards[c.id] = newWizardState()
	w := s.wizards[c.id]
	s.mu.Unlock()
	return w.describe(), nil
}

func (s *Server) handleWizardNext(_ context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	w := s.wizardFor(c, false)
	if w == nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "no wizard in progress; call wizard.start")
	}
	var p struct {
		Answers map[string]string `json:"answers"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	out, err := w.next(p.Answers)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	if w.done {
		s.mu.Lock()
		delete(s.wizards, c.id)
		s.mu.Unlock()
	}
	return out, nil
}

func (s *Server) handleWizardCancel(_ context.Context, c *Client, _ json.RawMessage) (any, *protocol.Error) {
	s.mu.Lock()
	_, existed := s.wizards[c.id]
	delete(s.wizards, c.id)
	s.mu.Unlock()
	return map[string]any{"cancelled": existed}, nil
}

func (s *Server) handleWizardStatus(_ context.Context, c *Client, _ json.RawMessage) (any, *protocol.Error) {
	w := s.wizardFor(c, false)
	if w == nil {
		return map[string]any{"active": false}, nil
	}
	out := w.describe()
	out["active"] = true
	return out, nil
}
