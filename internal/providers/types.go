// Package providers abstracts streaming chat-completion backends behind a
// single interface keyed by "vendor/model" references.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// Roles on a conversation message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation history.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Images     []string       `json:"images,omitempty"` // base64 or file paths
	Timestamp  time.Time      `json:"timestamp,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// ChunkKind discriminates streamed chunks.
type ChunkKind int

const (
	// ChunkTextDelta carries an incremental slice of assistant text.
	ChunkTextDelta ChunkKind = iota
	// ChunkToolCalls carries the complete batch of requested tool calls.
	ChunkToolCalls
	// ChunkDone terminates a successful stream.
	ChunkDone
	// ChunkError terminates a failed stream.
	ChunkError
)

// Chunk is one unit of a streamed completion. Exactly one terminal chunk
// (Done or Error) ends every stream, and the channel closes after it.
type Chunk struct {
	Kind      ChunkKind
	Text      string     // ChunkTextDelta
	ToolCalls []ToolCall // ChunkToolCalls
	Usage     Usage      // ChunkDone
	StopText  string     // ChunkDone: full assistant text, if the transport buffered it
	Err       error      // ChunkError
}

// ChatRequest is the provider-independent completion request.
type ChatRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Provider is a streaming chat-completion backend. Stream returns immediately;
// chunks arrive on the returned channel until a terminal chunk closes it.
// Cancelling ctx aborts the stream with a ChunkError.
type Provider interface {
	Name() string
	DefaultModel() string
	Stream(ctx context.Context, req ChatRequest) (<-chan Chunk, error)
}
