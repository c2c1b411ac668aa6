// Package tools defines the tool surface exposed to agents: a registry of
// named tools with JSON Schema parameters and fault-contained execution.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gofer-dev/gofer/internal/providers"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the arguments object.
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is the uniform outcome of a tool execution. Failed executions are
// results, not errors: the model sees the failure text and can react.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Ok builds a successful result.
func Ok(output string) *Result { return &Result{Success: true, Output: output} }

// Fail builds a failed result.
func Fail(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ForModel renders the result as the tool-role message content.
func (r *Result) ForModel() string {
	if r.Success {
		if r.Output == "" {
			return "(no output)"
		}
		return r.Output
	}
	return "Error: " + r.Error
}

// FileDescriptor is a generated file a tool wants delivered to the user.
type FileDescriptor struct {
	Path    string
	Type    string
	Caption string
}

// FileResult inspects a result's data for the generated-file convention:
// {"file_path": ..., "file_type": ..., "caption": ...}.
func (r *Result) FileResult() (*FileDescriptor, bool) {
	if r.Data == nil {
		return nil, false
	}
	path, ok := r.Data["file_path"].(string)
	if !ok || path == "" {
		return nil, false
	}
	fd := &FileDescriptor{Path: path}
	if t, ok := r.Data["file_type"].(string); ok {
		fd.Type = t
	}
	if c, ok := r.Data["caption"].(string); ok {
		fd.Caption = c
	}
	return fd, true
}

// Registry holds the enabled tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}, schemas: map[string]*jsonschema.Schema{}}
}

// Register adds a tool. Registering an already-registered name replaces it.
// An invalid schema is an error at registration time, not call time.
func (r *Registry) Register(t Tool) error {
	compiled, err := compileSchema(t.Name(), t.Schema())
	if err != nil {
		return fmt.Errorf("tools: %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = compiled
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions renders the registry for a provider request.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}

// Execute runs one model-requested call. Unknown tools, malformed arguments,
// schema violations, returned errors, and panics all come back as failed
// Results so a misbehaving tool never takes down the turn.
func (r *Registry) Execute(ctx context.Context, call providers.ToolCall) (res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tools: tool panicked", "tool", call.Name, "panic", fmt.Sprint(rec))
			res = Fail("tool %s panicked: %v", call.Name, rec)
		}
	}()

	t, ok := r.Get(call.Name)
	if !ok {
		return Fail("unknown tool %q", call.Name)
	}

	var args map[string]any
	raw := call.Arguments
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Fail("arguments are not a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}

	r.mu.RLock()
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if schema != nil {
		if err := schema.Validate(anyify(args)); err != nil {
			return Fail("invalid arguments: %v", err)
		}
	}

	out, err := t.Execute(ctx, args)
	if err != nil {
		return Fail("%v", err)
	}
	if out == nil {
		return Ok("")
	}
	return out
}

// anyify round-trips through JSON so numbers validate as json.Number-free
// plain values the validator accepts.
func anyify(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return args
	}
	return v
}
