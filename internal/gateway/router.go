package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gofer-dev/gofer/pkg/protocol"
)

// Handler processes one RPC call. A non-nil *protocol.Error becomes the wire
// error; otherwise the result is framed in the request's dialect.
type Handler func(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error)

type method struct {
	handler Handler
	schema  *jsonschema.Schema
	scope   string
}

// MethodRegistry routes decoded requests to their handlers, enforcing auth,
// rate limits, parameter schemas, and scopes on the way in.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]method
	limiter *RateLimiter
}

// NewMethodRegistry creates an empty registry guarded by the limiter.
func NewMethodRegistry(limiter *RateLimiter) *MethodRegistry {
	return &MethodRegistry{methods: map[string]method{}, limiter: limiter}
}

// Register installs a handler with no parameter schema or scope.
func (r *MethodRegistry) Register(name string, h Handler) {
	r.register(name, method{handler: h})
}

// RegisterSchema installs a handler whose params must satisfy the given JSON
// schema document. A bad schema is a programming error, hence the panic.
func (r *MethodRegistry) RegisterSchema(name, schemaJSON string, h Handler) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("gateway: method %s schema: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	url := "method://" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("gateway: method %s schema: %v", name, err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("gateway: method %s schema: %v", name, err))
	}
	r.register(name, method{handler: h, schema: schema})
}

// RegisterScoped installs a handler requiring the client to hold a scope.
func (r *MethodRegistry) RegisterScoped(name, scope string, h Handler) {
	r.register(name, method{handler: h, scope: scope})
}

func (r *MethodRegistry) register(name string, m method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = m
}

// Methods lists the registered method names.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	return out
}

// Dispatch runs one request and returns the encoded response frame. It never
// returns an empty frame: every failure mode has a wire error.
func (r *MethodRegistry) Dispatch(ctx context.Context, c *Client, req *protocol.Request) []byte {
	if !c.Authenticated() && !protocol.AuthExempt(req.Method) {
		return encodeErr(req, protocol.NewError(protocol.CodeAuthRequired, "connect first"))
	}
	if r.limiter != nil && !r.limiter.Allow(c.id) {
		return encodeErr(req, protocol.NewError(protocol.CodeInvalidRequest, "rate limit exceeded"))
	}

	r.mu.RLock()
	m, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return encodeErr(req, protocol.NewError(protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method)))
	}
	if m.scope != "" && !c.HasScope(m.scope) {
		return encodeErr(req, protocol.NewError(protocol.CodePermissionDenied,
			fmt.Sprintf("method %s requires scope %s", req.Method, m.scope)))
	}
	if m.schema != nil {
		if werr := validateParams(m.schema, req.Params); werr != nil {
			return encodeErr(req, werr)
		}
	}

	result, werr := safeCall(ctx, m.handler, c, req)
	if werr != nil {
		return encodeErr(req, werr)
	}
	frame, err := protocol.EncodeResult(req, result)
	if err != nil {
		slog.Error("gateway: encode result failed", "method", req.Method, "error", err)
		return encodeErr(req, protocol.NewError(protocol.CodeInternalError, "unencodable result"))
	}
	return frame
}

// safeCall isolates handler panics so one bad method cannot kill the
// connection's read loop.
func safeCall(ctx context.Context, h Handler, c *Client, req *protocol.Request) (result any, werr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gateway: method panicked",
				"method", req.Method, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result = nil
			werr = protocol.NewError(protocol.CodeInternalError, "internal error")
		}
	}()
	return h(ctx, c, req.Params)
}

func validateParams(schema *jsonschema.Schema, params json.RawMessage) *protocol.Error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return protocol.NewError(protocol.CodeInvalidRequest, fmt.Sprintf("malformed params: %v", err))
	}
	if err := schema.Validate(v); err != nil {
		return protocol.NewError(protocol.CodeInvalidRequest, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

func encodeErr(req *protocol.Request, werr *protocol.Error) []byte {
	frame, err := protocol.EncodeError(req, werr)
	if err != nil {
		// Both dialect encoders only fail on unmarshalable details.
		frame, _ = protocol.EncodeError(req, protocol.NewError(werr.Code, werr.Message))
	}
	return frame
}
