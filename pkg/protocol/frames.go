package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version window accepted by the gateway. Clients propose their own
// window in the connect frame; the negotiated version is the highest value in
// the intersection.
const (
	ProtocolVersionMin = 1
	ProtocolVersionMax = 3
	ProtocolVersion    = 1 // semantics currently implemented
)

// Error codes on the wire (screaming-snake dialect).
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeHandshakeFailed  = "HANDSHAKE_FAILED"
)

// JSON-RPC 2.0 integer codes for the corresponding failures.
const (
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Error is the uniform error shape carried in responses.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewError builds a wire error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// JSONRPCCode maps a screaming-snake code onto the JSON-RPC integer space.
func JSONRPCCode(code string) int {
	switch code {
	case CodeMethodNotFound:
		return JSONRPCMethodNotFound
	case CodeInvalidRequest:
		return JSONRPCInvalidParams
	default:
		return JSONRPCInternalError
	}
}

// Dialect identifies which framing a client speaks. The gateway answers in
// the dialect of the request.
type Dialect int

const (
	DialectReqRes Dialect = iota
	DialectJSONRPC
)

// Request is a decoded RPC request in either dialect.
type Request struct {
	Dialect Dialect
	ID      json.RawMessage
	Method  string
	Params  json.RawMessage
}

// rawFrame covers both inbound dialects.
type rawFrame struct {
	// req/res dialect
	Type string `json:"type,omitempty"`
	// JSON-RPC dialect
	JSONRPC string `json:"jsonrpc,omitempty"`

	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DecodeRequest parses a single text frame into a Request. Frames that are
// neither a req/res request nor a JSON-RPC call are rejected.
func DecodeRequest(data []byte) (*Request, error) {
	var f rawFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch {
	case f.JSONRPC == "2.0":
		if f.Method == "" {
			return nil, fmt.Errorf("jsonrpc frame missing method")
		}
		return &Request{Dialect: DialectJSONRPC, ID: f.ID, Method: f.Method, Params: f.Params}, nil
	case f.Type == "req" || (f.Type == "" && f.Method != ""):
		if f.Method == "" {
			return nil, fmt.Errorf("request frame missing method")
		}
		return &Request{Dialect: DialectReqRes, ID: f.ID, Method: f.Method, Params: f.Params}, nil
	default:
		return nil, fmt.Errorf("unrecognized frame type %q", f.Type)
	}
}

// EncodeResult frames a successful response in the request's dialect,
// preserving the client's id verbatim.
func EncodeResult(req *Request, payload any) ([]byte, error) {
	if req.Dialect == DialectJSONRPC {
		return json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      rawOrNull(req.ID),
			"result":  payload,
		})
	}
	return json.Marshal(map[string]any{
		"type":    "res",
		"id":      rawOrNull(req.ID),
		"ok":      true,
		"payload": payload,
	})
}

// EncodeError frames an error response in the request's dialect.
func EncodeError(req *Request, werr *Error) ([]byte, error) {
	if req.Dialect == DialectJSONRPC {
		return json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      rawOrNull(req.ID),
			"error": map[string]any{
				"code":    JSONRPCCode(werr.Code),
				"message": werr.Message,
				"data":    map[string]any{"code": werr.Code, "details": werr.Details},
			},
		})
	}
	return json.Marshal(map[string]any{
		"type":  "res",
		"id":    rawOrNull(req.ID),
		"ok":    false,
		"error": werr,
	})
}

func rawOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// EventFrame is the server-push framing for broadcast events.
type EventFrame struct {
	Type    string `json:"type"` // always "event"
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
}

// NewEventFrame wraps an event name and payload for broadcast.
func NewEventFrame(event string, payload any) *EventFrame {
	return &EventFrame{Type: "event", Event: event, Payload: payload}
}
