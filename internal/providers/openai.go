package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIProvider speaks the OpenAI chat-completions SSE protocol. It also
// serves as the fallback transport for any vendor the factory does not know
// natively, pointed at that vendor's base URL.
type OpenAIProvider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOpenAI builds a provider for api.openai.com.
func NewOpenAI(apiKey string) *OpenAIProvider {
	return NewOpenAICompatible("openai", apiKey, "https://api.openai.com/v1", "gpt-4o")
}

// NewOpenAICompatible builds a provider against any OpenAI-compatible
// endpoint (OpenRouter, local inference servers, unknown vendors).
func NewOpenAICompatible(name, apiKey, baseURL, defaultModel string) *OpenAIProvider {
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func toOpenAIMessages(msgs []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openAIMessage{Role: m.Role, ToolCallID: m.ToolCallID, Name: m.Name}
		if len(m.Images) > 0 && m.Role == RoleUser {
			parts := []map[string]any{{"type": "text", "text": m.Content}}
			for _, img := range m.Images {
				url := img
				if !strings.HasPrefix(img, "http") && !strings.HasPrefix(img, "data:") {
					url = "data:image/jpeg;base64," + img
				}
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": url},
				})
			}
			om.Content = parts
		} else {
			om.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// Stream issues a streaming chat completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := map[string]any{
		"model":    model,
		"messages": toOpenAIMessages(req.Messages),
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: p.name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	out := make(chan Chunk, 16)
	go p.readStream(resp.Body, out)
	return out, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// toolCallAccumulator reassembles tool calls streamed as per-index fragments.
type toolCallAccumulator struct {
	byIndex map[int]*partialCall
}

type partialCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: map[int]*partialCall{}}
}

func (a *toolCallAccumulator) add(index int, id, name, args string) {
	pc, ok := a.byIndex[index]
	if !ok {
		pc = &partialCall{index: index}
		a.byIndex[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(args)
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	partials := make([]*partialCall, 0, len(a.byIndex))
	for _, pc := range a.byIndex {
		partials = append(partials, pc)
	}
	sort.Slice(partials, func(i, j int) bool { return partials[i].index < partials[j].index })

	out := make([]ToolCall, 0, len(partials))
	for _, pc := range partials {
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: pc.id, Name: pc.name, Arguments: json.RawMessage(args)})
	}
	return out
}

func (p *OpenAIProvider) readStream(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	var (
		text  strings.Builder
		acc   = newToolCallAccumulator()
		usage Usage
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed keep-alives
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				out <- Chunk{Kind: ChunkTextDelta, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("%s: stream read: %w", p.name, err)}
		return
	}

	if calls := acc.calls(); len(calls) > 0 {
		out <- Chunk{Kind: ChunkToolCalls, ToolCalls: calls}
	}
	out <- Chunk{Kind: ChunkDone, Usage: usage, StopText: text.String()}
}
