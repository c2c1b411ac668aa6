package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic Messages SSE protocol.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic builds a provider for api.anthropic.com. baseURL overrides the
// endpoint when non-empty.
func NewAnthropic(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return "claude-sonnet-4" }

// toAnthropicMessages converts the neutral history into Anthropic's block
// format. System messages lift out into the top-level system field; tool
// results become tool_result user blocks.
func toAnthropicMessages(msgs []Message) (system string, out []map[string]any) {
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case RoleTool:
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})

		case RoleAssistant:
			blocks := []map[string]any{}
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil || input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, map[string]any{"role": "assistant", "content": blocks})

		default: // user
			if len(m.Images) > 0 {
				blocks := []map[string]any{}
				for _, img := range m.Images {
					blocks = append(blocks, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": "image/jpeg",
							"data":       img,
						},
					})
				}
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
				out = append(out, map[string]any{"role": "user", "content": blocks})
				continue
			}
			out = append(out, map[string]any{"role": "user", "content": m.Content})
		}
	}
	return system, out
}

// Stream issues a streaming message completion.
func (p *AnthropicProvider) Stream(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	system, msgs := toAnthropicMessages(req.Messages)
	body := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if system != "" {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	out := make(chan Chunk, 16)
	go p.readStream(resp.Body, out)
	return out, nil
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) readStream(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	var (
		text    strings.Builder
		usage   Usage
		calls   []ToolCall
		argsByI = map[int]*strings.Builder{}
		callByI = map[int]int{} // block index -> calls slice index
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			usage.InputTokens = ev.Message.Usage.InputTokens

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				callByI[ev.Index] = len(calls)
				calls = append(calls, ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name})
				argsByI[ev.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				text.WriteString(ev.Delta.Text)
				out <- Chunk{Kind: ChunkTextDelta, Text: ev.Delta.Text}
			case "input_json_delta":
				if b, ok := argsByI[ev.Index]; ok {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			usage.OutputTokens = ev.Usage.OutputTokens

		case "error":
			out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("anthropic: stream read: %w", err)}
		return
	}

	for i := range calls {
		var b *strings.Builder
		for idx, ci := range callByI {
			if ci == i {
				b = argsByI[idx]
				break
			}
		}
		args := "{}"
		if b != nil && b.Len() > 0 {
			args = b.String()
		}
		calls[i].Arguments = json.RawMessage(args)
	}
	if len(calls) > 0 {
		out <- Chunk{Kind: ChunkToolCalls, ToolCalls: calls}
	}
	out <- Chunk{Kind: ChunkDone, Usage: usage, StopText: text.String()}
}
