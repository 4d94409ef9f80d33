package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wopr-bot/wopr/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicPingModel  = "claude-3-5-haiku-latest"
	anthropicMaxTokens  = 4096
)

// AnthropicClient talks to the Anthropic Messages API over raw HTTP.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. Streams are bounded by the
// caller's context rather than a client timeout.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    anthropicAPIURL,
		logger:     logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

// anthropicMessage always carries content blocks so that consecutive
// turns of the same role can be merged.
type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicEvent struct {
	Type         string             `json:"type"`
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// apiError maps a mid-stream error event onto the status code the same
// condition returns before streaming starts.
func (e *anthropicError) apiError() *APIError {
	status := http.StatusInternalServerError
	switch e.Type {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "invalid_request_error":
		status = http.StatusBadRequest
	case "authentication_error":
		status = http.StatusUnauthorized
	case "permission_error":
		status = http.StatusForbidden
	case "not_found_error":
		status = http.StatusNotFound
	case "request_too_large":
		status = http.StatusRequestEntityTooLarge
	}
	return &APIError{Provider: "anthropic", StatusCode: status, Body: e.Type + ": " + e.Message}
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Chat sends a non-streaming completion request.
func (c *AnthropicClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream streams deltas to callback; a nil callback makes the call
// non-streaming.
func (c *AnthropicClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*ChatResponse, error) {
	system, msgs := toAnthropicMessages(req.Messages)
	body := anthropicRequest{
		Model:       req.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   anthropicMaxTokens,
		Temperature: req.Temperature,
		Stream:      callback != nil,
		Tools:       toAnthropicTools(req.Tools),
	}
	c.logger.Debug("preparing request",
		"model", body.Model,
		"messages", len(msgs),
		"tools", len(body.Tools),
		"stream", body.Stream,
	)

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result *ChatResponse
	if body.Stream {
		result, err = readAnthropicStream(resp.Body, callback)
	} else {
		result, err = readAnthropicResponse(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"content_len", len(result.Message.Content),
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping sends a one-token request; the API has no health endpoint and
// this also proves the key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	resp, err := c.post(ctx, anthropicRequest{
		Model:     anthropicPingModel,
		Messages:  []anthropicMessage{textMessage("user", "ping")},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// post sends body and returns the response when it is a 2xx. Anything
// else becomes an *APIError.
func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}

func readAnthropicResponse(r io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: "assistant"},
		Done:         true,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: ToolFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	out.Message.Content = text.String()
	return out, nil
}

// anthropicStream accumulates server-sent events into a ChatResponse.
type anthropicStream struct {
	emit    StreamCallback
	resp    ChatResponse
	text    strings.Builder
	tool    *anthropicBlock // tool_use block being received
	toolArg strings.Builder
}

func (s *anthropicStream) apply(ev anthropicEvent) {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.resp.Model = ev.Message.Model
			s.resp.InputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			s.tool = ev.ContentBlock
			s.toolArg.Reset()
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.text.WriteString(ev.Delta.Text)
			s.emit(StreamEvent{Kind: KindToken, Token: ev.Delta.Text})
		case "input_json_delta":
			s.toolArg.WriteString(ev.Delta.PartialJSON)
		}
	case "content_block_stop":
		if s.tool == nil {
			return
		}
		args := map[string]any{}
		if s.toolArg.Len() > 0 {
			if err := json.Unmarshal([]byte(s.toolArg.String()), &args); err != nil {
				args = map[string]any{"_raw": s.toolArg.String()}
			}
		}
		call := ToolCall{ID: s.tool.ID, Function: ToolFunction{Name: s.tool.Name, Arguments: args}}
		s.resp.Message.ToolCalls = append(s.resp.Message.ToolCalls, call)
		s.emit(StreamEvent{Kind: KindToolCallDone, ToolCall: &call})
		s.tool = nil
	case "message_delta":
		if ev.Usage != nil {
			s.resp.OutputTokens = ev.Usage.OutputTokens
		}
	}
}

func readAnthropicStream(r io.Reader, emit StreamCallback) (*ChatResponse, error) {
	s := &anthropicStream{emit: emit}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	stopped := false
	for !stopped && scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_stop":
			stopped = true
		case "error":
			if ev.Error == nil {
				ev.Error = &anthropicError{Type: "api_error"}
			}
			return nil, ev.Error.apiError()
		default:
			s.apply(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w: %w", ErrStreamTruncated, err)
	}
	if !stopped {
		return nil, fmt.Errorf("anthropic: %w", ErrStreamTruncated)
	}

	resp := &s.resp
	resp.Done = true
	resp.Message.Role = "assistant"
	resp.Message.Content = s.text.String()
	emit(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

func textMessage(role, text string) anthropicMessage {
	return anthropicMessage{Role: role, Content: []anthropicBlock{{Type: "text", Text: text}}}
}

// toAnthropicMessages lifts the leading system messages into the system
// prompt. System messages later in the transcript (tool results, notes)
// become user text in place so their position is kept. Consecutive
// messages of the same role are merged because the API requires turns
// to alternate.
func toAnthropicMessages(messages []Message) (string, []anthropicMessage) {
	var system []string
	var out []anthropicMessage
	leading := true

	push := func(role string, blocks ...anthropicBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range messages {
		if m.Role == "system" && leading {
			system = append(system, m.Content)
			continue
		}
		leading = false

		switch m.Role {
		case "system":
			push("user", anthropicBlock{Type: "text", Text: m.Content})
		case "assistant":
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for i, tc := range m.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: args})
			}
			if len(blocks) > 0 {
				push("assistant", blocks...)
			}
		case "tool":
			push("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		default:
			push("user", anthropicBlock{Type: "text", Text: m.Content})
		}
	}
	return strings.Join(system, "\n\n"), out
}

// toAnthropicTools converts OpenAI-shaped function definitions.
func toAnthropicTools(tools []map[string]any) []anthropicTool {
	var out []anthropicTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{Name: name, Description: desc, InputSchema: params})
	}
	return out
}
