package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wopr-bot/wopr/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	// Cold model loads can take minutes before the first byte.
	t.ResponseHeaderTimeout = 5 * time.Minute
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithDialRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Chat sends a non-streaming completion request.
func (c *OllamaClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a completion request, streaming deltas to callback
// when it is non-nil.
func (c *OllamaClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	body := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.Messages),
		Stream:   stream,
		Tools:    req.Tools,
	}
	if req.Temperature != nil {
		body.Options = &ollamaOptions{Temperature: req.Temperature}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	if !stream {
		var wire ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if wire.Error != "" {
			return nil, &APIError{Provider: "ollama", StatusCode: http.StatusInternalServerError, Body: wire.Error}
		}
		return convertFromOllama(&wire, wire.Message.Content), nil
	}

	var (
		final   ollamaResponse
		content strings.Builder
		calls   []ollamaToolCall
	)
	decoder := json.NewDecoder(resp.Body)
	for !final.Done {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("ollama: %w", ErrStreamTruncated)
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		// The server reports failures after a 200 as a chunk with only "error".
		if chunk.Error != "" {
			return nil, &APIError{Provider: "ollama", StatusCode: http.StatusInternalServerError, Body: chunk.Error}
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		if len(chunk.Message.ToolCalls) > 0 {
			calls = chunk.Message.ToolCalls
		}
		if chunk.Done {
			final = chunk
		}
	}
	final.Message.ToolCalls = calls

	result := convertFromOllama(&final, content.String())
	for i := range result.Message.ToolCalls {
		callback(StreamEvent{Kind: KindToolCallDone, ToolCall: &result.Message.ToolCalls[i]})
	}
	callback(StreamEvent{Kind: KindDone, Response: result})
	return result, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", StatusCode: resp.StatusCode}
	}
	return nil
}

// convertToOllama maps prompt messages to the wire format. Ollama has no
// tool_call_id, so tool results travel as plain "tool" messages.
func convertToOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var wire ollamaToolCall
			wire.Function.Name = tc.Function.Name
			wire.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, wire)
		}
		out = append(out, om)
	}
	return out
}

func convertFromOllama(wire *ollamaResponse, content string) *ChatResponse {
	resp := &ChatResponse{
		Model: wire.Model,
		Message: Message{
			Role:    "assistant",
			Content: content,
		},
		Done:         wire.Done,
		InputTokens:  wire.PromptEvalCount,
		OutputTokens: wire.EvalCount,
	}
	if t, err := time.Parse(time.RFC3339Nano, wire.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	for _, tc := range wire.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			Function: ToolFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}

	// Smaller local models often answer with a JSON tool call in the
	// text instead of the native field.
	if len(resp.Message.ToolCalls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			resp.Message.ToolCalls = parsed
			resp.Message.Content = ""
		}
	}
	return resp
}

// parseTextToolCalls extracts tool calls written as text. Accepted forms
// are a JSON object {"name":..,"arguments":{..}}, an array of those, or
// either wrapped in <tool_call></tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		calls = []textCall{single}
	}

	var result []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		result = append(result, ToolCall{Function: ToolFunction{Name: c.Name, Arguments: c.Arguments}})
	}
	return result
}
