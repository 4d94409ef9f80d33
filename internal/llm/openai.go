package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient talks to the OpenAI chat completions API, or any server
// that implements it, through the official SDK.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. An empty baseURL uses the SDK default.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries belong to the oracle so every provider backs off alike.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

func (c *OpenAIClient) params(req *Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages: convertToOpenAI(req.Messages),
		Model:    openai.ChatModel(req.Model),
	}
	if tools := convertToolsToOpenAI(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

// Chat sends a non-streaming completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	c.logger.Debug("preparing request", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))

	completion, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	msg := completion.Choices[0].Message
	resp := &ChatResponse{
		Model:        completion.Model,
		CreatedAt:    time.Unix(completion.Created, 0),
		Message:      Message{Role: "assistant", Content: msg.Content},
		Done:         true,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	for _, tc := range msg.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: ToolFunction{Name: tc.Function.Name, Arguments: parseArguments(tc.Function.Arguments)},
		})
	}
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
	return resp, nil
}

// ChatStream sends a streaming completion request. A nil callback falls
// back to Chat.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, req)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(req))
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	var content strings.Builder
	var calls []ToolCall

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			call := ToolCall{Function: ToolFunction{Name: tool.Name, Arguments: parseArguments(tool.Arguments)}}
			calls = append(calls, call)
			callback(StreamEvent{Kind: KindToolCallDone, ToolCall: &call})
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			delta := chunk.Choices[0].Delta.Content
			content.WriteString(delta)
			callback(StreamEvent{Kind: KindToken, Token: delta})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapOpenAIError(err)
	}

	resp := &ChatResponse{
		Model:        acc.Model,
		Message:      Message{Role: "assistant", Content: content.String(), ToolCalls: calls},
		Done:         true,
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
	}
	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping lists models to verify the key and endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return wrapOpenAIError(err)
	}
	return nil
}

// wrapOpenAIError turns SDK status errors into *APIError so the oracle
// can classify them like the other providers.
func wrapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "openai", StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return fmt.Errorf("openai: %w", err)
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	var out []openai.ChatCompletionToolUnionParam
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String(desc),
			Parameters:  openai.FunctionParameters(params),
		}))
	}
	return out
}

// parseArguments decodes the JSON argument string of an OpenAI tool call.
// Unparseable input is preserved under "_raw".
func parseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
