package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const openAIToolCallResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "remember", "arguments": "{\"knowledge_key\":\"favorite_color\",\"value\":\"blue\"}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
}`

func TestOpenAIChat_ToolCalls(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openAIToolCallResponse))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1/", nil)
	resp, err := c.Chat(context.Background(), &Request{
		Model:    "gpt-4",
		Messages: []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "Remember my favorite color is blue"}},
		Tools: []map[string]any{{
			"type": "function",
			"function": map[string]any{
				"name":        "remember",
				"description": "Remember something",
				"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		}},
		Temperature: Temperature(0),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if !strings.Contains(body, `"remember"`) {
		t.Errorf("tools not sent: %s", body)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	got := resp.Message.ToolCalls[0]
	if got.ID != "call_1" || got.Function.Name != "remember" {
		t.Errorf("tool call = %+v", got)
	}
	want := map[string]any{"knowledge_key": "favorite_color", "value": "blue"}
	if diff := cmp.Diff(want, got.Function.Arguments); diff != "" {
		t.Errorf("arguments (-want +got):\n%s", diff)
	}
	if resp.InputTokens != 5 || resp.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIChat_RateLimitIsTransient(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1/", nil)
	_, err := c.Chat(context.Background(), &Request{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !IsTransient(err) {
		t.Errorf("status %d transient %v", apiErr.StatusCode, IsTransient(err))
	}
	if calls != 1 {
		t.Errorf("SDK retried internally: %d calls", calls)
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		raw  string
		want map[string]any
	}{
		{raw: "", want: map[string]any{}},
		{raw: `{"q":"z"}`, want: map[string]any{"q": "z"}},
		{raw: `not json`, want: map[string]any{"_raw": "not json"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, parseArguments(tt.raw)); diff != "" {
			t.Errorf("parseArguments(%q) (-want +got):\n%s", tt.raw, diff)
		}
	}
}

func TestConvertToOpenAI_RoleMapping(t *testing.T) {
	msgs := convertToOpenAI([]Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "c"},
		{Role: "tool", Content: "d"},
	})
	if len(msgs) != 4 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil || msgs[2].OfAssistant == nil || msgs[3].OfUser == nil {
		t.Errorf("unexpected role mapping: %+v", msgs)
	}
}

func TestOpenAIClientImplementsInterface(t *testing.T) {
	var _ Client = (*OpenAIClient)(nil)
}
