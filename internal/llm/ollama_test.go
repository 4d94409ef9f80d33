package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{name: "empty", content: "", want: nil},
		{name: "plain text", content: "Your favorite color is blue.", want: nil},
		{name: "single object", content: `{"name":"remember","arguments":{"knowledge_key":"color"}}`, want: []string{"remember"}},
		{name: "array", content: `[{"name":"remember","arguments":{}},{"name":"forget","arguments":{}}]`, want: []string{"remember", "forget"}},
		{name: "tagged", content: "<tool_call>\n{\"name\":\"forget\",\"arguments\":{}}\n</tool_call>", want: []string{"forget"}},
		{name: "unterminated tag", content: `<tool_call>{"name":"forget","arguments":{}}`, want: []string{"forget"}},
		{name: "object without name", content: `{"answer":42}`, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range parseTextToolCalls(tt.content) {
				got = append(got, c.Function.Name)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("tool names mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	calls := parseTextToolCalls(`{"name":"remember","arguments":{"knowledge_key":"favorite_color","value":"blue"}}`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	want := map[string]any{"knowledge_key": "favorite_color", "value": "blue"}
	if diff := cmp.Diff(want, calls[0].Function.Arguments); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}
}

func TestOllamaChatStream(t *testing.T) {
	chunks := []ollamaResponse{
		{Model: "llama3", Message: ollamaMessage{Role: "assistant", Content: "Blue "}},
		{Model: "llama3", Message: ollamaMessage{Role: "assistant", Content: "it is."}},
		{Model: "llama3", Done: true, PromptEvalCount: 7, EvalCount: 4},
	}

	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		enc := json.NewEncoder(w)
		for _, c := range chunks {
			enc.Encode(c)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	var tokens []string
	var done bool
	resp, err := c.ChatStream(context.Background(), &Request{
		Model:       "llama3",
		Messages:    []Message{{Role: "user", Content: "color?"}},
		Temperature: Temperature(0),
	}, func(ev StreamEvent) {
		switch ev.Kind {
		case KindToken:
			tokens = append(tokens, ev.Token)
		case KindDone:
			done = true
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Message.Content != "Blue it is." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if diff := cmp.Diff([]string{"Blue ", "it is."}, tokens); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if !done {
		t.Error("no KindDone event")
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 4 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if got.Options == nil || got.Options.Temperature == nil || *got.Options.Temperature != 0 {
		t.Errorf("temperature 0 not forwarded: %+v", got.Options)
	}
}

func TestOllamaChat_TextToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{
			Model:   "llama3",
			Done:    true,
			Message: ollamaMessage{Role: "assistant", Content: `{"name":"forget","arguments":{"knowledge_key":"color"}}`},
		})
	}))
	defer srv.Close()

	resp, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), &Request{Model: "llama3"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "forget" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared, got %q", resp.Message.Content)
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), &Request{Model: "missing"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Error("404 must not be transient")
	}
}

func TestOllamaChatStream_Failures(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantAPI   bool
		transient bool
	}{
		{
			name:      "error chunk after tokens",
			body:      `{"model":"llama3","message":{"role":"assistant","content":"Blue "}}` + "\n" + `{"error":"model runner has unexpectedly stopped"}` + "\n",
			wantAPI:   true,
			transient: true,
		},
		{
			name:      "connection closed before done",
			body:      `{"model":"llama3","message":{"role":"assistant","content":"Blue "}}` + "\n",
			transient: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			var done bool
			_, err := NewOllamaClient(srv.URL, nil).ChatStream(context.Background(), &Request{Model: "llama3"}, func(ev StreamEvent) {
				if ev.Kind == KindDone {
					done = true
				}
			})
			if err == nil {
				t.Fatal("ChatStream succeeded")
			}
			if done {
				t.Error("KindDone emitted for a failed stream")
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) != tt.wantAPI {
				t.Errorf("err = %v, want *APIError: %v", err, tt.wantAPI)
			}
			if !tt.wantAPI && !errors.Is(err, ErrStreamTruncated) {
				t.Errorf("err = %v, want ErrStreamTruncated", err)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, IsTransient(err), tt.transient)
			}
		})
	}
}

func TestOllamaChat_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"llama runner process has terminated"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), &Request{Model: "llama3"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Body, "terminated") {
		t.Fatalf("err = %v, want *APIError carrying the server message", err)
	}
}
