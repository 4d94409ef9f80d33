// Package llm provides the language-model provider clients behind the
// completion oracle.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one entry of a chat prompt.
type Message struct {
	Role       string     `json:"role"`
	Name       string     `json:"name,omitempty"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolFunction names a function and the arguments the model chose for it.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall is a native tool invocation emitted by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// Request is a single completion request.
type Request struct {
	Model    string
	Messages []Message

	// Tools are OpenAI-shaped function definitions:
	// {"type":"function","function":{"name":..,"description":..,"parameters":..}}
	Tools []map[string]any

	// Temperature is left to the provider default when nil.
	Temperature *float64
}

// Temperature returns a pointer suitable for Request.Temperature.
func Temperature(v float64) *float64 { return &v }

// ChatResponse is the provider-neutral result of a completion.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int
}

// StreamEvent represents a single event in a streaming response.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallDone events.
	ToolCall *ToolCall

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text delta.
	KindToken StreamEventKind = iota

	// KindToolCallDone fires once a tool call has been fully received.
	KindToolCallDone

	// KindDone is the end-of-stream marker. Response carries the totals.
	KindDone
)

func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindToolCallDone:
		return "tool_call_done"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamCallback receives streaming events in order.
type StreamCallback func(event StreamEvent)
