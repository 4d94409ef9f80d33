// Package memory holds the per-topic conversation model and the
// compactor that keeps it within a size budget.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/prompts"
)

// Message roles stored in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function" // tool result; Name holds the tool
)

// Message is one entry of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemEntry is a named piece of standing context.
type SystemEntry struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Conversation is the history of one topic with a user.
type Conversation struct {
	ID        string        `json:"id"`
	System    []SystemEntry `json:"system"`
	Messages  []Message     `json:"messages"`
	Summary   string        `json:"summary"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewConversation returns an empty conversation with a fresh id.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		System:    []SystemEntry{{Name: "system", Text: prompts.DefaultSystem}},
		Messages:  []Message{},
		Summary:   prompts.InitialSummary,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetSystem replaces the named entry in place, or appends it.
func (c *Conversation) SetSystem(name, text string) {
	for i := range c.System {
		if c.System[i].Name == name {
			c.System[i].Text = text
			return
		}
	}
	c.System = append(c.System, SystemEntry{Name: name, Text: text})
}

// DeleteSystem removes the named entry if present.
func (c *Conversation) DeleteSystem(name string) {
	for i := range c.System {
		if c.System[i].Name == name {
			c.System = append(c.System[:i], c.System[i+1:]...)
			return
		}
	}
}

// SystemText returns the text of the named entry.
func (c *Conversation) SystemText(name string) (string, bool) {
	for _, e := range c.System {
		if e.Name == name {
			return e.Text, true
		}
	}
	return "", false
}

func (c *Conversation) add(role, name, content string) {
	now := time.Now()
	c.Messages = append(c.Messages, Message{Role: role, Name: name, Content: content, Timestamp: now})
	c.UpdatedAt = now
}

// AddUser appends a user message.
func (c *Conversation) AddUser(text string) { c.add(RoleUser, "", text) }

// AddAssistant appends a reply.
func (c *Conversation) AddAssistant(text string) { c.add(RoleAssistant, "", text) }

// AddToolResult appends the output of the named tool.
func (c *Conversation) AddToolResult(name, content string) { c.add(RoleFunction, name, content) }

// Prompt renders the conversation as provider messages. Tool results
// become system messages naming the tool, since not every provider
// accepts results without a matching native call.
func (c *Conversation) Prompt() []llm.Message {
	out := make([]llm.Message, 0, len(c.System)+len(c.Messages))
	for _, e := range c.System {
		out = append(out, llm.Message{Role: RoleSystem, Content: e.Text})
	}
	for _, m := range c.Messages {
		if m.Role == RoleFunction {
			out = append(out, llm.Message{
				Role:    RoleSystem,
				Content: fmt.Sprintf("Result of the %s tool: %s", m.Name, m.Content),
			})
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Name: m.Name, Content: m.Content})
	}
	return out
}

// String renders one line per system entry and message. Its length is
// what compaction measures.
func (c *Conversation) String() string {
	var sb strings.Builder
	for _, e := range c.System {
		sb.WriteString(RoleSystem)
		sb.WriteString(" ")
		sb.WriteString(e.Name)
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	for _, m := range c.Messages {
		sb.WriteString(m.Role)
		if m.Name != "" {
			sb.WriteString(" ")
			sb.WriteString(m.Name)
		}
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.System = append([]SystemEntry(nil), c.System...)
	cp.Messages = append([]Message(nil), c.Messages...)
	return &cp
}
