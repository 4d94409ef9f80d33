// Package store persists per-user conversations, knowledge and tools.
package store

import (
	"github.com/wopr-bot/wopr/internal/knowledge"
	"github.com/wopr-bot/wopr/internal/memory"
	"github.com/wopr-bot/wopr/internal/tools"
)

// Store is the keyed persistence used by the pipeline. Unknown users
// read as empty; repeating a write is harmless.
type Store interface {
	// GetConversation returns nil and no error when id is unknown.
	GetConversation(userID, id string) (*memory.Conversation, error)
	SetConversation(userID string, conv *memory.Conversation) error
	// ListConversations returns conversations in creation order.
	ListConversations(userID string) ([]*memory.Conversation, error)

	// GetCurrentConversation returns nil when no pointer is set or it
	// refers to a conversation that no longer exists.
	GetCurrentConversation(userID string) (*memory.Conversation, error)
	SetCurrentConversation(userID, id string) error

	GetKnowledgeBase(userID string) (knowledge.Base, error)
	SetKnowledge(userID, key string, e knowledge.Entry) error
	// DeleteKnowledge is a no-op for unknown keys.
	DeleteKnowledge(userID, key string) error

	ListTools(userID string) ([]tools.Definition, error)
	// AddTool replaces an existing tool with the same function name.
	AddTool(userID string, def tools.Definition) error
}
