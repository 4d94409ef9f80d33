package store

import (
	"sync"

	"github.com/wopr-bot/wopr/internal/knowledge"
	"github.com/wopr-bot/wopr/internal/memory"
	"github.com/wopr-bot/wopr/internal/tools"
)

type userData struct {
	conversations map[string]*memory.Conversation
	order         []string
	current       string
	knowledge     knowledge.Base
	tools         []tools.Definition
}

// MemoryStore keeps everything in process memory. Values are copied on
// the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userData
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*userData)}
}

func (s *MemoryStore) user(id string) *userData {
	u, ok := s.users[id]
	if !ok {
		u = &userData{
			conversations: make(map[string]*memory.Conversation),
			knowledge:     make(knowledge.Base),
		}
		s.users[id] = u
	}
	return u
}

// GetConversation implements Store.
func (s *MemoryStore) GetConversation(userID, id string) (*memory.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return u.conversations[id].Clone(), nil
}

// SetConversation implements Store.
func (s *MemoryStore) SetConversation(userID string, conv *memory.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	if _, ok := u.conversations[conv.ID]; !ok {
		u.order = append(u.order, conv.ID)
	}
	u.conversations[conv.ID] = conv.Clone()
	return nil
}

// ListConversations implements Store.
func (s *MemoryStore) ListConversations(userID string) ([]*memory.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	out := make([]*memory.Conversation, 0, len(u.order))
	for _, id := range u.order {
		out = append(out, u.conversations[id].Clone())
	}
	return out, nil
}

// GetCurrentConversation implements Store.
func (s *MemoryStore) GetCurrentConversation(userID string) (*memory.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || u.current == "" {
		return nil, nil
	}
	return u.conversations[u.current].Clone(), nil
}

// SetCurrentConversation implements Store.
func (s *MemoryStore) SetCurrentConversation(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).current = id
	return nil
}

// GetKnowledgeBase implements Store.
func (s *MemoryStore) GetKnowledgeBase(userID string) (knowledge.Base, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(knowledge.Base)
	if u, ok := s.users[userID]; ok {
		for k, v := range u.knowledge {
			out[k] = v
		}
	}
	return out, nil
}

// SetKnowledge implements Store.
func (s *MemoryStore) SetKnowledge(userID, key string, e knowledge.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Key = key
	s.user(userID).knowledge[key] = e
	return nil
}

// DeleteKnowledge implements Store.
func (s *MemoryStore) DeleteKnowledge(userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		delete(u.knowledge, key)
	}
	return nil
}

// ListTools implements Store.
func (s *MemoryStore) ListTools(userID string) ([]tools.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	out := make([]tools.Definition, len(u.tools))
	for i, d := range u.tools {
		out[i] = copyDefinition(d)
	}
	return out, nil
}

// AddTool implements Store.
func (s *MemoryStore) AddTool(userID string, def tools.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	def = copyDefinition(def)
	for i := range u.tools {
		if u.tools[i].Function.Name == def.Function.Name {
			u.tools[i] = def
			return nil
		}
	}
	u.tools = append(u.tools, def)
	return nil
}

func copyDefinition(d tools.Definition) tools.Definition {
	cp := d
	if d.StaticParameters != nil {
		cp.StaticParameters = make(map[string]tools.StaticParameter, len(d.StaticParameters))
		for k, v := range d.StaticParameters {
			cp.StaticParameters[k] = v
		}
	}
	cp.Function.Parameters.Properties = append(tools.Properties(nil), d.Function.Parameters.Properties...)
	cp.Function.Parameters.Required = append([]string(nil), d.Function.Parameters.Required...)
	cp.Dependencies = append([]string(nil), d.Dependencies...)
	return cp
}
