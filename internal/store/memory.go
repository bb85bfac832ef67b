// Package store keeps live conversation state in memory. Durable message
// history lives in the history package; this store is the working set the
// gateway reads and writes on every turn.
package store

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one persisted chat message.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ToolCall records a tool invocation inside a message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

// Conversation is one chat thread and the providers selected for it.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	UserID      string    `json:"userId"`
	ProviderIDs []string  `json:"providerIds,omitempty"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c *Conversation) clone() *Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.ProviderIDs = append([]string(nil), c.ProviderIDs...)
	return &out
}

// MemoryStore holds conversations keyed by id.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
	}
}

// CreateConversation creates a conversation with the given provider
// selection.
func (s *MemoryStore) CreateConversation(userID, title string, providerIDs []string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv := &Conversation{
		ID:          uuid.New().String(),
		Title:       title,
		UserID:      userID,
		ProviderIDs: append([]string(nil), providerIDs...),
		Messages:    []Message{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.conversations[conv.ID] = conv
	return conv.clone()
}

// GetConversation returns a copy of the conversation, or nil.
func (s *MemoryStore) GetConversation(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	return conv.clone()
}

// ListConversations lists a user's conversations.
func (s *MemoryStore) ListConversations(userID string) []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			result = append(result, conv.clone())
		}
	}
	return result
}

// AddMessage appends a message and returns it as stored, with its assigned
// id and timestamp, so callers persist exactly what this conversation holds
// even when connections interleave. The first user message names an untitled
// conversation.
func (s *MemoryStore) AddMessage(conversationID string, msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return msg
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()

	if conv.Title == "" && msg.Role == "user" {
		title := msg.Content
		if len(title) > 50 {
			title = title[:50] + "..."
		}
		conv.Title = title
	}
	return msg
}

// SetProviders replaces the conversation's provider selection. Takes effect
// from the next turn; the running turn keeps its namespace.
func (s *MemoryStore) SetProviders(conversationID string, providerIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok {
		conv.ProviderIDs = append([]string(nil), providerIDs...)
		conv.UpdatedAt = time.Now()
	}
}

// UpdateConversation updates the mutable fields.
func (s *MemoryStore) UpdateConversation(id, title string, providerIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return
	}
	if title != "" {
		conv.Title = title
	}
	if providerIDs != nil {
		conv.ProviderIDs = append([]string(nil), providerIDs...)
	}
	conv.UpdatedAt = time.Now()
}

// DeleteConversation removes a conversation.
func (s *MemoryStore) DeleteConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
}

// ReapIdle removes conversations untouched for longer than maxIdle and
// returns how many were removed.
func (s *MemoryStore) ReapIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	reaped := 0
	for id, conv := range s.conversations {
		if conv.UpdatedAt.Before(cutoff) {
			delete(s.conversations, id)
			reaped++
		}
	}
	if reaped > 0 {
		log.Printf("[Store] Reaped %d idle conversation(s)", reaped)
	}
	return reaped
}
