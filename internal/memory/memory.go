// Package memory keeps short-lived conversation history so routing and
// generation prompts can see the preceding turns of a chat session.
package memory

import (
	"strings"
	"sync"
	"time"
)

// Message is one turn of a session.
type Message struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Conversation holds the message history for a session.
type Conversation struct {
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store holds sessions in process memory. History is advisory context for
// prompts, so losing it on restart is acceptable; sessions idle past the TTL
// are dropped.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxMessages   int
	ttl           time.Duration
}

// NewStore creates a store capped at maxMessages per session with the given
// idle TTL.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	s := &Store{
		conversations: make(map[string]*Conversation),
		maxMessages:   maxMessages,
		ttl:           ttl,
	}

	go s.cleanupLoop()

	return s
}

// DefaultStore creates a store keeping the last 20 messages (10 turns) per
// session, expiring sessions after an hour of inactivity.
func DefaultStore() *Store {
	return NewStore(20, 1*time.Hour)
}

// AddUserMessage records a user turn.
func (s *Store) AddUserMessage(sessionID, content string) {
	s.addMessage(sessionID, "user", content)
}

// AddAssistantMessage records the answer given for the session's last turn.
func (s *Store) AddAssistantMessage(sessionID, content string) {
	s.addMessage(sessionID, "assistant", content)
}

func (s *Store) addMessage(sessionID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[sessionID]
	if !exists {
		conv = &Conversation{
			Messages:  make([]Message, 0),
			CreatedAt: time.Now(),
		}
		s.conversations[sessionID] = conv
	}

	conv.Messages = append(conv.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	conv.UpdatedAt = time.Now()

	// Oldest messages fall off once the cap is hit.
	if len(conv.Messages) > s.maxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-s.maxMessages:]
	}
}

// GetHistory returns a copy of the session's messages, nil for an unknown
// session.
func (s *Store) GetHistory(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[sessionID]
	if !exists {
		return nil
	}

	messages := make([]Message, len(conv.Messages))
	copy(messages, conv.Messages)
	return messages
}

// GetRecentHistory returns at most the last n messages of a session.
func (s *Store) GetRecentHistory(sessionID string, n int) []Message {
	history := s.GetHistory(sessionID)
	if history == nil || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// ClearSession forgets a session entirely.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, sessionID)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.cleanup()
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, conv := range s.conversations {
		if now.Sub(conv.UpdatedAt) > s.ttl {
			delete(s.conversations, id)
		}
	}
}

// FormatForPrompt renders messages as the "User:"/"Assistant:" transcript the
// prompt templates expect. Empty history renders as the empty string.
func FormatForPrompt(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			b.WriteString("User: " + msg.Content + "\n")
		case "assistant":
			b.WriteString("Assistant: " + msg.Content + "\n")
		}
	}
	return b.String()
}
