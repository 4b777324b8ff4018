package host

import (
	"slices"
	"sync"
	"time"

	"github.com/zjrosen/biomcp/internal/llm"
)

// ChatSession is one conversation with a model.
type ChatSession struct {
	ID        string
	Provider  string
	CreatedAt time.Time

	mu       sync.Mutex
	messages []llm.ChatMessage
	metadata map[string]string
}

func newChatSession(id, provider string, createdAt time.Time) *ChatSession {
	return &ChatSession{
		ID:        id,
		Provider:  provider,
		CreatedAt: createdAt,
		metadata:  make(map[string]string),
	}
}

// Messages returns a copy of the transcript.
func (s *ChatSession) Messages() []llm.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Len returns the number of messages.
func (s *ChatSession) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SetMetadata stores a free-form annotation.
func (s *ChatSession) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Metadata returns the annotation stored under key.
func (s *ChatSession) Metadata(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[key]
	return v, ok
}

func (s *ChatSession) append(msg llm.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// begin appends the user message, seeding the system prompt when the session
// is empty. It returns the full transcript and the messages just added.
func (s *ChatSession) begin(system func() string, user string) ([]llm.ChatMessage, []llm.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []llm.ChatMessage
	if len(s.messages) == 0 {
		added = append(added, llm.ChatMessage{Role: llm.RoleSystem, Content: system()})
	}
	added = append(added, llm.ChatMessage{Role: llm.RoleUser, Content: user})
	s.messages = append(s.messages, added...)
	return slices.Clone(s.messages), added
}
