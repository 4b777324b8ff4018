package sqlite

import (
	"errors"
	"time"
)

// ErrConversationNotFound is returned for unknown conversation guids.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is one stored chat session.
type Conversation struct {
	ID           int64
	GUID         string
	Provider     string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one stored transcript entry.
type Message struct {
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

// conversationModel is the row shape of the conversations table.
type conversationModel struct {
	ID           int64
	GUID         string
	Provider     *string // nullable
	MessageCount int
	CreatedAt    int64 // Unix timestamp
	UpdatedAt    int64 // Unix timestamp
}

func (m *conversationModel) toDomain() *Conversation {
	c := &Conversation{
		ID:           m.ID,
		GUID:         m.GUID,
		MessageCount: m.MessageCount,
		CreatedAt:    time.Unix(m.CreatedAt, 0),
		UpdatedAt:    time.Unix(m.UpdatedAt, 0),
	}
	if m.Provider != nil {
		c.Provider = *m.Provider
	}
	return c
}

func toConversationModel(c *Conversation) *conversationModel {
	m := &conversationModel{
		ID:        c.ID,
		GUID:      c.GUID,
		CreatedAt: c.CreatedAt.Unix(),
		UpdatedAt: c.UpdatedAt.Unix(),
	}
	if c.Provider != "" {
		provider := c.Provider
		m.Provider = &provider
	}
	return m
}
