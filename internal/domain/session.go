package domain

import (
	"slices"
	"time"
)

const (
	// PlaceholderTitle is used until a session has a user message.
	PlaceholderTitle = "New Chat"

	// MaxTitleLength is the title limit in characters.
	MaxTitleLength = 40

	// DefaultGreeting seeds every new session.
	DefaultGreeting = "Hello! I'm an LLM chat app powered by Cloudflare Workers AI. How can I help you today?"
)

// ChatSession is one persisted conversation.
type ChatSession struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// NewChatSession creates a session seeded with a single assistant greeting.
func NewChatSession(id, greeting string, now time.Time) *ChatSession {
	if greeting == "" {
		greeting = DefaultGreeting
	}
	return &ChatSession{
		ID:          id,
		Title:       PlaceholderTitle,
		Messages:    []Message{NewAssistantMessage(greeting)},
		LastUpdated: now,
	}
}

// FirstUserMessage returns the first message with the user role.
func (s *ChatSession) FirstUserMessage() (Message, bool) {
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			return m, true
		}
	}
	return Message{}, false
}

// DeriveTitle computes the title from the first user message.
func (s *ChatSession) DeriveTitle() string {
	m, ok := s.FirstUserMessage()
	if !ok {
		return PlaceholderTitle
	}
	return TruncateTitle(m.Content)
}

// Append adds msg to the history. The title is re-derived only for user
// messages.
func (s *ChatSession) Append(msg Message, now time.Time) {
	s.Messages = append(s.Messages, msg)
	if msg.Role == RoleUser {
		s.Title = s.DeriveTitle()
	}
	s.LastUpdated = now
}

// Clone returns a deep copy that shares no backing arrays with s.
func (s *ChatSession) Clone() ChatSession {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	return c
}

// TruncateTitle cuts content to MaxTitleLength runes.
func TruncateTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= MaxTitleLength {
		return content
	}
	return string(runes[:MaxTitleLength])
}
