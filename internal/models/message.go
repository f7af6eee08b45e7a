package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn inside a session. A message is written exactly once,
// after the full content for the turn is known, and messages of a session
// are retrievable in strict temporal order.
type Message struct {
	ID              int64     `json:"id"`
	SessionID       int64     `json:"session_id"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	ThinkingContent string    `json:"thinking_content,omitempty"`
	CreatedAt       time.Time `json:"timestamp"`
}
