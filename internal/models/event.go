package models

// TokenKind tells which channel an upstream token belongs to.
type TokenKind string

const (
	TokenReasoning TokenKind = "reasoning"
	TokenAnswer    TokenKind = "answer"
)

// RawToken is a single fragment pulled from the upstream stream.
type RawToken struct {
	Kind TokenKind
	Text string
}

type EventType string

const (
	EventThinking EventType = "thinking"
	EventContent  EventType = "content"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// RelayEvent is the normalized event forwarded to the transport adapter.
// For a given relay, zero or more thinking/content events are followed by
// exactly one complete or error event; nothing follows the terminal event.
type RelayEvent struct {
	Type            EventType `json:"type"`
	Content         string    `json:"content,omitempty"`
	ThinkingContent string    `json:"thinking_content,omitempty"`
	ResponseContent string    `json:"response_content,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Message         string    `json:"message,omitempty"`
	Code            int       `json:"code,omitempty"`
}
