package models

import "time"

// Session is one persisted conversation. SessionID is the opaque identifier
// handed out to clients; ID is the internal row key.
type Session struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
