package models

import "time"

// Conversation is a user's named handle for one PDF-derived lesson and its
// playback history. LessonID stays nil until the pipeline completes.
type Conversation struct {
	ID        string     `json:"conversation_id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	LessonID  *string    `json:"lesson_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// TeachingSession keys one WebSocket teaching channel. Issued server-side,
// one per open tab.
type TeachingSession struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}
