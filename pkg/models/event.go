package models

import (
	"encoding/json"
	"time"
)

// Event is one row of the bus. Topic routes the event to consumers, Key is
// the natural key consumers deduplicate on (document or lesson ID), and
// UserID scopes the event to the owning user's notification channel.
type Event struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
