// Package events is the message bus: events are appended to the events
// table and announced with pg_notify in the same transaction, so a NOTIFY
// is never observed for a row that did not commit.
//
// Two kinds of channels share the LISTEN plumbing:
//
//   - Topic channels ("document.ingested", "lesson.ready", ...) carry
//     persistent service-to-service events. Consumers track a committed
//     offset per consumer name and replay rows past it, so delivery is
//     at-least-once and survives restarts. The NOTIFY itself is only a
//     wake-up; the table is the source of truth.
//
//   - User channels ("user:{user_id}") fan the same events out to that
//     user's WebSocket connections, plus transient progress updates that
//     are never persisted. Reconnecting clients catch up from the events
//     table using the db_event_id carried on every persistent push.
package events

// Persistent topics. The payload's "type" field always equals the topic.
const (
	// TopicDocumentIngested fires when page extraction finishes and the
	// document is ready for lesson generation.
	TopicDocumentIngested = "document.ingested"

	// TopicLessonReady fires when a generated lesson has been persisted.
	TopicLessonReady = "lesson.ready"

	// TopicVisualizationReady fires when a visualization reaches the
	// persisted state.
	TopicVisualizationReady = "visualization.ready"

	// TopicQuizReady fires when a quiz has been generated and persisted.
	TopicQuizReady = "quiz.ready"

	// TopicNotesReady fires when study notes have been persisted.
	TopicNotesReady = "notes.ready"
)

// Transient event types (NOTIFY only, never persisted).
const (
	// EventTypeDocumentProgress mirrors extraction progress milestones to
	// the owner's channel. Clients that miss one poll the status endpoint.
	EventTypeDocumentProgress = "document.progress"

	// EventTypeLessonFailed tells the owner that generation gave up after
	// its retries. The durable record is the lesson row's failed status.
	EventTypeLessonFailed = "lesson.failed"
)

const userChannelPrefix = "user:"

// UserChannel returns the notification channel for a user.
// Format: "user:{user_id}"
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// UserFromChannel extracts the user ID from a user channel name.
func UserFromChannel(channel string) (string, bool) {
	if len(channel) <= len(userChannelPrefix) || channel[:len(userChannelPrefix)] != userChannelPrefix {
		return "", false
	}
	return channel[len(userChannelPrefix):], true
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // channel name (e.g. "user:abc-123")
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}
