package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chalklabs/chalk/pkg/metrics"
)

// Publisher appends events to the bus. Persistent events are stored in the
// events table and announced on both the topic channel and the owner's user
// channel with NOTIFY. Transient events are announced only.
//
// Each public method accepts a specific typed payload struct; see
// payloads.go. The method stamps the payload's Type and Timestamp so call
// sites cannot publish a mislabeled event.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher on the shared pool from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishDocumentIngested persists and announces a document.ingested event.
// Key is the document ID, which downstream consumers deduplicate on.
func (p *Publisher) PublishDocumentIngested(ctx context.Context, payload DocumentIngestedPayload) error {
	payload.Type = TopicDocumentIngested
	stampTime(&payload.BasePayload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DocumentIngestedPayload: %w", err)
	}
	return p.persistAndNotify(ctx, TopicDocumentIngested, payload.DocumentID, payload.UserID, payloadJSON)
}

// PublishLessonReady persists and announces a lesson.ready event.
func (p *Publisher) PublishLessonReady(ctx context.Context, payload LessonReadyPayload) error {
	payload.Type = TopicLessonReady
	stampTime(&payload.BasePayload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal LessonReadyPayload: %w", err)
	}
	return p.persistAndNotify(ctx, TopicLessonReady, payload.LessonID, payload.UserID, payloadJSON)
}

// PublishVisualizationReady persists and announces a visualization.ready event.
func (p *Publisher) PublishVisualizationReady(ctx context.Context, payload VisualizationReadyPayload) error {
	payload.Type = TopicVisualizationReady
	stampTime(&payload.BasePayload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal VisualizationReadyPayload: %w", err)
	}
	return p.persistAndNotify(ctx, TopicVisualizationReady, payload.VisualizationID, payload.UserID, payloadJSON)
}

// PublishQuizReady persists and announces a quiz.ready event.
func (p *Publisher) PublishQuizReady(ctx context.Context, payload QuizReadyPayload) error {
	payload.Type = TopicQuizReady
	stampTime(&payload.BasePayload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal QuizReadyPayload: %w", err)
	}
	return p.persistAndNotify(ctx, TopicQuizReady, payload.LessonID, payload.UserID, payloadJSON)
}

// PublishNotesReady persists and announces a notes.ready event.
func (p *Publisher) PublishNotesReady(ctx context.Context, payload NotesReadyPayload) error {
	payload.Type = TopicNotesReady
	stampTime(&payload.BasePayload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal NotesReadyPayload: %w", err)
	}
	return p.persistAndNotify(ctx, TopicNotesReady, payload.LessonID, payload.UserID, payloadJSON)
}

// PublishDocumentProgress announces a document.progress transient event on
// the owner's channel (no persistence). Milestones are high-frequency and
// recoverable from the status endpoint, so losing one is harmless.
func (p *Publisher) PublishDocumentProgress(ctx context.Context, payload DocumentProgressPayload) error {
	payload.Type = EventTypeDocumentProgress
	stampTime(&payload.BasePayload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DocumentProgressPayload: %w", err)
	}
	return p.notifyOnly(ctx, UserChannel(payload.UserID), payloadJSON)
}

// PublishLessonFailed announces a lesson.failed transient event on the
// owner's channel. The lesson row already records the failure durably.
func (p *Publisher) PublishLessonFailed(ctx context.Context, payload LessonFailedPayload) error {
	payload.Type = EventTypeLessonFailed
	stampTime(&payload.BasePayload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal LessonFailedPayload: %w", err)
	}
	return p.notifyOnly(ctx, UserChannel(payload.UserID), payloadJSON)
}

// persistAndNotify appends a pre-marshaled event and fires NOTIFY on the
// topic channel and the owner's user channel, all in one transaction.
// pg_notify is transactional, so neither NOTIFY is delivered unless the
// INSERT commits.
func (p *Publisher) persistAndNotify(ctx context.Context, topic, key, userID string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (topic, key, user_id, payload, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		topic, key, userID, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// The NOTIFY payload carries db_event_id so reconnecting WebSocket
	// clients can catch up from where they left off.
	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", topic, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if userID != "" {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", UserChannel(userID), notifyPayload); err != nil {
			return fmt.Errorf("pg_notify failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	metrics.RecordEventPublished(topic)
	return nil
}

// notifyOnly fires NOTIFY for a pre-marshaled event without persisting it.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

func stampTime(base *BasePayload) {
	if base.Timestamp == "" {
		base.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise returns a minimal
// truncation envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload creates a minimal truncation envelope from the full
// JSON payload bytes, keeping only the routing fields a client needs to
// fetch the complete event from the database.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type       string `json:"type"`
		UserID     string `json:"user_id"`
		DocumentID string `json:"document_id"`
		LessonID   string `json:"lesson_id"`
		DBEventID  *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"user_id":   routing.UserID,
		"truncated": true,
	}
	if routing.DocumentID != "" {
		truncated["document_id"] = routing.DocumentID
	}
	if routing.LessonID != "" {
		truncated["lesson_id"] = routing.LessonID
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
