package store

import (
	"context"
	"database/sql"

	"github.com/chalklabs/chalk/pkg/models"
)

// Conversations persists the per-user conversation list and the teaching
// sessions that key WebSocket channels.
type Conversations struct {
	db *sql.DB
}

// NewConversations creates the conversation store.
func NewConversations(db *sql.DB) *Conversations {
	return &Conversations{db: db}
}

const conversationColumns = `id, user_id, title, lesson_id, created_at, updated_at, deleted_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var lessonID sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &lessonID, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	if lessonID.Valid {
		v := lessonID.String
		c.LessonID = &v
	}
	c.DeletedAt = timePtr(deletedAt)
	return &c, nil
}

// Create inserts a new conversation.
func (s *Conversations) Create(ctx context.Context, c *models.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		c.ID, c.UserID, c.Title, c.CreatedAt)
	return translateErr(err)
}

// Get fetches a non-deleted conversation.
func (s *Conversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanConversation(row)
}

// ListByUser returns the user's conversations in updated_at descending
// order, excluding soft-deleted ones.
func (s *Conversations) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Rename updates the title and bumps updated_at.
func (s *Conversations) Rename(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $2, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id, title)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// AttachLesson links the pipeline's finished lesson to the conversation.
func (s *Conversations) AttachLesson(ctx context.Context, id, lessonID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET lesson_id = $2, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id, lessonID)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// SoftDelete tombstones the conversation only; the lesson and its
// derivatives are deleted through the lesson service.
func (s *Conversations) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// CreateTeachingSession mints a WebSocket session key for a conversation.
func (s *Conversations) CreateTeachingSession(ctx context.Context, ts *models.TeachingSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teaching_sessions (id, conversation_id, user_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		ts.ID, ts.ConversationID, ts.UserID, ts.CreatedAt)
	return translateErr(err)
}

// GetTeachingSession resolves a WebSocket session key.
func (s *Conversations) GetTeachingSession(ctx context.Context, id string) (*models.TeachingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, user_id, created_at FROM teaching_sessions WHERE id = $1`, id)

	var ts models.TeachingSession
	if err := row.Scan(&ts.ID, &ts.ConversationID, &ts.UserID, &ts.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	return &ts, nil
}
