package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// defaultConversationTitle names a conversation until the user renames it
// or a lesson title arrives.
const defaultConversationTitle = "New Conversation"

// ConversationStore is the slice of the conversations store the service
// needs, teaching session keys included.
type ConversationStore interface {
	Create(ctx context.Context, c *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error)
	Rename(ctx context.Context, id, title string) error
	AttachLesson(ctx context.Context, id, lessonID string) error
	SoftDelete(ctx context.Context, id string) error
	CreateTeachingSession(ctx context.Context, ts *models.TeachingSession) error
	GetTeachingSession(ctx context.Context, id string) (*models.TeachingSession, error)
}

// ConversationService owns the per-user conversation list and mints the
// teaching session keys the WebSocket layer resolves.
type ConversationService struct {
	convs   ConversationStore
	lessons LessonReader
	now     func() time.Time
}

// NewConversationService creates a new ConversationService.
func NewConversationService(convs ConversationStore, lessons LessonReader) *ConversationService {
	return &ConversationService{convs: convs, lessons: lessons, now: time.Now}
}

// List returns the user's conversations, most recently touched first.
func (s *ConversationService) List(ctx context.Context, p *models.Principal, userID string) ([]*models.Conversation, error) {
	if userID == "" && p != nil {
		userID = p.UserID
	}
	if err := requireOwner(p, userID); err != nil {
		return nil, err
	}
	convs, err := s.convs.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// Create opens a new conversation. The lesson arrives later, either through
// AttachLesson or the lesson.ready consumer.
func (s *ConversationService) Create(ctx context.Context, p *models.Principal, userID, title string) (*models.Conversation, error) {
	if userID == "" && p != nil {
		userID = p.UserID
	}
	if err := requireOwner(p, userID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultConversationTitle
	}

	now := s.now()
	c := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.convs.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	slog.Info("Conversation created", "conversation_id", c.ID, "user_id", userID)
	return c, nil
}

// Rename retitles a conversation.
func (s *ConversationService) Rename(ctx context.Context, p *models.Principal, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return NewValidationError("title", "required")
	}
	if _, err := s.authorized(ctx, p, id); err != nil {
		return err
	}
	if err := s.convs.Rename(ctx, id, title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	return nil
}

// Delete tombstones the conversation. The lesson and its derivatives stay;
// deleting those goes through the lesson endpoint, mirroring the UI where
// the two are separate actions.
func (s *ConversationService) Delete(ctx context.Context, p *models.Principal, id string) error {
	if _, err := s.authorized(ctx, p, id); err != nil {
		return err
	}
	if err := s.convs.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	slog.Info("Conversation deleted", "conversation_id", id)
	return nil
}

// AttachLesson links a finished lesson to the conversation. The lesson must
// belong to the conversation's owner.
func (s *ConversationService) AttachLesson(ctx context.Context, p *models.Principal, id, lessonID string) error {
	if lessonID == "" {
		return NewValidationError("lesson_id", "required")
	}
	conv, err := s.authorized(ctx, p, id)
	if err != nil {
		return err
	}
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewValidationError("lesson_id", "unknown lesson")
		}
		return fmt.Errorf("failed to get lesson: %w", err)
	}
	if lesson.UserID != conv.UserID {
		return ErrPermissionDenied
	}
	if err := s.convs.AttachLesson(ctx, id, lessonID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to attach lesson: %w", err)
	}
	slog.Info("Lesson attached to conversation", "conversation_id", id, "lesson_id", lessonID)
	return nil
}

// HandleLessonReady is the lesson.ready consumer entrypoint. It links the
// fresh lesson to the owner's most recent conversation that has none yet,
// which is the tab the upload started from. Users who skipped the
// conversation flow simply have nothing to attach to.
func (s *ConversationService) HandleLessonReady(ctx context.Context, evt models.Event) error {
	var payload events.LessonReadyPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		slog.Error("Dropping malformed lesson.ready event", "event_id", evt.ID, "error", err)
		return nil
	}
	if payload.LessonID == "" || payload.UserID == "" {
		slog.Error("Dropping lesson.ready event without lesson_id or user_id", "event_id", evt.ID)
		return nil
	}

	convs, err := s.convs.ListByUser(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	var target *models.Conversation
	for _, c := range convs {
		if c.LessonID != nil && *c.LessonID == payload.LessonID {
			// Redelivery; the lesson is already attached somewhere.
			return nil
		}
		if target == nil && c.LessonID == nil {
			target = c
		}
	}
	if target == nil {
		slog.Info("No conversation waiting for lesson", "lesson_id", payload.LessonID, "user_id", payload.UserID)
		return nil
	}

	if err := s.convs.AttachLesson(ctx, target.ID, payload.LessonID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Conversation gone before lesson attach", "conversation_id", target.ID)
			return nil
		}
		return fmt.Errorf("failed to attach lesson: %w", err)
	}
	if payload.Title != "" && target.Title == defaultConversationTitle {
		if err := s.convs.Rename(ctx, target.ID, payload.Title); err != nil {
			slog.Warn("Failed to title conversation from lesson", "conversation_id", target.ID, "error", err)
		}
	}
	slog.Info("Lesson attached to conversation", "conversation_id", target.ID, "lesson_id", payload.LessonID)
	return nil
}

// CreateSession mints a teaching session key for the WebSocket URL. One
// session per open tab.
func (s *ConversationService) CreateSession(ctx context.Context, p *models.Principal, conversationID string) (*models.TeachingSession, error) {
	conv, err := s.authorized(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}
	ts := &models.TeachingSession{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		CreatedAt:      s.now(),
	}
	if err := s.convs.CreateTeachingSession(ctx, ts); err != nil {
		return nil, fmt.Errorf("failed to create teaching session: %w", err)
	}
	slog.Info("Teaching session created", "session_id", ts.ID, "conversation_id", conv.ID)
	return ts, nil
}

func (s *ConversationService) authorized(ctx context.Context, p *models.Principal, id string) (*models.Conversation, error) {
	conv, err := s.convs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if err := requireOwner(p, conv.UserID); err != nil {
		return nil, err
	}
	return conv, nil
}
