package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/generator"
	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// quizGenerateTimeout bounds one on-demand generation kicked off by a GET;
// event-driven generation inherits the consumer's context instead.
const quizGenerateTimeout = 2 * time.Minute

// QuizStore is the slice of the quizzes store the service needs. Quizzes
// and notes share the claim-then-fill lifecycle, so both live here.
type QuizStore interface {
	ClaimPending(ctx context.Context, lessonID string, at time.Time) error
	SetReady(ctx context.Context, lessonID string, questions []models.Question) error
	SetFailed(ctx context.Context, lessonID, reason string) error
	Get(ctx context.Context, lessonID string) (*models.Quiz, error)
	InsertSubmission(ctx context.Context, sub *models.Submission) error
	LatestSubmission(ctx context.Context, lessonID, userID string) (*models.Submission, error)
	ClaimNotesPending(ctx context.Context, lessonID string, at time.Time) error
	SetNotesReady(ctx context.Context, lessonID string, sections []models.NoteSection) error
	SetNotesFailed(ctx context.Context, lessonID string) error
	GetNotes(ctx context.Context, lessonID string) (*models.Notes, error)
}

// QuizEvents is the slice of the publisher the service emits on.
type QuizEvents interface {
	PublishQuizReady(ctx context.Context, payload events.QuizReadyPayload) error
	PublishNotesReady(ctx context.Context, payload events.NotesReadyPayload) error
}

// QuizService derives quizzes and study notes from ready lessons. Quizzes
// generate eagerly off lesson.ready and lazily off the first GET; notes
// generate only when asked.
type QuizService struct {
	quizzes QuizStore
	lessons LessonReader
	gen     generator.Generator
	events  QuizEvents
	now     func() time.Time

	// spawn runs fn without blocking the caller. Tests swap it for a
	// synchronous version.
	spawn func(fn func())
}

// NewQuizService creates a new QuizService.
func NewQuizService(quizzes QuizStore, lessons LessonReader, gen generator.Generator, ev QuizEvents) *QuizService {
	return &QuizService{
		quizzes: quizzes,
		lessons: lessons,
		gen:     gen,
		events:  ev,
		now:     time.Now,
		spawn:   func(fn func()) { go fn() },
	}
}

// HandleLessonReady is the lesson.ready consumer entrypoint.
func (s *QuizService) HandleLessonReady(ctx context.Context, evt models.Event) error {
	var payload events.LessonReadyPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		slog.Error("Dropping malformed lesson.ready event", "event_id", evt.ID, "error", err)
		return nil
	}
	if payload.LessonID == "" {
		slog.Error("Dropping lesson.ready event without lesson_id", "event_id", evt.ID)
		return nil
	}
	return s.GenerateForLesson(ctx, payload.LessonID)
}

// GenerateForLesson claims and fills the quiz for a lesson. Idempotent on
// lesson_id: losing the claim means another delivery or pod owns it, and a
// failed quiz stays failed until the lesson is regenerated.
func (s *QuizService) GenerateForLesson(ctx context.Context, lessonID string) error {
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Lesson gone before quiz generation", "lesson_id", lessonID)
			return nil
		}
		return fmt.Errorf("failed to get lesson: %w", err)
	}
	if lesson.Status != models.LessonReady {
		slog.Warn("Lesson not ready, skipping quiz", "lesson_id", lessonID, "status", lesson.Status)
		return nil
	}

	if err := s.quizzes.ClaimPending(ctx, lessonID, s.now()); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			slog.Info("Quiz already claimed, skipping", "lesson_id", lessonID)
			return nil
		}
		return fmt.Errorf("failed to claim quiz generation: %w", err)
	}

	questions, err := s.gen.GenerateQuiz(ctx, lesson)
	if err != nil {
		metrics.RecordGeneratorCall("quiz", "error")
		slog.Error("Quiz generation failed", "lesson_id", lessonID, "error", err)
		if ferr := s.quizzes.SetFailed(ctx, lessonID, err.Error()); ferr != nil {
			return fmt.Errorf("failed to record quiz failure: %w", ferr)
		}
		// Terminal failure commits the event; redeliveries would lose the
		// claim race anyway.
		return nil
	}

	if err := s.quizzes.SetReady(ctx, lessonID, questions); err != nil {
		return fmt.Errorf("failed to persist quiz: %w", err)
	}
	metrics.RecordGeneratorCall("quiz", "ok")
	slog.Info("Quiz ready", "lesson_id", lessonID, "questions", len(questions))

	if err := s.events.PublishQuizReady(ctx, events.QuizReadyPayload{
		BasePayload:   events.BasePayload{UserID: lesson.UserID},
		LessonID:      lessonID,
		QuestionCount: len(questions),
	}); err != nil {
		slog.Warn("Failed to publish quiz.ready", "lesson_id", lessonID, "error", err)
	}
	return nil
}

// Get returns the quiz for a lesson. When none exists yet and the lesson is
// ready, generation is kicked off and ErrGenerating tells the caller to poll;
// a failed quiz is returned as-is so the caller can surface the reason.
func (s *QuizService) Get(ctx context.Context, p *models.Principal, lessonID string) (*models.Quiz, error) {
	if lessonID == "" {
		return nil, NewValidationError("lesson_id", "required")
	}
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	if err := requireOwner(p, lesson.UserID); err != nil {
		return nil, err
	}

	q, err := s.quizzes.Get(ctx, lessonID)
	if err == nil {
		if q.Status == models.QuizPending {
			return nil, ErrGenerating
		}
		return q, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get quiz: %w", err)
	}

	switch lesson.Status {
	case models.LessonReady:
		s.spawnGenerate(ctx, lessonID)
		return nil, ErrGenerating
	case models.LessonGenerating:
		return nil, ErrGenerating
	default:
		return nil, ErrNotFound
	}
}

// spawnGenerate runs quiz generation detached from the request that
// triggered it. GenerateForLesson re-claims, so concurrent kicks collapse
// to one.
func (s *QuizService) spawnGenerate(ctx context.Context, lessonID string) {
	bg := context.WithoutCancel(ctx)
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(bg, quizGenerateTimeout)
		defer cancel()
		if err := s.GenerateForLesson(ctx, lessonID); err != nil {
			slog.Error("On-demand quiz generation failed", "lesson_id", lessonID, "error", err)
		}
	})
}

// Submit scores a quiz attempt and persists it. The result carries the
// per-question breakdown; Total counts all questions, answered or not.
func (s *QuizService) Submit(ctx context.Context, p *models.Principal, lessonID, userID string, answers []models.Answer) (*models.Submission, []models.QuestionResult, error) {
	if lessonID == "" {
		return nil, nil, NewValidationError("lesson_id", "required")
	}
	if userID == "" && p != nil {
		userID = p.UserID
	}
	if err := requireOwner(p, userID); err != nil {
		return nil, nil, err
	}
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	if err := requireOwner(p, lesson.UserID); err != nil {
		return nil, nil, err
	}

	q, err := s.quizzes.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get quiz: %w", err)
	}
	switch q.Status {
	case models.QuizPending:
		return nil, nil, ErrGenerating
	case models.QuizFailed:
		return nil, nil, NewValidationError("lesson_id", "quiz generation failed")
	}

	if len(answers) == 0 {
		return nil, nil, NewValidationError("answers", "required")
	}
	seen := make(map[int]bool, len(answers))
	results := make([]models.QuestionResult, 0, len(answers))
	score := 0
	for _, a := range answers {
		if a.QuestionIndex < 0 || a.QuestionIndex >= len(q.Questions) {
			return nil, nil, NewValidationError("answers", fmt.Sprintf("question_index %d out of range", a.QuestionIndex))
		}
		if seen[a.QuestionIndex] {
			return nil, nil, NewValidationError("answers", fmt.Sprintf("duplicate question_index %d", a.QuestionIndex))
		}
		seen[a.QuestionIndex] = true

		question := q.Questions[a.QuestionIndex]
		if a.SelectedOption < 0 || a.SelectedOption >= len(question.Options) {
			return nil, nil, NewValidationError("answers", fmt.Sprintf("selected_option %d out of range for question %d", a.SelectedOption, a.QuestionIndex))
		}
		correct := a.SelectedOption == question.CorrectIndex
		if correct {
			score++
		}
		results = append(results, models.QuestionResult{
			QuestionIndex: a.QuestionIndex,
			Correct:       correct,
			CorrectOption: question.CorrectIndex,
			Explanation:   question.Explanation,
		})
	}

	sub := &models.Submission{
		ID:          uuid.New().String(),
		LessonID:    lessonID,
		UserID:      userID,
		Answers:     answers,
		Score:       score,
		Total:       len(q.Questions),
		SubmittedAt: s.now(),
	}
	if err := s.quizzes.InsertSubmission(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to persist submission: %w", err)
	}
	slog.Info("Quiz submitted", "lesson_id", lessonID, "user_id", userID, "score", score, "total", sub.Total)
	return sub, results, nil
}

// LatestSubmission returns the most recent attempt for (lesson, user).
func (s *QuizService) LatestSubmission(ctx context.Context, p *models.Principal, lessonID, userID string) (*models.Submission, error) {
	if userID == "" && p != nil {
		userID = p.UserID
	}
	if err := requireOwner(p, userID); err != nil {
		return nil, err
	}
	sub, err := s.quizzes.LatestSubmission(ctx, lessonID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// GenerateNotes claims and kicks off study-notes generation for a lesson.
// Idempotent: an existing pending or ready record is left alone, a failed
// one is regenerated in place.
func (s *QuizService) GenerateNotes(ctx context.Context, p *models.Principal, lessonID string) error {
	if lessonID == "" {
		return NewValidationError("lesson_id", "required")
	}
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get lesson: %w", err)
	}
	if err := requireOwner(p, lesson.UserID); err != nil {
		return err
	}
	switch lesson.Status {
	case models.LessonGenerating:
		return ErrGenerating
	case models.LessonFailed:
		return NewValidationError("lesson_id", "lesson generation failed")
	}

	if err := s.quizzes.ClaimNotesPending(ctx, lessonID, s.now()); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("failed to claim notes generation: %w", err)
		}
		existing, gerr := s.quizzes.GetNotes(ctx, lessonID)
		if gerr != nil {
			return fmt.Errorf("failed to get notes: %w", gerr)
		}
		if existing.Status != models.QuizFailed {
			return nil
		}
		// Failed notes regenerate over the existing row.
	}

	bg := context.WithoutCancel(ctx)
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(bg, quizGenerateTimeout)
		defer cancel()
		s.generateNotes(ctx, lesson)
	})
	return nil
}

func (s *QuizService) generateNotes(ctx context.Context, lesson *models.Lesson) {
	sections, err := s.gen.GenerateNotes(ctx, lesson)
	if err != nil {
		metrics.RecordGeneratorCall("notes", "error")
		slog.Error("Notes generation failed", "lesson_id", lesson.ID, "error", err)
		if ferr := s.quizzes.SetNotesFailed(ctx, lesson.ID); ferr != nil {
			slog.Error("Failed to record notes failure", "lesson_id", lesson.ID, "error", ferr)
		}
		return
	}

	if err := s.quizzes.SetNotesReady(ctx, lesson.ID, sections); err != nil {
		slog.Error("Failed to persist notes", "lesson_id", lesson.ID, "error", err)
		return
	}
	metrics.RecordGeneratorCall("notes", "ok")
	slog.Info("Notes ready", "lesson_id", lesson.ID, "sections", len(sections))

	if err := s.events.PublishNotesReady(ctx, events.NotesReadyPayload{
		BasePayload:  events.BasePayload{UserID: lesson.UserID},
		LessonID:     lesson.ID,
		SectionCount: len(sections),
	}); err != nil {
		slog.Warn("Failed to publish notes.ready", "lesson_id", lesson.ID, "error", err)
	}
}

// GetNotes returns the study notes for a lesson. Absent notes are a 404;
// generation is explicit through GenerateNotes, not a side effect of reads.
func (s *QuizService) GetNotes(ctx context.Context, p *models.Principal, lessonID string) (*models.Notes, error) {
	if lessonID == "" {
		return nil, NewValidationError("lesson_id", "required")
	}
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	if err := requireOwner(p, lesson.UserID); err != nil {
		return nil, err
	}

	n, err := s.quizzes.GetNotes(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notes: %w", err)
	}
	if n.Status == models.QuizPending {
		return nil, ErrGenerating
	}
	return n, nil
}
