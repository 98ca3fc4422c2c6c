package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// Quizzes persists quizzes, submissions and study notes, all keyed by
// lesson id.
type Quizzes struct {
	db *sql.DB
}

// NewQuizzes creates the quiz store.
func NewQuizzes(db *sql.DB) *Quizzes {
	return &Quizzes{db: db}
}

// ClaimPending inserts a pending quiz row for the lesson, claiming the
// generation. ErrDuplicate means a quiz already exists (any status).
func (s *Quizzes) ClaimPending(ctx context.Context, lessonID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quizzes (lesson_id, status, created_at) VALUES ($1, $2, $3)`,
		lessonID, models.QuizPending, at)
	return translateErr(err)
}

// SetReady stores generated questions.
func (s *Quizzes) SetReady(ctx context.Context, lessonID string, questions []models.Question) error {
	data, err := marshalJSON(questions)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE quizzes SET questions = $2, status = $3, failure_reason = '' WHERE lesson_id = $1`,
		lessonID, data, models.QuizReady)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// SetFailed records a terminal generation failure.
func (s *Quizzes) SetFailed(ctx context.Context, lessonID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quizzes SET status = $2, failure_reason = $3 WHERE lesson_id = $1`,
		lessonID, models.QuizFailed, reason)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// Get fetches the quiz for a lesson.
func (s *Quizzes) Get(ctx context.Context, lessonID string) (*models.Quiz, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT lesson_id, questions, status, failure_reason, created_at
		 FROM quizzes WHERE lesson_id = $1 AND deleted_at IS NULL`, lessonID)

	var q models.Quiz
	var questions []byte
	if err := row.Scan(&q.LessonID, &questions, &q.Status, &q.FailureReason, &q.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	if err := unmarshalJSON(questions, &q.Questions); err != nil {
		return nil, err
	}
	return &q, nil
}

// InsertSubmission records a scored attempt. History is retained; the
// newest row per (user, lesson) is canonical.
func (s *Quizzes) InsertSubmission(ctx context.Context, sub *models.Submission) error {
	answers, err := marshalJSON(sub.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quiz_submissions (id, lesson_id, user_id, answers, score, total, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.LessonID, sub.UserID, answers, sub.Score, sub.Total, sub.SubmittedAt)
	return translateErr(err)
}

// LatestSubmission returns the canonical attempt for (user, lesson).
func (s *Quizzes) LatestSubmission(ctx context.Context, lessonID, userID string) (*models.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lesson_id, user_id, answers, score, total, submitted_at
		 FROM quiz_submissions WHERE lesson_id = $1 AND user_id = $2
		 ORDER BY submitted_at DESC LIMIT 1`, lessonID, userID)

	var sub models.Submission
	var answers []byte
	if err := row.Scan(&sub.ID, &sub.LessonID, &sub.UserID, &answers, &sub.Score, &sub.Total, &sub.SubmittedAt); err != nil {
		return nil, translateErr(err)
	}
	if err := unmarshalJSON(answers, &sub.Answers); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ClaimNotesPending claims notes generation for a lesson.
func (s *Quizzes) ClaimNotesPending(ctx context.Context, lessonID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (lesson_id, status, created_at) VALUES ($1, $2, $3)`,
		lessonID, models.QuizPending, at)
	return translateErr(err)
}

// SetNotesReady stores generated note sections.
func (s *Quizzes) SetNotesReady(ctx context.Context, lessonID string, sections []models.NoteSection) error {
	data, err := marshalJSON(sections)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET sections = $2, status = $3 WHERE lesson_id = $1`,
		lessonID, data, models.QuizReady)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// SetNotesFailed records a terminal notes failure.
func (s *Quizzes) SetNotesFailed(ctx context.Context, lessonID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET status = $2 WHERE lesson_id = $1`, lessonID, models.QuizFailed)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// GetNotes fetches the notes for a lesson.
func (s *Quizzes) GetNotes(ctx context.Context, lessonID string) (*models.Notes, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT lesson_id, sections, status, created_at
		 FROM notes WHERE lesson_id = $1 AND deleted_at IS NULL`, lessonID)

	var n models.Notes
	var sections []byte
	if err := row.Scan(&n.LessonID, &sections, &n.Status, &n.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	if err := unmarshalJSON(sections, &n.Sections); err != nil {
		return nil, err
	}
	return &n, nil
}
