package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// Lessons persists generated lessons. The unique document_id column is the
// idempotency anchor for document.ingested consumers.
type Lessons struct {
	db *sql.DB
}

// NewLessons creates the lesson store.
func NewLessons(db *sql.DB) *Lessons {
	return &Lessons{db: db}
}

const lessonColumns = `id, document_id, user_id, title, subject, sections, status, failure_reason, created_at, deleted_at`

func scanLesson(row interface{ Scan(...any) error }) (*models.Lesson, error) {
	var l models.Lesson
	var sections []byte
	var deletedAt sql.NullTime
	err := row.Scan(&l.ID, &l.DocumentID, &l.UserID, &l.Title, &l.Subject,
		&sections, &l.Status, &l.FailureReason, &l.CreatedAt, &deletedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := unmarshalJSON(sections, &l.Sections); err != nil {
		return nil, err
	}
	l.DeletedAt = timePtr(deletedAt)
	return &l, nil
}

// CreateGenerating claims the document for generation by inserting a
// placeholder row. ErrDuplicate means another consumer already owns it.
func (s *Lessons) CreateGenerating(ctx context.Context, l *models.Lesson) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (id, document_id, user_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		l.ID, l.DocumentID, l.UserID, models.LessonGenerating, l.CreatedAt)
	return translateErr(err)
}

// SetReady stores the generated content and flips the lesson to ready.
func (s *Lessons) SetReady(ctx context.Context, id string, content *models.LessonContent) error {
	sections, err := marshalJSON(content.Sections)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE lessons SET title = $2, subject = $3, sections = $4, status = $5, failure_reason = ''
		 WHERE id = $1`,
		id, content.Title, content.Subject, sections, models.LessonReady)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// SetFailed records a terminal generation failure.
func (s *Lessons) SetFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lessons SET status = $2, failure_reason = $3 WHERE id = $1`,
		id, models.LessonFailed, reason)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}

// Get fetches a non-deleted lesson.
func (s *Lessons) Get(ctx context.Context, id string) (*models.Lesson, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanLesson(row)
}

// GetByDocument fetches the lesson derived from a document, deleted or not.
// Consumers use it for idempotency checks, which must see tombstones too.
func (s *Lessons) GetByDocument(ctx context.Context, documentID string) (*models.Lesson, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE document_id = $1`, documentID)
	return scanLesson(row)
}

// ListByUser returns the user's lessons, newest first.
func (s *Lessons) ListByUser(ctx context.Context, userID string) ([]*models.Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var lessons []*models.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// FailStaleGenerating fails lessons stuck in generating since before the
// cutoff. A consumer crash between claiming a document and writing the
// terminal status leaves such rows; without this pass their owners poll a
// 202 forever.
func (s *Lessons) FailStaleGenerating(ctx context.Context, before time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lessons SET status = $1, failure_reason = $2
		 WHERE status = $3 AND created_at < $4`,
		models.LessonFailed, reason, models.LessonGenerating, before)
	if err != nil {
		return 0, translateErr(err)
	}
	return res.RowsAffected()
}

// SoftDelete tombstones the lesson and its derived artifacts. Derived state
// is re-derivable, so this is always safe.
func (s *Lessons) SoftDelete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE lessons SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return translateErr(err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	for _, q := range []string{
		`UPDATE visualizations SET deleted_at = now() WHERE lesson_id = $1 AND deleted_at IS NULL`,
		`UPDATE quizzes SET deleted_at = now() WHERE lesson_id = $1 AND deleted_at IS NULL`,
		`UPDATE notes SET deleted_at = now() WHERE lesson_id = $1 AND deleted_at IS NULL`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return translateErr(err)
		}
	}
	return tx.Commit()
}
