package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// Documents persists uploaded PDFs. The same row carries the extraction job
// state, so claiming, progress and cancellation are plain row updates.
type Documents struct {
	db *sql.DB
}

// NewDocuments creates the document store.
func NewDocuments(db *sql.DB) *Documents {
	return &Documents{db: db}
}

const documentColumns = `id, user_id, filename, byte_size, page_count, extracted_text, status,
	progress, failure_reason, claimed_by, last_heartbeat, created_at, updated_at, deleted_at`

func scanDocument(row interface{ Scan(...any) error }) (*models.Document, error) {
	var d models.Document
	var heartbeat, deletedAt sql.NullTime
	err := row.Scan(&d.ID, &d.UserID, &d.Filename, &d.ByteSize, &d.PageCount,
		&d.ExtractedText, &d.Status, &d.Progress, &d.FailureReason, &d.ClaimedBy,
		&heartbeat, &d.CreatedAt, &d.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	d.LastHeartbeat = timePtr(heartbeat)
	d.DeletedAt = timePtr(deletedAt)
	return &d, nil
}

// Create inserts a freshly uploaded document in queued state.
func (s *Documents) Create(ctx context.Context, d *models.Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, filename, byte_size, status, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		d.ID, d.UserID, d.Filename, d.ByteSize, d.Status, d.Progress, d.CreatedAt)
	return translateErr(err)
}

// Get fetches a non-deleted document.
func (s *Documents) Get(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanDocument(row)
}

// ListByUser returns the user's documents, newest first.
func (s *Documents) ListByUser(ctx context.Context, userID string) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ClaimNext atomically claims the oldest queued document for the given pod.
// SKIP LOCKED keeps concurrent pods from fighting over the same row.
// Returns ErrNotFound when nothing is queued.
func (s *Documents) ClaimNext(ctx context.Context, podID string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE documents
		 SET status = 'extracting', claimed_by = $1, last_heartbeat = now(), updated_at = now()
		 WHERE id = (
		   SELECT id FROM documents
		   WHERE status = 'queued' AND deleted_at IS NULL
		   ORDER BY created_at
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING `+documentColumns, podID)
	return scanDocument(row)
}

// Heartbeat refreshes the claim while extraction runs. ErrConflict means
// the job was taken away (cancelled or requeued as an orphan).
func (s *Documents) Heartbeat(ctx context.Context, id, podID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET last_heartbeat = now()
		 WHERE id = $1 AND claimed_by = $2 AND status = 'extracting'`, id, podID)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SetProgress records a milestone while the document is still extracting.
func (s *Documents) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET progress = $2, updated_at = now()
		 WHERE id = $1 AND status = 'extracting'`, id, progress)
	return translateErr(err)
}

// FinishExtraction records the terminal outcome of an extraction run.
// Guarded on status so a cancellation that landed mid-run wins.
func (s *Documents) FinishExtraction(ctx context.Context, id string, status models.DocumentStatus, pageCount int, text, failureReason string) error {
	progress := models.ProgressDone
	if status != models.DocumentReady {
		// keep the last reported progress for failed/cancelled runs
		progress = -1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET status = $2, page_count = $3, extracted_text = $4, failure_reason = $5,
		     progress = CASE WHEN $6 >= 0 THEN $6 ELSE progress END,
		     claimed_by = '', last_heartbeat = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'extracting'`,
		id, status, pageCount, text, failureReason, progress)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Cancel moves a document to cancelled. Only queued or extracting documents
// are cancellable.
func (s *Documents) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status IN ('queued', 'extracting') AND deleted_at IS NULL`, id)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RequeueOrphans returns extracting documents to the queue when their
// claimant stopped heartbeating, or when this pod restarted and finds its
// own stale claims. Returns the ids requeued.
func (s *Documents) RequeueOrphans(ctx context.Context, podID string, staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-staleAfter)
	rows, err := s.db.QueryContext(ctx,
		`UPDATE documents
		 SET status = 'queued', claimed_by = '', last_heartbeat = NULL, progress = 10, updated_at = now()
		 WHERE status = 'extracting' AND (claimed_by = $1 OR last_heartbeat IS NULL OR last_heartbeat < $2)
		 RETURNING id`, podID, cutoff)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountQueued reports queue depth for health endpoints.
func (s *Documents) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE status = 'queued' AND deleted_at IS NULL`).Scan(&n)
	return n, translateErr(err)
}

// ReplacePages swaps in the extracted pages for a document.
func (s *Documents) ReplacePages(ctx context.Context, documentID string, pages []models.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_pages WHERE document_id = $1`, documentID); err != nil {
		return translateErr(err)
	}
	for _, p := range pages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO document_pages (document_id, page_number, image_ref, width, height, text)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			documentID, p.PageNumber, p.ImageRef, p.Width, p.Height, p.Text)
		if err != nil {
			return fmt.Errorf("failed to insert page %d: %w", p.PageNumber, err)
		}
	}
	return tx.Commit()
}

// ListPages returns the extracted pages in order.
func (s *Documents) ListPages(ctx context.Context, documentID string) ([]models.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, page_number, image_ref, width, height, text
		 FROM document_pages WHERE document_id = $1 ORDER BY page_number`, documentID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var pages []models.Page
	for rows.Next() {
		var p models.Page
		if err := rows.Scan(&p.DocumentID, &p.PageNumber, &p.ImageRef, &p.Width, &p.Height, &p.Text); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// SoftDelete tombstones a document.
func (s *Documents) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res)
}
