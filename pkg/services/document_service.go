package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chalklabs/chalk/pkg/blob"
	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

var pdfMagic = []byte("%PDF")

// DocumentStore is the slice of the documents store the service needs.
type DocumentStore interface {
	Create(ctx context.Context, d *models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Document, error)
	Cancel(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
}

// JobCanceller interrupts in-flight extraction work. The ingestion worker
// pool implements it; callers without a local pool may pass nil.
type JobCanceller interface {
	CancelJob(documentID string) bool
}

// UploadLimits bounds what the upload endpoint accepts and how much of it
// runs at once.
type UploadLimits struct {
	MaxBytes      int64
	MaxConcurrent int
	PerSecond     rate.Limit
	Burst         int
}

// DefaultUploadLimits returns the production defaults: 50 MiB per file,
// eight concurrent uploads, four admissions per second.
func DefaultUploadLimits() UploadLimits {
	return UploadLimits{
		MaxBytes:      50 << 20,
		MaxConcurrent: 8,
		PerSecond:     4,
		Burst:         8,
	}
}

// LoadUploadLimitsFromEnv reads upload limits from the environment, falling
// back to the defaults for unset variables.
func LoadUploadLimitsFromEnv() (UploadLimits, error) {
	limits := DefaultUploadLimits()
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return limits, fmt.Errorf("invalid MAX_UPLOAD_BYTES %q", v)
		}
		limits.MaxBytes = n
	}
	if v := os.Getenv("MAX_CONCURRENT_UPLOADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return limits, fmt.Errorf("invalid MAX_CONCURRENT_UPLOADS %q", v)
		}
		limits.MaxConcurrent = n
	}
	if v := os.Getenv("UPLOAD_RATE_PER_SEC"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			return limits, fmt.Errorf("invalid UPLOAD_RATE_PER_SEC %q", v)
		}
		limits.PerSecond = rate.Limit(n)
	}
	return limits, nil
}

// DocumentService accepts PDF uploads and tracks their extraction jobs.
// Upload stores the bytes and queues the document; the worker pool picks it
// up from there.
type DocumentService struct {
	docs    DocumentStore
	blobs   blob.Store
	pool    JobCanceller
	limits  UploadLimits
	slots   chan struct{}
	limiter *rate.Limiter
	now     func() time.Time
}

// NewDocumentService creates a new DocumentService. pool may be nil when
// this instance runs no extraction workers.
func NewDocumentService(docs DocumentStore, blobs blob.Store, pool JobCanceller, limits UploadLimits) *DocumentService {
	return &DocumentService{
		docs:    docs,
		blobs:   blobs,
		pool:    pool,
		limits:  limits,
		slots:   make(chan struct{}, limits.MaxConcurrent),
		limiter: rate.NewLimiter(limits.PerSecond, limits.Burst),
		now:     time.Now,
	}
}

// MaxUploadBytes reports the configured upload size cap so the HTTP layer
// can bound request bodies before parsing them.
func (s *DocumentService) MaxUploadBytes() int64 {
	return s.limits.MaxBytes
}

// Upload admits a single PDF, writes it to the blob store and inserts the
// document as queued. It returns ErrBackpressure when the concurrency cap
// or admission rate is exceeded, so callers can tell load shedding apart
// from a bad file.
func (s *DocumentService) Upload(ctx context.Context, p *models.Principal, userID, filename string, file io.Reader) (*models.Document, error) {
	if userID == "" && p != nil {
		userID = p.UserID
	}
	if err := requireOwner(p, userID); err != nil {
		return nil, err
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		metrics.RecordUpload("backpressure")
		return nil, ErrBackpressure
	}
	if !s.limiter.Allow() {
		metrics.RecordUpload("backpressure")
		return nil, ErrBackpressure
	}

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(file, head); err != nil || !bytes.Equal(head, pdfMagic) {
		metrics.RecordUpload("rejected")
		return nil, NewValidationError("file", "must be a PDF")
	}

	doc := &models.Document{
		ID:        uuid.NewString(),
		UserID:    userID,
		Filename:  cleanFilename(filename),
		Status:    models.DocumentQueued,
		CreatedAt: s.now(),
	}

	// Read one byte past the cap so an oversize upload is detected without
	// buffering the whole file in memory.
	rest := io.LimitReader(file, s.limits.MaxBytes-int64(len(head))+1)
	key := blob.DocumentKey(doc.ID)
	n, err := s.blobs.Put(ctx, key, io.MultiReader(bytes.NewReader(head), rest))
	if err != nil {
		metrics.RecordUpload("rejected")
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if n > s.limits.MaxBytes {
		s.discardBlob(ctx, key)
		metrics.RecordUpload("rejected")
		return nil, NewValidationError("file", fmt.Sprintf("must be at most %d bytes", s.limits.MaxBytes))
	}
	doc.ByteSize = n

	if err := s.docs.Create(ctx, doc); err != nil {
		s.discardBlob(ctx, key)
		metrics.RecordUpload("rejected")
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	metrics.RecordUpload("accepted")
	slog.Info("Document uploaded",
		"document_id", doc.ID, "user_id", userID, "filename", doc.Filename, "bytes", n)
	return doc, nil
}

// Status returns the document including its progress milestones.
func (s *DocumentService) Status(ctx context.Context, p *models.Principal, documentID string) (*models.Document, error) {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if err := requireOwner(p, doc.UserID); err != nil {
		return nil, err
	}
	return doc, nil
}

// History lists the user's documents, newest first.
func (s *DocumentService) History(ctx context.Context, p *models.Principal, userID string) ([]*models.Document, error) {
	if err := requireOwner(p, userID); err != nil {
		return nil, err
	}
	docs, err := s.docs.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// Stop cancels extraction. Only queued or extracting documents can be
// stopped; the in-flight worker notices between pages.
func (s *DocumentService) Stop(ctx context.Context, p *models.Principal, documentID string) error {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get document: %w", err)
	}
	if err := requireOwner(p, doc.UserID); err != nil {
		return err
	}
	if doc.Status.Terminal() {
		return ErrNotCancellable
	}

	if err := s.docs.Cancel(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Raced to a terminal status between the read and the update.
			return ErrNotCancellable
		}
		return fmt.Errorf("failed to cancel document: %w", err)
	}

	interrupted := false
	if s.pool != nil {
		interrupted = s.pool.CancelJob(documentID)
	}
	slog.Info("Document cancelled",
		"document_id", documentID, "user_id", doc.UserID, "was_extracting", interrupted)
	return nil
}

// Delete soft-deletes the document and removes its stored PDF. The blob
// removal is best effort; the tombstone alone hides the document.
func (s *DocumentService) Delete(ctx context.Context, p *models.Principal, documentID string) error {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get document: %w", err)
	}
	if err := requireOwner(p, doc.UserID); err != nil {
		return err
	}

	if !doc.Status.Terminal() {
		if err := s.docs.Cancel(ctx, documentID); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("failed to cancel document: %w", err)
		}
		if s.pool != nil {
			s.pool.CancelJob(documentID)
		}
	}

	if err := s.docs.SoftDelete(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete document: %w", err)
	}
	s.discardBlob(ctx, blob.DocumentKey(documentID))

	slog.Info("Document deleted", "document_id", documentID, "user_id", doc.UserID)
	return nil
}

func (s *DocumentService) discardBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		slog.Warn("Failed to delete blob", "key", key, "error", err)
	}
}

// cleanFilename strips any path the client sent along with the file.
func cleanFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "document.pdf"
	}
	return name
}
