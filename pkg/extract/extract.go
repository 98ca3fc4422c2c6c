// Package extract turns an uploaded PDF into pages of text and image
// handles. It runs inside the ingestion worker pool: Execute is called with
// a claimed document and must notice context cancellation between pages so
// a stop request or a lost claim takes effect at the next page boundary.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chalklabs/chalk/pkg/blob"
	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/queue"
)

// ocrConcurrency bounds parallel OCR calls per document. The hook usually
// fronts an external service, so a whole document's pages at once would be
// a burst, not a throughput win.
const ocrConcurrency = 4

// DocumentStore is the slice of the document store the extractor writes to.
type DocumentStore interface {
	SetProgress(ctx context.Context, id string, progress int) error
	ReplacePages(ctx context.Context, documentID string, pages []models.Page) error
}

// ProgressSink pushes live progress to the owning user. Nil disables pushes;
// progress still lands in the document row.
type ProgressSink interface {
	PublishDocumentProgress(ctx context.Context, payload events.DocumentProgressPayload) error
}

// OCRFunc enhances one page's text. The default passthrough keeps the
// parser's output; deployments with an OCR service plug theirs in.
type OCRFunc func(ctx context.Context, page models.Page) (string, error)

// PassthroughOCR returns the page text unchanged.
func PassthroughOCR(_ context.Context, page models.Page) (string, error) {
	return page.Text, nil
}

// Extractor implements queue.Executor for PDF documents.
type Extractor struct {
	blobs blob.Store
	docs  DocumentStore
	sink  ProgressSink
	ocr   OCRFunc
	open  OpenFunc
}

// New creates an extractor. sink may be nil; ocr nil means passthrough.
func New(blobs blob.Store, docs DocumentStore, sink ProgressSink, ocr OCRFunc) *Extractor {
	if ocr == nil {
		ocr = PassthroughOCR
	}
	return &Extractor{
		blobs: blobs,
		docs:  docs,
		sink:  sink,
		ocr:   ocr,
		open:  OpenPDF,
	}
}

// Execute runs the extraction passes over one claimed document:
// text per page, then image handles and dimensions, then the OCR hook.
// Each pass checks ctx between pages.
func (e *Extractor) Execute(ctx context.Context, doc *models.Document) *queue.ExecutionResult {
	log := slog.With("document_id", doc.ID)

	src, cleanup, err := e.openDocument(ctx, doc.ID)
	if err != nil {
		return failResult(err)
	}
	defer cleanup()

	total := src.NumPages()
	if total <= 0 {
		return failResult(errors.New("PDF contains no pages"))
	}
	log.Info("Extraction started", "pages", total)

	pages, result := e.extractText(ctx, src, doc, total)
	if result != nil {
		return result
	}
	e.milestone(ctx, doc, models.ProgressTextExtracted, "text extracted")

	if result := e.indexImages(ctx, src, doc, pages); result != nil {
		return result
	}
	e.milestone(ctx, doc, models.ProgressImagesIndexed, "page images indexed")

	if result := e.runOCR(ctx, pages); result != nil {
		return result
	}
	e.milestone(ctx, doc, models.ProgressOCRComplete, "ocr complete")

	if err := e.docs.ReplacePages(ctx, doc.ID, pages); err != nil {
		if ctx.Err() != nil {
			return cancelResult(ctx.Err())
		}
		return failResult(fmt.Errorf("failed to persist pages: %w", err))
	}

	return &queue.ExecutionResult{
		Status:    models.DocumentReady,
		PageCount: total,
		Text:      joinPageText(pages),
	}
}

func (e *Extractor) openDocument(ctx context.Context, documentID string) (PageSource, func(), error) {
	r, size, err := e.blobs.Open(ctx, blob.DocumentKey(documentID))
	if err != nil {
		return nil, nil, fmt.Errorf("source PDF unavailable: %w", err)
	}
	src, err := e.open(r, size)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return src, func() { r.Close() }, nil
}

// extractText is the first pass. Per-page parse errors are tolerated
// (the page ships without text); only cancellation aborts the document.
func (e *Extractor) extractText(ctx context.Context, src PageSource, doc *models.Document, total int) ([]models.Page, *queue.ExecutionResult) {
	pages := make([]models.Page, 0, total)
	for n := 1; n <= total; n++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelResult(err)
		}
		text, err := src.PageText(n)
		if err != nil {
			slog.Warn("Page text extraction failed, continuing without text",
				"document_id", doc.ID, "page", n, "error", err)
			text = ""
		}
		pages = append(pages, models.Page{
			DocumentID: doc.ID,
			PageNumber: n,
			Text:       normalizeText(text),
		})
	}
	return pages, nil
}

// indexImages assigns each page its image handle and dimensions. The parser
// is not safe for concurrent page access, so this pass stays sequential.
func (e *Extractor) indexImages(ctx context.Context, src PageSource, doc *models.Document, pages []models.Page) *queue.ExecutionResult {
	for i := range pages {
		if err := ctx.Err(); err != nil {
			return cancelResult(err)
		}
		width, height, err := src.PageSize(pages[i].PageNumber)
		if err != nil {
			slog.Warn("Page size unavailable, using default",
				"document_id", doc.ID, "page", pages[i].PageNumber, "error", err)
			width, height = defaultPageWidth, defaultPageHeight
		}
		pages[i].Width = width
		pages[i].Height = height
		pages[i].ImageRef = blob.PageImageKey(doc.ID, pages[i].PageNumber)
	}
	return nil
}

// runOCR applies the hook with bounded concurrency. A hook failure fails
// the document; partial OCR would silently degrade lesson quality.
func (e *Extractor) runOCR(ctx context.Context, pages []models.Page) *queue.ExecutionResult {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ocrConcurrency)
	for i := range pages {
		g.Go(func() error {
			text, err := e.ocr(gctx, pages[i])
			if err != nil {
				return fmt.Errorf("ocr failed on page %d: %w", pages[i].PageNumber, err)
			}
			pages[i].Text = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return cancelResult(ctx.Err())
		}
		return failResult(err)
	}
	return nil
}

// milestone records progress on the row and pushes it to the owner's live
// view. Neither failure aborts extraction.
func (e *Extractor) milestone(ctx context.Context, doc *models.Document, progress int, detail string) {
	if err := e.docs.SetProgress(ctx, doc.ID, progress); err != nil {
		slog.Warn("Failed to record extraction progress",
			"document_id", doc.ID, "progress", progress, "error", err)
	}
	if e.sink == nil {
		return
	}
	err := e.sink.PublishDocumentProgress(ctx, events.DocumentProgressPayload{
		BasePayload: events.BasePayload{UserID: doc.UserID},
		DocumentID:  doc.ID,
		Status:      string(models.DocumentExtracting),
		Progress:    progress,
		Detail:      detail,
	})
	if err != nil {
		slog.Warn("Failed to push extraction progress",
			"document_id", doc.ID, "progress", progress, "error", err)
	}
}

func failResult(err error) *queue.ExecutionResult {
	return &queue.ExecutionResult{Status: models.DocumentFailed, Err: err}
}

func cancelResult(err error) *queue.ExecutionResult {
	return &queue.ExecutionResult{Status: models.DocumentCancelled, Err: err}
}

// normalizeText collapses the parser's spacing artifacts: CRLF line ends,
// trailing whitespace per line, runs of blank lines.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func joinPageText(pages []models.Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}
