package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// JobRegistry is the subset of WorkerPool used by Worker for job registration.
type JobRegistry interface {
	RegisterJob(documentID string, cancel context.CancelFunc)
	UnregisterJob(documentID string)
	ActiveJobs() int
}

// Worker is a single queue worker that polls for and extracts documents.
type Worker struct {
	id       string
	podID    string
	docs     DocumentQueue
	config   Config
	executor Executor
	sink     EventSink
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker. sink may be nil (publishing disabled).
func NewWorker(id, podID string, docs DocumentQueue, cfg Config, executor Executor, sink EventSink, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		docs:         docs,
		config:       cfg,
		executor:     executor,
		sink:         sink,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing document", "error", err)
				w.sleep(time.Second) // brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a document, and runs extraction.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check per-pod capacity. The registry count is momentarily stale
	//    across workers, but overshoot is bounded by WorkerCount.
	if w.pool.ActiveJobs() >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	// 2. Claim next queued document
	doc, err := w.docs.ClaimNext(ctx, w.podID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoJobsAvailable
		}
		return fmt.Errorf("failed to claim document: %w", err)
	}

	log := slog.With("document_id", doc.ID, "worker_id", w.id)
	log.Info("Document claimed", "filename", doc.Filename, "bytes", doc.ByteSize)

	w.publishProgress(ctx, doc, models.DocumentExtracting, doc.Progress, "extraction started")

	w.setStatus(WorkerStatusWorking, doc.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create job context with timeout
	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	// 4. Register cancel function for API-triggered cancellation
	w.pool.RegisterJob(doc.ID, cancelJob)
	defer w.pool.UnregisterJob(doc.ID)

	// 5. Start heartbeat. Losing the claim (cancelled via another pod, or
	//    requeued as an orphan) cancels the job context.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	go w.runHeartbeat(heartbeatCtx, doc.ID, cancelJob)

	// 6. Execute extraction
	metrics.ExtractionStarted()
	result := w.executor.Execute(jobCtx, doc)
	metrics.ExtractionFinished()

	// 7. Normalize the result against the context state
	result = normalizeResult(jobCtx, result, w.config.JobTimeout)

	// 8. Stop heartbeat
	cancelHeartbeat()

	// 9. Terminal status update (background context; job ctx may be cancelled)
	failureReason := ""
	if result.Err != nil {
		failureReason = result.Err.Error()
	}
	err = w.docs.FinishExtraction(context.Background(), doc.ID, result.Status, result.PageCount, result.Text, failureReason)
	if errors.Is(err, store.ErrConflict) {
		// A cancellation landed first and already owns the terminal state.
		log.Info("Document left extracting state mid-run", "status", result.Status)
		w.bumpProcessed()
		return nil
	}
	if err != nil {
		log.Error("Failed to update document terminal status", "error", err)
		return err
	}

	// 10. Publish: the ingested event feeds lesson generation, the progress
	//     push updates the owner's live view.
	if result.Status == models.DocumentReady {
		w.publishIngested(context.Background(), doc, result)
	}
	w.publishTerminalProgress(context.Background(), doc, result)

	w.bumpProcessed()
	log.Info("Document processing complete", "status", result.Status, "pages", result.PageCount)
	return nil
}

// normalizeResult synthesizes a safe terminal result when the executor
// returned nil or left the status empty, using the context state to tell a
// timeout from a cancellation.
func normalizeResult(ctx context.Context, result *ExecutionResult, timeout time.Duration) *ExecutionResult {
	if result == nil {
		result = &ExecutionResult{}
	}
	if result.Status != "" {
		return result
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = models.DocumentFailed
		result.Err = fmt.Errorf("extraction timed out after %v", timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		result.Status = models.DocumentCancelled
		if result.Err == nil {
			result.Err = context.Canceled
		}
	default:
		result.Status = models.DocumentFailed
		if result.Err == nil {
			result.Err = fmt.Errorf("executor returned no status")
		}
	}
	return result
}

// runHeartbeat periodically refreshes the claim. A conflict means the claim
// was taken away, so the job context is cancelled to stop the executor at
// the next page boundary.
func (w *Worker) runHeartbeat(ctx context.Context, documentID string, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.docs.Heartbeat(ctx, documentID, w.podID)
			if errors.Is(err, store.ErrConflict) {
				slog.Info("Claim lost, cancelling extraction", "document_id", documentID)
				cancelJob()
				return
			}
			if err != nil {
				slog.Warn("Heartbeat update failed", "document_id", documentID, "error", err)
			}
		}
	}
}

// publishIngested announces the document on the bus with a short retry: the
// row is already terminal, so a lost publish would silently skip lesson
// generation.
func (w *Worker) publishIngested(ctx context.Context, doc *models.Document, result *ExecutionResult) {
	if w.sink == nil {
		return
	}
	payload := events.DocumentIngestedPayload{
		BasePayload: events.BasePayload{UserID: doc.UserID},
		DocumentID:  doc.ID,
		Title:       doc.Filename,
		PageCount:   result.PageCount,
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = w.sink.PublishDocumentIngested(ctx, payload); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	slog.Error("Failed to publish document.ingested",
		"document_id", doc.ID, "error", err)
}

// publishProgress pushes a transient progress update. Errors are logged;
// the status endpoint remains the durable view.
func (w *Worker) publishProgress(ctx context.Context, doc *models.Document, status models.DocumentStatus, progress int, detail string) {
	if w.sink == nil {
		return
	}
	if err := w.sink.PublishDocumentProgress(ctx, events.DocumentProgressPayload{
		BasePayload: events.BasePayload{UserID: doc.UserID},
		DocumentID:  doc.ID,
		Status:      string(status),
		Progress:    progress,
		Detail:      detail,
	}); err != nil {
		slog.Warn("Failed to publish document progress",
			"document_id", doc.ID, "error", err)
	}
}

func (w *Worker) publishTerminalProgress(ctx context.Context, doc *models.Document, result *ExecutionResult) {
	progress := models.ProgressDone
	detail := ""
	if result.Status != models.DocumentReady {
		progress = doc.Progress
		if result.Err != nil {
			detail = result.Err.Error()
		}
	}
	w.publishProgress(ctx, doc, result.Status, progress, detail)
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

func (w *Worker) bumpProcessed() {
	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
}
