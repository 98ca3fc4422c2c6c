// Package queue runs the page extraction worker pool. The documents table
// is the queue: workers claim queued rows with SKIP LOCKED, heartbeat while
// extracting and write the terminal status back to the same row.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no queued documents are waiting.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity indicates this pod reached its concurrent job limit.
	ErrAtCapacity = errors.New("at capacity")
)

// Executor runs the extraction for one claimed document. It writes pages
// and progress milestones itself while running; the worker owns claiming,
// heartbeat, the terminal status write and the document.ingested publish.
//
// Execute must watch ctx between pages: cancellation (stop endpoint, claim
// lost, shutdown) has to take effect at the next page boundary.
type Executor interface {
	Execute(ctx context.Context, doc *models.Document) *ExecutionResult
}

// ExecutionResult is the terminal outcome of one extraction run. Pages were
// already written by the executor; this carries only what the worker needs
// for the final row update and event.
type ExecutionResult struct {
	Status    models.DocumentStatus // ready, failed, cancelled
	PageCount int
	Text      string // concatenated page text
	Err       error  // details when failed or cancelled
}

// DocumentQueue is the slice of the documents store the pool needs.
// Satisfied by *store.Documents.
type DocumentQueue interface {
	ClaimNext(ctx context.Context, podID string) (*models.Document, error)
	Heartbeat(ctx context.Context, id, podID string) error
	FinishExtraction(ctx context.Context, id string, status models.DocumentStatus, pageCount int, text, failureReason string) error
	RequeueOrphans(ctx context.Context, podID string, staleAfter time.Duration) ([]string, error)
	CountQueued(ctx context.Context) (int, error)
}

// EventSink receives the events the pool publishes. Satisfied by
// *events.Publisher; nil disables publishing.
type EventSink interface {
	PublishDocumentIngested(ctx context.Context, payload events.DocumentIngestedPayload) error
	PublishDocumentProgress(ctx context.Context, payload events.DocumentProgressPayload) error
}

// Config tunes the worker pool.
type Config struct {
	WorkerCount       int
	MaxConcurrentJobs int
	PollInterval      time.Duration
	PollJitter        time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	OrphanInterval    time.Duration
	OrphanThreshold   time.Duration
}

// LoadConfigFromEnv reads the QUEUE_* environment variables, with defaults
// suitable for local development.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		PollInterval:      2 * time.Second,
		PollJitter:        500 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		JobTimeout:        10 * time.Minute,
		OrphanInterval:    time.Minute,
		OrphanThreshold:   2 * time.Minute,
	}

	var err error
	if cfg.WorkerCount, err = intFromEnv("QUEUE_WORKER_COUNT", 2); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrentJobs, err = intFromEnv("QUEUE_MAX_CONCURRENT_JOBS", 4); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("QUEUE_JOB_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid QUEUE_JOB_TIMEOUT: %w", err)
		}
		cfg.JobTimeout = d
	}
	return cfg, nil
}

func intFromEnv(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRequeued  int            `json:"orphans_requeued"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
