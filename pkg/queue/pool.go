package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chalklabs/chalk/pkg/metrics"
)

// WorkerPool manages a pool of extraction workers.
type WorkerPool struct {
	podID    string
	docs     DocumentQueue
	config   Config
	executor Executor
	sink     EventSink
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Job cancel registry: document_id → cancel function
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	// Orphan scan state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool. sink may be nil to disable
// event publishing.
func NewWorkerPool(podID string, docs DocumentQueue, cfg Config, executor Executor, sink EventSink) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		docs:       docs,
		config:     cfg,
		executor:   executor,
		sink:       sink,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start requeues this pod's stale claims from a previous run, spawns the
// workers and launches the orphan scan. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	if err := p.recoverStartupOrphans(ctx); err != nil {
		return fmt.Errorf("startup orphan recovery failed: %w", err)
	}

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.docs, p.config, p.executor, p.sink, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current documents before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active extractions to complete",
			"count", len(active),
			"document_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterJob stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterJob(documentID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[documentID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(documentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, documentID)
}

// CancelJob triggers context cancellation for a document extracting on this
// pod. Returns true if the job was found here. Extractions running on other
// pods notice the cancellation through their heartbeat instead.
func (p *WorkerPool) CancelJob(documentID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[documentID]; ok {
		cancel()
		return true
	}
	return false
}

// ActiveJobs returns the number of documents currently extracting on this pod.
func (p *WorkerPool) ActiveJobs() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.activeJobs)
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.docs.CountQueued(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	} else {
		metrics.SetQueueDepth("extraction", queueDepth)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	activeJobs := p.ActiveJobs()
	dbHealthy := errQ == nil
	isHealthy := len(p.workers) > 0 && activeJobs <= p.config.MaxConcurrentJobs && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastScan
	orphansRequeued := p.orphans.requeued
	p.orphans.mu.Unlock()

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	return &PoolHealth{
		IsHealthy:       isHealthy,
		DBReachable:     dbHealthy,
		DBError:         dbError,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		ActiveJobs:      activeJobs,
		MaxConcurrent:   p.config.MaxConcurrentJobs,
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastOrphanScan,
		OrphansRequeued: orphansRequeued,
	}
}

// activeJobIDs returns IDs of currently extracting documents (for logging).
func (p *WorkerPool) activeJobIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}
