package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan scan metrics (thread-safe).
type orphanState struct {
	mu       sync.Mutex
	lastScan time.Time
	requeued int
}

// runOrphanScan periodically requeues extracting documents whose claimant
// stopped heartbeating. All pods run this independently; the requeue is a
// guarded UPDATE, so double recovery is harmless.
func (p *WorkerPool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.requeueOrphans(ctx, ""); err != nil {
				slog.Error("Orphan scan failed", "error", err)
			}
		}
	}
}

// recoverStartupOrphans requeues documents this pod was extracting when it
// previously crashed, plus anything with a stale heartbeat. Extraction is
// idempotent (pages are replaced wholesale), so requeue retries rather than
// failing the document.
func (p *WorkerPool) recoverStartupOrphans(ctx context.Context) error {
	return p.requeueOrphans(ctx, p.podID)
}

func (p *WorkerPool) requeueOrphans(ctx context.Context, podID string) error {
	ids, err := p.docs.RequeueOrphans(ctx, podID, p.config.OrphanThreshold)
	if err != nil {
		return fmt.Errorf("failed to requeue orphaned documents: %w", err)
	}

	if len(ids) > 0 {
		slog.Warn("Requeued orphaned documents", "count", len(ids), "document_ids", ids)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += len(ids)
	p.orphans.mu.Unlock()

	return nil
}
