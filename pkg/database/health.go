package database

import (
	"context"
	"database/sql"
	"time"
)

// Health verifies connectivity with a ping bounded by ctx and reports the
// round-trip time. Callers decide what latency is acceptable.
func Health(ctx context.Context, db *sql.DB) (time.Duration, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	return time.Since(start), err
}
