package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// Events reads the bus table for consumer replay, WebSocket catchup and
// retention. Rows are written by the events publisher, not here, so the
// INSERT and its pg_notify stay in one transaction.
type Events struct {
	db *sql.DB
}

// NewEvents creates the events store.
func NewEvents(db *sql.DB) *Events {
	return &Events{db: db}
}

// ListByTopicSince returns up to limit events for one topic with an ID
// greater than sinceID, oldest first. Consumers walk this to replay.
func (s *Events) ListByTopicSince(ctx context.Context, topic string, sinceID int64, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, key, user_id, payload, created_at
		 FROM events
		 WHERE topic = $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`, topic, sinceID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListForUserSince returns up to limit events scoped to a user with an ID
// greater than sinceID, oldest first. Backs WebSocket catchup on the user's
// notification channel.
func (s *Events) ListForUserSince(ctx context.Context, userID string, sinceID int64, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, key, user_id, payload, created_at
		 FROM events
		 WHERE user_id = $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`, userID, sinceID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Offset returns the last committed event ID for a consumer, zero when the
// consumer has never committed.
func (s *Events) Offset(ctx context.Context, consumer string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_event_id FROM consumer_offsets WHERE consumer = $1`, consumer)

	var id int64
	if err := row.Scan(&id); err != nil {
		if translateErr(err) == ErrNotFound {
			return 0, nil
		}
		return 0, translateErr(err)
	}
	return id, nil
}

// CommitOffset records that a consumer has processed every event up to and
// including eventID. The guard keeps a delayed commit from moving the
// offset backwards.
func (s *Events) CommitOffset(ctx context.Context, consumer string, eventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumer_offsets (consumer, last_event_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (consumer) DO UPDATE SET
		   last_event_id = EXCLUDED.last_event_id,
		   updated_at = EXCLUDED.updated_at
		 WHERE consumer_offsets.last_event_id < EXCLUDED.last_event_id`,
		consumer, eventID)
	return translateErr(err)
}

// DeleteBefore removes events older than the cutoff. Consumers that lag past
// the retention window fall back to their own idempotency keys.
func (s *Events) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.Topic, &e.Key, &e.UserID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, translateErr(err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translateErr(err)
	}
	return events, nil
}
