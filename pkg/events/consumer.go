package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
)

const (
	// defaultPollInterval bounds how stale a consumer can go if a NOTIFY is
	// lost (dropped connection, events published while reconnecting).
	defaultPollInterval = 5 * time.Second

	// consumerBatchSize caps how many rows one drain pass fetches.
	consumerBatchSize = 100
)

// Handler processes one event. Returning an error leaves the offset where
// it is, so the same event is redelivered on the next pass; handlers are
// therefore expected to be idempotent on the event key.
type Handler func(ctx context.Context, evt models.Event) error

// ConsumerStore is the slice of the events store a consumer needs.
// Satisfied by *store.Events.
type ConsumerStore interface {
	Offset(ctx context.Context, consumer string) (int64, error)
	CommitOffset(ctx context.Context, consumer string, eventID int64) error
	ListByTopicSince(ctx context.Context, topic string, sinceID int64, limit int) ([]models.Event, error)
}

// Consumer replays one topic from the events table, tracking its position
// in consumer_offsets under its name. NOTIFY wakes it early; a fallback
// poll covers notifications lost while disconnected. Delivery is
// at-least-once.
type Consumer struct {
	name     string
	topic    string
	store    ConsumerStore
	listener *NotifyListener // nil means poll-only (tests)
	handler  Handler

	poll  time.Duration
	batch int
	wake  chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer. Name must be stable across restarts; it is
// the offset key. The listener may be nil, leaving only the fallback poll.
func NewConsumer(name, topic string, st ConsumerStore, listener *NotifyListener, handler Handler) *Consumer {
	return &Consumer{
		name:     name,
		topic:    topic,
		store:    st,
		listener: listener,
		handler:  handler,
		poll:     defaultPollInterval,
		batch:    consumerBatchSize,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Notify wakes the consumer. Wired as the listener's dispatch target for
// the consumer's topic channel; the payload is ignored because the events
// table is the source of truth.
func (c *Consumer) Notify(channel string, _ []byte) {
	if channel != c.topic {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default: // a wake-up is already pending
	}
}

// Start subscribes to the topic channel and launches the replay loop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.listener != nil {
		if err := c.listener.Subscribe(ctx, c.topic); err != nil {
			return fmt.Errorf("failed to LISTEN on topic %s: %w", c.topic, err)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()

	slog.Info("Event consumer started", "consumer", c.name, "topic", c.topic)
	return nil
}

// Stop signals the replay loop to exit and waits for it.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	slog.Info("Event consumer stopped", "consumer", c.name)
}

func (c *Consumer) run(ctx context.Context) {
	// Drain immediately on start to pick up whatever was published while
	// this consumer was down.
	c.drain(ctx)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.wake:
			c.drain(ctx)
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

// drain processes events past the committed offset until the topic is
// exhausted or a handler fails. On failure it returns without committing;
// the next wake-up or poll retries from the same position.
func (c *Consumer) drain(ctx context.Context) {
	offset, err := c.store.Offset(ctx, c.name)
	if err != nil {
		slog.Error("Failed to load consumer offset", "consumer", c.name, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		batch, err := c.store.ListByTopicSince(ctx, c.topic, offset, c.batch)
		if err != nil {
			slog.Error("Failed to list events", "consumer", c.name, "topic", c.topic, "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		for _, evt := range batch {
			if err := c.handler(ctx, evt); err != nil {
				slog.Error("Event handler failed, will retry",
					"consumer", c.name, "topic", c.topic, "event_id", evt.ID, "key", evt.Key, "error", err)
				return
			}
			if err := c.store.CommitOffset(ctx, c.name, evt.ID); err != nil {
				slog.Error("Failed to commit consumer offset",
					"consumer", c.name, "event_id", evt.ID, "error", err)
				return
			}
			metrics.RecordEventConsumed(c.topic, c.name)
			offset = evt.ID
		}
	}
}
