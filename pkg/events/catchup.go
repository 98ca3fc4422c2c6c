package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// StoreCatchup implements CatchupQuerier over the events store. User
// channels are resolved to their owner's events; any other channel name is
// treated as a topic.
type StoreCatchup struct {
	events *store.Events
}

// NewStoreCatchup creates a CatchupQuerier backed by the events table.
func NewStoreCatchup(events *store.Events) *StoreCatchup {
	return &StoreCatchup{events: events}
}

// GetCatchupEvents queries events since sinceID up to limit for the catchup
// mechanism.
func (s *StoreCatchup) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	var (
		evts []models.Event
		err  error
	)
	if userID, ok := UserFromChannel(channel); ok {
		evts, err = s.events.ListForUserSince(ctx, userID, sinceID, limit)
	} else {
		evts, err = s.events.ListByTopicSince(ctx, channel, sinceID, limit)
	}
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, 0, len(evts))
	for _, e := range evts {
		var payload map[string]any
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode stored event %d: %w", e.ID, err)
		}
		result = append(result, CatchupEvent{ID: e.ID, Payload: payload})
	}
	return result, nil
}
