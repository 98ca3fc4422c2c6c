package e2e

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/events"
)

// WSEvent represents a received WebSocket frame.
type WSEvent struct {
	Type     string                 `json:"type"`
	Raw      json.RawMessage        // Original JSON
	Parsed   map[string]interface{} // Parsed for assertions
	Received time.Time              // When we received it
}

// WSClient connects to a chalk WebSocket endpoint and collects frames.
type WSClient struct {
	conn    *websocket.Conn
	events  []WSEvent
	mu      sync.Mutex
	writeMu sync.Mutex
	once    sync.Once
	doneCh  chan struct{}
}

// ConnectEvents dials the events socket, waits for the greeting, subscribes
// to the account's channel, and waits for the confirmation. The returned
// client closes itself via t.Cleanup.
func ConnectEvents(t *testing.T, app *TestApp, acct *Account) *WSClient {
	t.Helper()
	c := wsDial(t, app, "/ws/events", acct.Access)
	_, err := c.WaitForEventType("connection.established", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(events.UserChannel(acct.UserID)))
	_, err = c.WaitForEventType("subscription.confirmed", 10*time.Second)
	require.NoError(t, err)
	return c
}

// ConnectTeaching dials the teaching socket for a session. Playback does not
// begin until the client sends start.
func ConnectTeaching(t *testing.T, app *TestApp, acct *Account, sessionID string) *WSClient {
	t.Helper()
	return wsDial(t, app, "/ws/teaching/"+sessionID, acct.Access)
}

// wsDial opens the WebSocket and starts the background reader. The token
// rides the query string, which is how browser clients authenticate sockets.
func wsDial(t *testing.T, app *TestApp, path, token string) *WSClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(app.BaseURL, "http") + path + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "WebSocket dial %s", path)

	c := &WSClient{
		conn:   conn,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Subscribe sends a subscribe action for the given channel.
func (c *WSClient) Subscribe(channel string) error {
	return c.Send(map[string]string{
		"action":  "subscribe",
		"channel": channel,
	})
}

// Send writes one JSON frame.
func (c *WSClient) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Command sends one teaching playback command frame.
func (c *WSClient) Command(cmd string) error {
	return c.Send(map[string]string{"type": cmd})
}

// WaitForEvent waits until a frame matching the predicate arrives, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for a frame with the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// WaitForScene waits for the scene frame with the given index.
func (c *WSClient) WaitForScene(index int, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		i, ok := e.Parsed["index"].(float64)
		return e.Type == "scene" && ok && int(i) == index
	}, timeout)
}

// Events returns a snapshot of all collected frames.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns collected frames filtered by type.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.once.Do(func() {
		_ = c.conn.Close()
		<-c.doneCh
	})
	return nil
}

// readLoop reads frames and appends them to the events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return // Connection closed.
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue // Skip malformed frames.
		}

		evt := WSEvent{
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		}
		if t, ok := parsed["type"].(string); ok {
			evt.Type = t
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
