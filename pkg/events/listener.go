package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// waitTimeout bounds each WaitForNotification call so the loop returns
// regularly to drain pending LISTEN/UNLISTEN commands. It is also the
// worst-case latency for a Subscribe call on an idle bus.
const waitTimeout = 100 * time.Millisecond

// DispatchFunc receives every notification the listener picks up. The
// ConnectionManager and topic Consumers plug in here; a process wiring both
// composes them by channel prefix.
type DispatchFunc func(channel string, payload []byte)

// connCommand is a LISTEN or UNLISTEN statement queued for the run loop,
// which is the only goroutine allowed to touch the pgx connection.
type connCommand struct {
	sql   string
	reply chan error
}

// NotifyListener holds one dedicated PostgreSQL connection, LISTENs on a
// dynamic set of channels and hands notifications to the dispatch function.
// Lost connections are re-established with exponential backoff and every
// tracked channel is re-LISTENed before notifications resume.
type NotifyListener struct {
	connString string
	dispatch   DispatchFunc

	connMu sync.Mutex
	conn   *pgx.Conn

	mu       sync.RWMutex
	channels map[string]struct{}

	// commands serializes LISTEN/UNLISTEN through the run loop. Queuing
	// instead of calling Exec directly avoids the "conn busy" race against
	// WaitForNotification.
	commands chan connCommand
	running  atomic.Bool

	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewNotifyListener creates a listener on the given connection string.
func NewNotifyListener(connString string, dispatch DispatchFunc) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		dispatch:   dispatch,
		channels:   make(map[string]struct{}),
		commands:   make(chan connCommand, 16),
	}
}

// Start opens the dedicated connection and launches the run loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	l.setConn(conn)
	l.running.Store(true)

	// The loop gets its own cancellable context so Stop can end it before
	// the connection is closed underneath it.
	loopCtx, cancel := context.WithCancel(ctx)
	l.stopLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.run(loopCtx)
	}()

	slog.Info("Event listener started")
	return nil
}

// Stop ends the run loop, waits for it, then closes the connection. The
// wait prevents WaitForNotification from observing a closed conn.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.stopLoop != nil {
		l.stopLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
	l.closeConn(ctx)
}

// Subscribe starts delivery for a channel. Idempotent.
func (l *NotifyListener) Subscribe(ctx context.Context, channel string) error {
	if l.tracked(channel) {
		return nil
	}
	if !l.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}
	if err := l.execOnLoop(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s failed: %w", channel, err)
	}
	l.track(channel)
	slog.Debug("Subscribed to NOTIFY channel", "channel", channel)
	return nil
}

// Unsubscribe stops delivery for a channel. Idempotent; a no-op once the
// listener is stopped since the connection dies with it.
func (l *NotifyListener) Unsubscribe(ctx context.Context, channel string) error {
	if !l.tracked(channel) {
		return nil
	}
	if !l.running.Load() {
		return nil
	}
	if err := l.execOnLoop(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("UNLISTEN %s failed: %w", channel, err)
	}
	l.untrack(channel)
	return nil
}

// execOnLoop queues one statement for the run loop and waits for its
// result. Latency is bounded by waitTimeout plus execution time.
func (l *NotifyListener) execOnLoop(ctx context.Context, sql string) error {
	cmd := connCommand{sql: sql, reply: make(chan error, 1)}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run alternates between draining queued commands and waiting for
// notifications. It owns the pgx connection exclusively.
func (l *NotifyListener) run(ctx context.Context) {
	for ctx.Err() == nil {
		l.drainCommands(ctx)

		conn := l.currentConn()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				// Wait window elapsed; go service the command queue.
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

// drainCommands executes every queued LISTEN/UNLISTEN without blocking.
func (l *NotifyListener) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-l.commands:
			conn := l.currentConn()
			if conn == nil {
				cmd.reply <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.reply <- err
		default:
			return
		}
	}
}

// reconnect replaces a dead connection, pacing attempts with exponential
// backoff (1s doubling, 30s ceiling, no give-up), then re-LISTENs every
// tracked channel so subscribers never notice the gap beyond lost
// notifications, which catch-up scans cover.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.closeConn(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			wait := policy.NextBackOff()
			slog.Error("LISTEN reconnect failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		l.mu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.mu.RUnlock()

		l.setConn(conn)
		slog.Info("Event listener reconnected")
		return
	}
}

func (l *NotifyListener) currentConn() *pgx.Conn {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	return l.conn
}

func (l *NotifyListener) setConn(conn *pgx.Conn) {
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
}

func (l *NotifyListener) closeConn(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

func (l *NotifyListener) tracked(channel string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.channels[channel]
	return ok
}

func (l *NotifyListener) track(channel string) {
	l.mu.Lock()
	l.channels[channel] = struct{}{}
	l.mu.Unlock()
}

func (l *NotifyListener) untrack(channel string) {
	l.mu.Lock()
	delete(l.channels, channel)
	l.mu.Unlock()
}
