package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/services"
)

const (
	// wsWriteTimeout bounds every outbound frame write.
	wsWriteTimeout = 10 * time.Second
	// wsMaxMessageSize bounds inbound command frames; commands are tiny.
	wsMaxMessageSize = 1024
	// commandRate and commandBurst shed command floods from a hostile or
	// broken client without killing the channel.
	commandRate  = rate.Limit(20)
	commandBurst = 40
)

// Origin checks happen at the gateway; services behind it accept any.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClientFrame is any client-to-server message; type discriminates.
type wsClientFrame struct {
	Type string `json:"type"`
}

// wsErrorFrame reports a terminal error in-band before the channel closes.
type wsErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// wsBearerToken resolves the caller's token for a WebSocket dial. Browsers
// cannot set headers on WebSocket requests, so a token query parameter is
// accepted alongside the Authorization header.
func wsBearerToken(c *gin.Context) string {
	if token := extractBearer(c.GetHeader("Authorization")); token != "" {
		return token
	}
	return c.Query("token")
}

// teachingWSHandler handles GET /ws/teaching/:session_id.
// Streams the session's visualization scenes in order and advances on
// client acks or scene duration, whichever comes first. One channel per
// open tab; an abrupt disconnect frees the playback without touching
// persisted state.
func (s *Server) teachingWSHandler(c *gin.Context) {
	// 1. Authenticate before upgrading
	token := wsBearerToken(c)
	if token == "" {
		writeError(c, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}
	p, err := s.cfg.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 2. Upgrade; gorilla writes the handshake error itself on failure
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.WSOpened(s.cfg.Service)
	defer metrics.WSClosed(s.cfg.Service)

	// 3. Resolve the session down to its scenes. Failures are reported
	// in-band so the client can tell why the channel is closing.
	playback, err := s.cfg.Teaching.LoadSession(c.Request.Context(), p, c.Param("session_id"))
	if err != nil {
		writeWSError(conn, err)
		return
	}

	// 4. Pump client commands into the playback loop
	cmds := make(chan services.PlaybackCommand, 8)
	go readPlaybackCommands(conn, cmds)

	// 5. Stream scenes until done or the peer goes away
	send := func(msg any) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(msg)
	}
	if err := s.cfg.Teaching.RunPlayback(c.Request.Context(), playback.Visualization.Scenes, cmds, send); err != nil {
		slog.Debug("Playback ended with error", "session_id", playback.Session.ID, "error", err)
		return
	}

	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// readPlaybackCommands parses client frames into playback commands until
// the peer disconnects, then closes cmds so the playback loop tears down.
// It never blocks on a full channel; a command the loop is not consuming
// is stale by definition and dropped.
func readPlaybackCommands(conn *websocket.Conn, cmds chan<- services.PlaybackCommand) {
	defer close(cmds)
	conn.SetReadLimit(wsMaxMessageSize)
	limiter := rate.NewLimiter(commandRate, commandBurst)
	for {
		var frame wsClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}
		cmd, ok := services.ParsePlaybackCommand(frame.Type)
		if !ok {
			continue
		}
		select {
		case cmds <- cmd:
		default:
		}
	}
}

// writeWSError sends an error frame mapped through the same taxonomy the
// HTTP envelope uses.
func writeWSError(conn *websocket.Conn, err error) {
	code, message := "internal", "internal server error"
	if errors.Is(err, services.ErrGenerating) {
		code, message = "generating", "content is still being generated, retry shortly"
	} else if _, c, msg, ok := classifyServiceError(err); ok {
		code, message = c, msg
	} else {
		slog.Error("unhandled playback error", "error", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(wsErrorFrame{Type: "error", Error: code, Message: message})
}
