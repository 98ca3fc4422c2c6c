package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/metrics"
)

// eventsWSHandler handles GET /ws/events.
// Hands the connection to the event manager, which owns subscriptions,
// catch-up replay and keepalive until the peer goes away.
func (s *Server) eventsWSHandler(c *gin.Context) {
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

	// 2. Upgrade
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.WSOpened(s.cfg.Service)
	defer metrics.WSClosed(s.cfg.Service)

	// 3. Block until the connection closes
	s.cfg.ConnMgr.HandleConnection(c.Request.Context(), conn, p.UserID, p.IsAdmin())
}
