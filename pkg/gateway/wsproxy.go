package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/chalklabs/chalk/pkg/config"
	"github.com/chalklabs/chalk/pkg/metrics"
)

const (
	// wsHandshakeTimeout bounds the upstream dial.
	wsHandshakeTimeout = 10 * time.Second
	// wsCloseGrace bounds how long a propagated close frame may take to send.
	wsCloseGrace = 5 * time.Second
)

// wsProxy bridges a client WebSocket to the upstream one. The upstream is
// dialed first so a refused handshake can still be answered with a plain
// HTTP status; after both sides are upgraded, frames flow byte-for-byte
// in both directions until either side closes.
func (g *Gateway) wsProxy(c *gin.Context, route config.Route, started time.Time) {
	target, err := url.Parse(route.Upstream)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
		observe(route.Name, http.StatusBadGateway, started)
		return
	}
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = c.Request.URL.Path
	target.RawQuery = c.Request.URL.RawQuery

	// 1. Dial the upstream, forwarding the bearer and subprotocols
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Subprotocols:     websocket.Subprotocols(c.Request),
	}
	header := http.Header{}
	if auth := c.GetHeader("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	}
	upstream, resp, err := dialer.DialContext(c.Request.Context(), target.String(), header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			// The upstream answered with plain HTTP (401 and friends);
			// relay its verdict instead of inventing one.
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxWrappedErrorBytes))
			resp.Body.Close()
			contentType := resp.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/json"
			}
			c.Data(resp.StatusCode, contentType, body)
			observe(route.Name, resp.StatusCode, started)
			return
		}
		g.gate.RecordFailure(route.Upstream, err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
		observe(route.Name, http.StatusBadGateway, started)
		return
	}
	defer upstream.Close()
	if resp != nil {
		resp.Body.Close()
	}

	// 2. Upgrade the client, honoring the subprotocol the upstream picked
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := g.matchOrigin(origin)
			return ok
		},
	}
	var acceptHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		acceptHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	client, err := upgrader.Upgrade(c.Writer, c.Request, acceptHeader)
	if err != nil {
		// Upgrade already wrote its own HTTP error to the client.
		observe(route.Name, http.StatusBadRequest, started)
		return
	}
	defer client.Close()
	observe(route.Name, http.StatusSwitchingProtocols, started)
	metrics.WSOpened("gateway")
	defer metrics.WSClosed("gateway")

	// 3. Pump frames both ways; first failure ends the session
	errc := make(chan error, 2)
	go wsPump(client, upstream, errc)
	go wsPump(upstream, client, errc)
	first := <-errc

	// Propagate the close code when there is one; both writes are best
	// effort since one side is already gone.
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	var ce *websocket.CloseError
	if errors.As(first, &ce) && ce.Code != websocket.CloseNoStatusReceived {
		closeMsg = websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
	deadline := time.Now().Add(wsCloseGrace)
	_ = client.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	_ = upstream.WriteControl(websocket.CloseMessage, closeMsg, deadline)
}

// wsPump copies messages from src to dst until either side fails.
func wsPump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, r, err := src.NextReader()
		if err != nil {
			errc <- err
			return
		}
		w, err := dst.NextWriter(messageType)
		if err != nil {
			errc <- err
			return
		}
		if _, err := io.Copy(w, r); err != nil {
			errc <- err
			return
		}
		if err := w.Close(); err != nil {
			errc <- err
			return
		}
	}
}
