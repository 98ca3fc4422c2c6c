package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// maxWrappedErrorBytes bounds how much of a non-JSON upstream error body
// gets wrapped into the JSON envelope.
const maxWrappedErrorBytes = 8 << 10

// hopHeaders are stripped from upstream responses; they describe the
// upstream hop, not the client one.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// proxyHandler is the catch-all: match the table, gate on upstream
// health, forward once, translate failures. It never retries; replaying
// a possibly-applied upload or submission is the client's call to make.
func (g *Gateway) proxyHandler(c *gin.Context) {
	started := time.Now()

	// 1. Resolve the route
	route, ok := g.table.match(c.Request.URL.Path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		observe("unmatched", http.StatusNotFound, started)
		return
	}

	// 2. Gate on upstream health before spending a dial on it
	if !g.gate.Healthy(route.Upstream) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
		observe(route.Name, http.StatusServiceUnavailable, started)
		return
	}

	if route.WebSocket {
		g.wsProxy(c, route, started)
		return
	}

	// 3. Build the outbound request: full path and query, streamed body
	target, err := url.Parse(route.Upstream)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
		observe(route.Name, http.StatusBadGateway, started)
		return
	}
	target.Path = c.Request.URL.Path
	target.RawQuery = c.Request.URL.RawQuery

	outReq, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
		observe(route.Name, http.StatusBadGateway, started)
		return
	}
	outReq.ContentLength = c.Request.ContentLength
	g.forwardHeaders(c, outReq.Header)

	// 4. One attempt, translated on failure
	resp, err := g.client.Do(outReq)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// The client went away; nothing to answer and nothing wrong
			// upstream.
			c.Abort()
			return
		}
		g.gate.RecordFailure(route.Upstream, err.Error())
		if isTimeout(err) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "upstream_timeout"})
			observe(route.Name, http.StatusGatewayTimeout, started)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
		observe(route.Name, http.StatusBadGateway, started)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		g.gate.RecordFailure(route.Upstream, fmt.Sprintf("upstream returned %d", resp.StatusCode))
	}

	// 5. Relay the response. Error statuses keep the upstream's code; a
	// non-JSON error body gets wrapped so clients always see the envelope.
	if resp.StatusCode >= http.StatusBadRequest && !isJSONContent(resp.Header.Get("Content-Type")) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxWrappedErrorBytes))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.JSON(resp.StatusCode, gin.H{"error": msg})
		observe(route.Name, resp.StatusCode, started)
		return
	}

	header := c.Writer.Header()
	for k, vals := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Mid-stream failure: the status line is gone already, so all we
		// can do is cut the connection short.
		c.Abort()
	}
	observe(route.Name, resp.StatusCode, started)
}

// forwardHeaders copies the allowlisted inbound headers onto the outbound
// request. The bearer goes through verbatim; the gateway never inspects
// it. A request id is minted when the client did not send one, and echoed
// back so the client can quote it.
func (g *Gateway) forwardHeaders(c *gin.Context, out http.Header) {
	for _, h := range []string{"Authorization", "Content-Type"} {
		if v := c.GetHeader(h); v != "" {
			out.Set(h, v)
		}
	}
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	out.Set(requestIDHeader, requestID)
	c.Header(requestIDHeader, requestID)
}

func isTimeout(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isJSONContent(contentType string) bool {
	mediatype, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mediatype) == "application/json"
}
