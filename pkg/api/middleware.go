package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/metrics"
)

// securityHeaders sets standard security response headers on every route.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// corsMiddleware answers preflight requests and stamps CORS headers so
// the whiteboard frontend can call the API from another origin.
func corsMiddleware(allowOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireAuth authenticates the bearer token and stores the resolved
// principal on the request context. Requests without a valid token never
// reach the handler.
func requireAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			writeError(c, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}
		p, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// observeMetrics records request duration and status per route.
func observeMetrics(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTP(service, route, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
