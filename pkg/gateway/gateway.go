// Package gateway is the single ingress for the chalk services: a
// declarative-table reverse proxy with per-upstream health gating,
// verbatim bearer forwarding, WebSocket proxying and uniform error
// translation. The gateway never validates tokens and never retries;
// both belong to the services and the clients respectively.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/config"
	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/version"
)

// Gateway proxies client traffic to the configured upstreams.
type Gateway struct {
	cfg    *config.Config
	table  *table
	gate   *HealthGate
	client *http.Client
	http   *http.Server
}

// New assembles a gateway from its configuration. Run the health gate
// with Start, or drive RunHealthGate yourself in tests.
func New(cfg *config.Config) *Gateway {
	client := &http.Client{Timeout: cfg.UpstreamTimeout}
	return &Gateway{
		cfg:    cfg,
		table:  newTable(cfg.Routes),
		gate:   NewHealthGate(cfg.Routes, cfg.HealthInterval),
		client: client,
	}
}

// Router builds the gin engine: operational endpoints plus the catch-all
// proxy. Everything that is not /healthz or /metrics goes to the table.
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(g.corsMiddleware())

	router.GET("/healthz", g.healthzHandler)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.NoRoute(g.proxyHandler)

	return router
}

// RunHealthGate polls upstream health until ctx ends.
func (g *Gateway) RunHealthGate(ctx context.Context) {
	g.gate.Run(ctx)
}

// Start serves on the configured address and blocks until the listener
// closes. The health gate runs alongside and stops with ctx.
func (g *Gateway) Start(ctx context.Context) error {
	go g.RunHealthGate(ctx)
	g.http = &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.http == nil {
		return nil
	}
	return g.http.Shutdown(ctx)
}

// corsMiddleware answers preflights and stamps CORS headers. The gateway
// is the origin checkpoint for the whole system; services behind it
// accept anything.
func (g *Gateway) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowed, ok := g.matchOrigin(origin); ok {
			c.Header("Access-Control-Allow-Origin", allowed)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// matchOrigin returns the Access-Control-Allow-Origin value for a request
// origin, echoing the origin itself when the list allows it so
// credentialed requests work.
func (g *Gateway) matchOrigin(origin string) (string, bool) {
	for _, allowed := range g.cfg.AllowOrigins {
		if allowed == "*" {
			if origin != "" {
				return origin, true
			}
			return "*", true
		}
		if allowed == origin && origin != "" {
			return origin, true
		}
	}
	return "", false
}

// gatewayHealth is the /healthz body: the gateway's own status plus the
// gated view of every upstream.
type gatewayHealth struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Version   string                    `json:"version"`
	Upstreams map[string]UpstreamHealth `json:"upstreams"`
}

// healthzHandler handles GET /healthz.
// The gateway itself is healthy as long as it serves; a down upstream
// degrades the report without failing it, since the gateway still routes
// everything else.
func (g *Gateway) healthzHandler(c *gin.Context) {
	upstreams := g.gate.Snapshot()
	status := "healthy"
	for _, u := range upstreams {
		if !u.Healthy {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, gatewayHealth{
		Status:    status,
		Service:   "gateway",
		Version:   version.GitCommit,
		Upstreams: upstreams,
	})
}

// observe records one proxied request under the matched route's name,
// keeping metric cardinality at the size of the routing table.
func observe(routeName string, status int, started time.Time) {
	metrics.ObserveHTTP("gateway", routeName, strconv.Itoa(status), time.Since(started).Seconds())
}
