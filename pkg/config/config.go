// Package config loads the gateway's declarative configuration: the
// routing table mapping path prefixes to upstream services, health gate
// cadence, proxy deadlines and CORS origins. Built-in defaults cover the
// standard seven-service deployment; a gateway.yaml overrides per route
// name, with environment variables expanded before parsing.
package config

import "time"

// Config is the resolved gateway configuration, ready for use.
type Config struct {
	// ListenAddr is the gateway's own bind address.
	ListenAddr string
	// HealthInterval is the cadence of the background upstream /healthz poll.
	HealthInterval time.Duration
	// UpstreamTimeout bounds every proxied HTTP call end to end.
	UpstreamTimeout time.Duration
	// AllowOrigins lists the CORS origins the gateway answers for. A single
	// "*" allows any origin.
	AllowOrigins []string
	// Routes is the routing table, unordered; matching is most specific
	// prefix first regardless of declaration order.
	Routes []Route
}

// Route maps one path prefix onto an upstream service.
type Route struct {
	// Name labels the upstream in logs, metrics and the health view.
	Name string
	// Prefix is the inbound path prefix to match, e.g. "/api/auth/".
	Prefix string
	// Upstream is the base URL requests are forwarded to.
	Upstream string
	// WebSocket marks the prefix as an upgrade route proxied frame-wise
	// instead of request-wise.
	WebSocket bool
}

// gatewayYAML is the gateway.yaml file structure. Durations are strings
// ("10s", "1m30s") parsed during resolution.
type gatewayYAML struct {
	ListenAddr      string      `yaml:"listen_addr"`
	HealthInterval  string      `yaml:"health_interval"`
	UpstreamTimeout string      `yaml:"upstream_timeout"`
	AllowOrigins    []string    `yaml:"allow_origins"`
	Routes          []routeYAML `yaml:"routes"`
}

type routeYAML struct {
	Name      string `yaml:"name"`
	Prefix    string `yaml:"prefix"`
	Upstream  string `yaml:"upstream"`
	WebSocket bool   `yaml:"websocket"`
}
