package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chalklabs/chalk/pkg/config"
)

// healthPollTimeout bounds one upstream /healthz probe.
const healthPollTimeout = 5 * time.Second

// UpstreamHealth is one upstream's gated state as shown on the gateway's
// own /healthz.
type UpstreamHealth struct {
	Healthy   bool      `json:"healthy"`
	Upstream  string    `json:"upstream"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
}

// HealthGate keeps a liveness verdict per upstream. Real-traffic failures
// mark an upstream down immediately; only a successful background poll
// brings it back, because a gated upstream receives no traffic to prove
// itself with. Upstreams start healthy so a booting gateway does not shed
// traffic it has never tried.
type HealthGate struct {
	interval time.Duration
	client   *http.Client

	mu     sync.RWMutex
	states map[string]*upstreamState
}

// upstreamState tracks one distinct upstream base URL. Routes sharing an
// upstream share its state; the label is the first route name that
// registered it.
type upstreamState struct {
	label     string
	base      string
	healthy   bool
	lastError string
	checkedAt time.Time
}

// NewHealthGate builds the gate over the distinct upstreams in the table.
func NewHealthGate(routes []config.Route, interval time.Duration) *HealthGate {
	g := &HealthGate{
		interval: interval,
		client:   &http.Client{Timeout: healthPollTimeout},
		states:   make(map[string]*upstreamState),
	}
	for _, r := range routes {
		if _, ok := g.states[r.Upstream]; ok {
			continue
		}
		g.states[r.Upstream] = &upstreamState{label: r.Name, base: r.Upstream, healthy: true}
	}
	return g
}

// Healthy reports whether traffic may be sent to the upstream.
func (g *HealthGate) Healthy(upstream string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.states[upstream]
	if !ok {
		// Unknown upstreams are not gated; the proxy will learn the truth.
		return true
	}
	return st.healthy
}

// RecordFailure marks an upstream down from a real-traffic outcome.
func (g *HealthGate) RecordFailure(upstream, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[upstream]
	if !ok {
		return
	}
	if st.healthy {
		slog.Warn("Upstream marked unhealthy", "upstream", st.label, "reason", reason)
	}
	st.healthy = false
	st.lastError = reason
}

// Snapshot returns the per-upstream view for the gateway's /healthz.
func (g *HealthGate) Snapshot() map[string]UpstreamHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]UpstreamHealth, len(g.states))
	for _, st := range g.states {
		out[st.label] = UpstreamHealth{
			Healthy:   st.healthy,
			Upstream:  st.base,
			LastError: st.lastError,
			CheckedAt: st.checkedAt,
		}
	}
	return out
}

// Run polls every upstream's /healthz on the configured interval until
// ctx ends. The first sweep happens immediately.
func (g *HealthGate) Run(ctx context.Context) {
	g.sweep(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *HealthGate) sweep(ctx context.Context) {
	g.mu.RLock()
	bases := make([]string, 0, len(g.states))
	for base := range g.states {
		bases = append(bases, base)
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, base := range bases {
		wg.Add(1)
		go func(base string) {
			defer wg.Done()
			healthy, reason := g.probe(ctx, base)
			g.record(base, healthy, reason)
		}(base)
	}
	wg.Wait()
}

func (g *HealthGate) probe(ctx context.Context, base string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("healthz returned %d", resp.StatusCode)
	}
	return true, ""
}

func (g *HealthGate) record(base string, healthy bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[base]
	if !ok {
		return
	}
	if healthy != st.healthy {
		if healthy {
			slog.Info("Upstream restored", "upstream", st.label)
		} else {
			slog.Warn("Upstream marked unhealthy", "upstream", st.label, "reason", reason)
		}
	}
	st.healthy = healthy
	st.lastError = reason
	st.checkedAt = time.Now()
}
