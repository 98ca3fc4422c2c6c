package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads gateway.yaml from path and returns the resolved, validated
// configuration. A missing file is not an error; the built-in defaults
// serve the standard seven-service deployment. When the file exists,
// scalar settings override defaults where set and routes merge by name:
// a route named like a default replaces it, unknown names append.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// 1. Read the file; absent means defaults only
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No gateway config file, using built-in routing table", "path", path)
			if err := validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, &LoadError{File: path, Err: err}
	}

	// 2. Expand environment variables, then parse
	data = ExpandEnv(data)
	var raw gatewayYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}

	// 3. Resolve durations and route entries
	overrides, err := resolve(&raw)
	if err != nil {
		return nil, &LoadError{File: path, Err: err}
	}

	// 4. Merge scalars over defaults; routes merge by name separately
	// because a slice merge would drop the defaults wholesale.
	defaultRoutes := cfg.Routes
	cfg.Routes = nil
	userRoutes := overrides.Routes
	overrides.Routes = nil
	if err := mergo.Merge(cfg, overrides, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge gateway config: %w", err)
	}
	cfg.Routes = mergeRoutes(defaultRoutes, userRoutes)

	// 5. Validate the final shape
	if err := validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Gateway configuration loaded", "path", path, "routes", len(cfg.Routes))
	return cfg, nil
}

// resolve converts the raw YAML representation into a Config carrying only
// the values the file actually set.
func resolve(raw *gatewayYAML) (*Config, error) {
	cfg := &Config{
		ListenAddr:   raw.ListenAddr,
		AllowOrigins: raw.AllowOrigins,
	}

	if raw.HealthInterval != "" {
		d, err := time.ParseDuration(raw.HealthInterval)
		if err != nil {
			return nil, NewValidationError("", "health_interval", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		cfg.HealthInterval = d
	}
	if raw.UpstreamTimeout != "" {
		d, err := time.ParseDuration(raw.UpstreamTimeout)
		if err != nil {
			return nil, NewValidationError("", "upstream_timeout", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		cfg.UpstreamTimeout = d
	}

	for _, r := range raw.Routes {
		cfg.Routes = append(cfg.Routes, Route{
			Name:      r.Name,
			Prefix:    r.Prefix,
			Upstream:  r.Upstream,
			WebSocket: r.WebSocket,
		})
	}
	return cfg, nil
}

// mergeRoutes overlays user routes onto the built-in table by name and
// appends the rest, keeping the built-in order stable for readability.
func mergeRoutes(builtin, user []Route) []Route {
	byName := make(map[string]Route, len(user))
	for _, r := range user {
		byName[r.Name] = r
	}

	merged := make([]Route, 0, len(builtin)+len(user))
	for _, r := range builtin {
		if override, ok := byName[r.Name]; ok {
			merged = append(merged, override)
			delete(byName, r.Name)
			continue
		}
		merged = append(merged, r)
	}
	for _, r := range user {
		if _, pending := byName[r.Name]; pending {
			merged = append(merged, r)
			delete(byName, r.Name)
		}
	}
	return merged
}
