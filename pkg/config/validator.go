package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate checks the resolved configuration, fail-fast at the first
// problem so startup errors point at one thing.
func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return NewValidationError("", "listen_addr", ErrMissingRequiredField)
	}
	if cfg.HealthInterval <= 0 {
		return NewValidationError("", "health_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.UpstreamTimeout <= 0 {
		return NewValidationError("", "upstream_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if len(cfg.Routes) == 0 {
		return NewValidationError("", "routes", fmt.Errorf("%w: at least one route required", ErrMissingRequiredField))
	}
	if len(cfg.AllowOrigins) == 0 {
		return NewValidationError("", "allow_origins", fmt.Errorf("%w: at least one origin required", ErrMissingRequiredField))
	}

	seenPrefix := make(map[string]string, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if r.Name == "" {
			return NewValidationError(r.Prefix, "name", ErrMissingRequiredField)
		}
		if err := validatePrefix(r); err != nil {
			return err
		}
		if other, dup := seenPrefix[r.Prefix]; dup {
			return NewValidationError(r.Name, "prefix",
				fmt.Errorf("%w: %q already routed by %q", ErrInvalidValue, r.Prefix, other))
		}
		seenPrefix[r.Prefix] = r.Name

		if err := validateUpstream(r); err != nil {
			return err
		}
	}
	return nil
}

func validatePrefix(r Route) error {
	if r.Prefix == "" {
		return NewValidationError(r.Name, "prefix", ErrMissingRequiredField)
	}
	if !strings.HasPrefix(r.Prefix, "/") {
		return NewValidationError(r.Name, "prefix", fmt.Errorf("%w: must start with /", ErrInvalidValue))
	}
	// Wildcards stand in for exactly one path segment; anything like
	// "/api/x*" is a typo the router would silently never match.
	for _, seg := range strings.Split(strings.Trim(r.Prefix, "/"), "/") {
		if strings.Contains(seg, "*") && seg != "*" {
			return NewValidationError(r.Name, "prefix",
				fmt.Errorf("%w: wildcard must span a whole segment", ErrInvalidValue))
		}
	}
	return nil
}

func validateUpstream(r Route) error {
	if r.Upstream == "" {
		return NewValidationError(r.Name, "upstream", ErrMissingRequiredField)
	}
	u, err := url.Parse(r.Upstream)
	if err != nil {
		return NewValidationError(r.Name, "upstream", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewValidationError(r.Name, "upstream",
			fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidValue, u.Scheme))
	}
	if u.Host == "" {
		return NewValidationError(r.Name, "upstream", fmt.Errorf("%w: missing host", ErrInvalidValue))
	}
	return nil
}
