// Package cleanup enforces data retention. Each binary runs one Service
// over the tables it owns; passes are idempotent and safe to run from
// multiple pods at once.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Defaults for the retention knobs.
const (
	DefaultInterval         = time.Hour
	DefaultEventTTL         = 72 * time.Hour
	DefaultTokenGrace       = 24 * time.Hour
	DefaultOTPGrace         = time.Hour
	DefaultLessonStaleAfter = 30 * time.Minute
)

// Config tunes the cleanup loop. Grace periods keep expired rows around a
// little longer so they still explain client errors in support cases.
type Config struct {
	Interval         time.Duration
	EventTTL         time.Duration
	TokenGrace       time.Duration
	OTPGrace         time.Duration
	LessonStaleAfter time.Duration
}

// LoadConfigFromEnv reads the CLEANUP_* environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Interval:         DefaultInterval,
		EventTTL:         DefaultEventTTL,
		TokenGrace:       DefaultTokenGrace,
		OTPGrace:         DefaultOTPGrace,
		LessonStaleAfter: DefaultLessonStaleAfter,
	}
	for _, knob := range []struct {
		env string
		dst *time.Duration
	}{
		{"CLEANUP_INTERVAL", &cfg.Interval},
		{"CLEANUP_EVENT_TTL", &cfg.EventTTL},
		{"CLEANUP_TOKEN_GRACE", &cfg.TokenGrace},
		{"CLEANUP_OTP_GRACE", &cfg.OTPGrace},
		{"CLEANUP_LESSON_STALE_AFTER", &cfg.LessonStaleAfter},
	} {
		v := os.Getenv(knob.env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", knob.env, err)
		}
		*knob.dst = d
	}
	return cfg, nil
}

// OTPPurger removes consumed and expired one-time codes.
// Satisfied by *store.OTPs.
type OTPPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TokenPurger removes refresh tokens past their expiry.
// Satisfied by *store.Sessions.
type TokenPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// EventPurger removes bus rows past the TTL. Consumers that far behind
// re-derive from the durable tables anyway.
// Satisfied by *store.Events.
type EventPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LessonFailer fails lessons stuck in generating.
// Satisfied by *store.Lessons.
type LessonFailer interface {
	FailStaleGenerating(ctx context.Context, before time.Time, reason string) (int64, error)
}

// staleLessonReason is the failure_reason written to abandoned lessons.
const staleLessonReason = "generation abandoned: no terminal status written"

// Service runs the retention passes on an interval. Any dependency may be
// nil; its pass is skipped, so each binary wires only its own tables.
type Service struct {
	cfg      Config
	otps     OTPPurger
	sessions TokenPurger
	events   EventPurger
	lessons  LessonFailer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service over the given stores.
func NewService(cfg Config, otps OTPPurger, sessions TokenPurger, events EventPurger, lessons LessonFailer) *Service {
	return &Service{
		cfg:      cfg,
		otps:     otps,
		sessions: sessions,
		events:   events,
		lessons:  lessons,
	}
}

// Start launches the background cleanup loop. The first pass runs
// immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "interval", s.cfg.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every configured pass a single time.
func (s *Service) RunOnce(ctx context.Context) {
	now := time.Now()
	if s.otps != nil {
		s.pass(ctx, "expired OTPs", func(ctx context.Context) (int64, error) {
			return s.otps.DeleteExpired(ctx, now.Add(-s.cfg.OTPGrace))
		})
	}
	if s.sessions != nil {
		s.pass(ctx, "expired refresh tokens", func(ctx context.Context) (int64, error) {
			return s.sessions.DeleteExpired(ctx, now.Add(-s.cfg.TokenGrace))
		})
	}
	if s.events != nil {
		s.pass(ctx, "old events", func(ctx context.Context) (int64, error) {
			return s.events.DeleteBefore(ctx, now.Add(-s.cfg.EventTTL))
		})
	}
	if s.lessons != nil {
		s.pass(ctx, "stale generating lessons", func(ctx context.Context) (int64, error) {
			return s.lessons.FailStaleGenerating(ctx, now.Add(-s.cfg.LessonStaleAfter), staleLessonReason)
		})
	}
}

func (s *Service) pass(ctx context.Context, what string, fn func(ctx context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		slog.Warn("Cleanup pass failed", "pass", what, "error", err)
		return
	}
	if count > 0 {
		slog.Info("Cleanup pass removed rows", "pass", what, "count", count)
	}
}
