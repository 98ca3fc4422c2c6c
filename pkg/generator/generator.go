// Package generator talks to the external text generator that turns
// extracted document text into lessons, quizzes, notes and optional scene
// scripts. The production client speaks to any OpenAI-compatible chat
// completions endpoint; a deterministic stub covers development and tests.
package generator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chalklabs/chalk/pkg/models"
)

// ErrBadResponse means the generator replied, but not with parseable,
// schema-conforming JSON even after retries with feedback.
var ErrBadResponse = errors.New("generator returned an unusable response")

// LessonRequest is everything the generator gets to work with for a lesson.
type LessonRequest struct {
	DocumentID string
	TitleHint  string
	Text       string
	ImageRefs  []string
}

// Generator produces the AI-derived artifacts. Implementations must be safe
// for concurrent use.
type Generator interface {
	GenerateLesson(ctx context.Context, req LessonRequest) (*models.LessonContent, error)
	GenerateQuiz(ctx context.Context, lesson *models.Lesson) ([]models.Question, error)
	GenerateNotes(ctx context.Context, lesson *models.Lesson) ([]models.NoteSection, error)
	// GenerateScenes may decline (any error); callers fall back to
	// synthesizing scenes from the lesson sections.
	GenerateScenes(ctx context.Context, lesson *models.Lesson) ([]models.Scene, error)
}

// Config selects and tunes the generator backend.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// LoadConfigFromEnv reads GENERATOR_* settings.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:    os.Getenv("GENERATOR_BASE_URL"),
		APIKey:     os.Getenv("GENERATOR_API_KEY"),
		Model:      os.Getenv("GENERATOR_MODEL"),
		Timeout:    60 * time.Second,
		MaxRetries: 3,
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if raw := os.Getenv("GENERATOR_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Timeout = d
		}
	}
	return cfg
}

// FromEnv builds the configured generator. Without an API key or base URL
// the stub takes over, which keeps the whole pipeline runnable locally.
func FromEnv() Generator {
	if strings.EqualFold(os.Getenv("GENERATOR_MODE"), "stub") {
		slog.Info("Using stub generator (GENERATOR_MODE=stub)")
		return NewStub()
	}
	cfg := LoadConfigFromEnv()
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		slog.Warn("No generator configured, using deterministic stub",
			"hint", "set GENERATOR_API_KEY or GENERATOR_BASE_URL")
		return NewStub()
	}
	return NewOpenAI(cfg)
}
