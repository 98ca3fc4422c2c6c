package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"

	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
)

// maxPromptChars bounds how much document text rides in one prompt.
const maxPromptChars = 12000

// OpenAI generates artifacts via an OpenAI-compatible chat completions API.
type OpenAI struct {
	client        *openai.Client
	model         string
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
}

// NewOpenAI builds the production generator client.
func NewOpenAI(cfg Config) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &OpenAI{
		client:        openai.NewClientWithConfig(clientCfg),
		model:         cfg.Model,
		timeout:       cfg.Timeout,
		maxRetries:    retries,
		retryInterval: time.Second,
	}
}

func (g *OpenAI) GenerateLesson(ctx context.Context, req LessonRequest) (*models.LessonContent, error) {
	prompt := lessonPrompt(req)
	var content models.LessonContent
	err := g.generate(ctx, "lesson", lessonSystemPrompt, prompt, func(raw []byte) error {
		var parsed models.LessonContent
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if err := validateLesson(&parsed, req.ImageRefs); err != nil {
			return err
		}
		content = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &content, nil
}

func (g *OpenAI) GenerateQuiz(ctx context.Context, lesson *models.Lesson) ([]models.Question, error) {
	var questions []models.Question
	err := g.generate(ctx, "quiz", quizSystemPrompt, quizPrompt(lesson), func(raw []byte) error {
		var parsed struct {
			Questions []models.Question `json:"questions"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if err := validateQuestions(parsed.Questions); err != nil {
			return err
		}
		questions = parsed.Questions
		return nil
	})
	if err != nil {
		return nil, err
	}
	return questions, nil
}

func (g *OpenAI) GenerateNotes(ctx context.Context, lesson *models.Lesson) ([]models.NoteSection, error) {
	var sections []models.NoteSection
	err := g.generate(ctx, "notes", notesSystemPrompt, notesPrompt(lesson), func(raw []byte) error {
		var parsed struct {
			Sections []models.NoteSection `json:"sections"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if err := validateNotes(parsed.Sections); err != nil {
			return err
		}
		sections = parsed.Sections
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sections, nil
}

func (g *OpenAI) GenerateScenes(ctx context.Context, lesson *models.Lesson) ([]models.Scene, error) {
	var scenes []models.Scene
	err := g.generate(ctx, "scenes", scenesSystemPrompt, scenesPrompt(lesson), func(raw []byte) error {
		var parsed struct {
			Scenes []models.Scene `json:"scenes"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if len(parsed.Scenes) == 0 {
			return errors.New("no scenes in response")
		}
		scenes = parsed.Scenes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scenes, nil
}

// generate runs the completion-and-parse loop: exponential backoff across
// attempts, and when a reply parses badly the parse error is fed back into
// the next prompt so the model can correct itself.
func (g *OpenAI) generate(ctx context.Context, artifact, system, prompt string, parse func([]byte) error) error {
	var lastParseErr error
	attempt := 0

	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.RecordGeneratorRetry(artifact)
		}
		user := prompt
		if lastParseErr != nil {
			user = fmt.Sprintf("%s\n\nYour previous reply was rejected: %v.\nReply again with a single JSON object that matches the schema exactly.",
				prompt, lastParseErr)
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		resp, err := g.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Temperature: 0.2,
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("generator call failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return errors.New("generator returned no choices")
		}

		raw := extractJSON(resp.Choices[0].Message.Content)
		if err := parse([]byte(raw)); err != nil {
			lastParseErr = err
			slog.Warn("Generator response rejected", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(g.retryPolicy(), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if lastParseErr != nil {
			return fmt.Errorf("%w after %d attempts: %v", ErrBadResponse, attempt, lastParseErr)
		}
		return err
	}
	return nil
}

// retryPolicy is exponential from the configured interval, bounded to
// maxRetries total attempts.
func (g *OpenAI) retryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.retryInterval
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(g.maxRetries-1))
}

// extractJSON tolerates models that wrap JSON in a markdown fence.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	return content
}

func validateLesson(content *models.LessonContent, knownRefs []string) error {
	if strings.TrimSpace(content.Title) == "" {
		return errors.New("lesson title is empty")
	}
	if len(content.Sections) == 0 {
		return errors.New("lesson has no sections")
	}
	known := make(map[string]bool, len(knownRefs))
	for _, ref := range knownRefs {
		known[ref] = true
	}
	for i := range content.Sections {
		s := &content.Sections[i]
		if strings.TrimSpace(s.Heading) == "" {
			return fmt.Errorf("section %d has no heading", i)
		}
		if strings.TrimSpace(s.Content) == "" {
			return fmt.Errorf("section %d has no content", i)
		}
		// Hallucinated image references are dropped, not fatal.
		if len(s.ImageRefs) > 0 {
			kept := s.ImageRefs[:0]
			for _, ref := range s.ImageRefs {
				if known[ref] {
					kept = append(kept, ref)
				}
			}
			s.ImageRefs = kept
		}
	}
	return nil
}

func validateQuestions(questions []models.Question) error {
	if len(questions) == 0 {
		return errors.New("quiz has no questions")
	}
	for i, q := range questions {
		if strings.TrimSpace(q.Question) == "" {
			return fmt.Errorf("question %d is empty", i)
		}
		if len(q.Options) < 2 {
			return fmt.Errorf("question %d has %d options, need at least 2", i, len(q.Options))
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return fmt.Errorf("question %d correct_index %d out of range", i, q.CorrectIndex)
		}
	}
	return nil
}

func validateNotes(sections []models.NoteSection) error {
	if len(sections) == 0 {
		return errors.New("notes have no sections")
	}
	for i, s := range sections {
		if strings.TrimSpace(s.Heading) == "" {
			return fmt.Errorf("notes section %d has no heading", i)
		}
		if len(s.Bullets) == 0 {
			return fmt.Errorf("notes section %d has no bullets", i)
		}
	}
	return nil
}
