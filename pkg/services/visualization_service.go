package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chalklabs/chalk/pkg/canvas"
	"github.com/chalklabs/chalk/pkg/events"
	"github.com/chalklabs/chalk/pkg/generator"
	"github.com/chalklabs/chalk/pkg/metrics"
	"github.com/chalklabs/chalk/pkg/models"
	"github.com/chalklabs/chalk/pkg/store"
)

// VisualizationStore is the slice of the visualizations store the service
// needs.
type VisualizationStore interface {
	Insert(ctx context.Context, v *models.Visualization) error
	Get(ctx context.Context, id string) (*models.Visualization, error)
	LatestByLesson(ctx context.Context, lessonID string) (*models.Visualization, error)
}

// LessonReader resolves lessons for content and ownership checks. The
// derived-artifact services (visualization, quiz, teaching) all read
// lessons through it.
type LessonReader interface {
	Get(ctx context.Context, id string) (*models.Lesson, error)
}

// VisualizationEvents is the slice of the publisher the service emits on.
type VisualizationEvents interface {
	PublishVisualizationReady(ctx context.Context, payload events.VisualizationReadyPayload) error
}

// VisualizationService turns ready lessons into resolved scene sequences.
// It consumes lesson.ready events and serves the synchronous pipeline
// endpoint.
type VisualizationService struct {
	vizzes  VisualizationStore
	lessons LessonReader
	gen     generator.Generator
	events  VisualizationEvents
	now     func() time.Time
}

// NewVisualizationService creates a new VisualizationService.
func NewVisualizationService(vizzes VisualizationStore, lessons LessonReader, gen generator.Generator, ev VisualizationEvents) *VisualizationService {
	return &VisualizationService{
		vizzes:  vizzes,
		lessons: lessons,
		gen:     gen,
		events:  ev,
		now:     time.Now,
	}
}

// HandleLessonReady is the lesson.ready consumer entrypoint.
func (s *VisualizationService) HandleLessonReady(ctx context.Context, evt models.Event) error {
	var payload events.LessonReadyPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		slog.Error("Dropping malformed lesson.ready event", "event_id", evt.ID, "error", err)
		return nil
	}
	if payload.LessonID == "" {
		slog.Error("Dropping lesson.ready event without lesson_id", "event_id", evt.ID)
		return nil
	}
	return s.GenerateForLesson(ctx, payload.LessonID)
}

// GenerateForLesson builds and persists the visualization for a lesson.
// Idempotent on lesson_id: any existing record means another delivery or
// pod already handled it.
func (s *VisualizationService) GenerateForLesson(ctx context.Context, lessonID string) error {
	if existing, err := s.vizzes.LatestByLesson(ctx, lessonID); err == nil {
		slog.Info("Visualization already exists, skipping",
			"lesson_id", lessonID, "visualization_id", existing.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check for existing visualization: %w", err)
	}

	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Lesson gone before visualization", "lesson_id", lessonID)
			return nil
		}
		return fmt.Errorf("failed to get lesson: %w", err)
	}
	if lesson.Status != models.LessonReady {
		slog.Warn("Lesson not ready, skipping visualization",
			"lesson_id", lessonID, "status", lesson.Status)
		return nil
	}

	v, err := s.build(ctx, lesson, nil)
	if err != nil {
		return err
	}
	if v.Status == models.VizInvalid {
		slog.Warn("Visualization invalid",
			"lesson_id", lessonID, "visualization_id", v.ID, "errors", len(v.Errors))
		return nil
	}

	s.publishReady(ctx, lesson, v)
	return nil
}

// build runs the pipeline over the candidate scenes and persists the
// outcome. A nil candidate means ask the generator, falling back to scenes
// synthesized from the lesson sections. Invalid visualizations are persisted
// too; only storage failures return an error.
func (s *VisualizationService) build(ctx context.Context, lesson *models.Lesson, candidate []models.Scene) (*models.Visualization, error) {
	scenes := candidate
	if len(scenes) == 0 {
		generated, err := s.gen.GenerateScenes(ctx, lesson)
		if err != nil || len(generated) == 0 {
			if err != nil {
				slog.Info("Scene generator declined, synthesizing from sections",
					"lesson_id", lesson.ID, "error", err)
			}
			generated = SynthesizeScenes(lesson)
		}
		scenes = generated
	}

	now := s.now()
	v := &models.Visualization{
		ID:          models.NewVisualizationID(lesson.ID, now),
		LessonID:    lesson.ID,
		Scenes:      scenes,
		GeneratedAt: now,
	}
	canvas.Resolve(v)

	if v.Status == models.VizInvalid {
		metrics.RecordGeneratorCall("visualization", "invalid")
		if err := s.vizzes.Insert(ctx, v); err != nil && !errors.Is(err, store.ErrDuplicate) {
			v.Status = models.VizStoreFailed
			return nil, fmt.Errorf("failed to persist invalid visualization: %w", err)
		}
		return v, nil
	}

	v.Status = models.VizPersisted
	if err := s.vizzes.Insert(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Same lesson and second; whoever won wrote equivalent content.
			if existing, gerr := s.vizzes.LatestByLesson(ctx, lesson.ID); gerr == nil {
				return existing, nil
			}
			return v, nil
		}
		v.Status = models.VizStoreFailed
		metrics.RecordGeneratorCall("visualization", "store_failed")
		return nil, fmt.Errorf("failed to persist visualization: %w", err)
	}

	metrics.RecordGeneratorCall("visualization", "ok")
	slog.Info("Visualization persisted",
		"visualization_id", v.ID, "lesson_id", lesson.ID,
		"scenes", len(v.Scenes), "total_duration", v.TotalDuration, "warnings", len(v.Warnings))
	return v, nil
}

func (s *VisualizationService) publishReady(ctx context.Context, lesson *models.Lesson, v *models.Visualization) {
	err := s.events.PublishVisualizationReady(ctx, events.VisualizationReadyPayload{
		BasePayload:     events.BasePayload{UserID: lesson.UserID},
		VisualizationID: v.ID,
		LessonID:        lesson.ID,
		SceneCount:      len(v.Scenes),
		TotalDuration:   v.TotalDuration,
	})
	if err != nil {
		slog.Warn("Failed to publish visualization.ready",
			"visualization_id", v.ID, "error", err)
	}
}

// Process runs the pipeline synchronously over a caller-supplied candidate
// and returns the persisted record, including invalid ones; callers map the
// invalid status to their error surface. An empty candidate asks the
// generator, with section synthesis as the fallback.
func (s *VisualizationService) Process(ctx context.Context, p *models.Principal, lessonID string, scenes []models.Scene) (*models.Visualization, error) {
	if lessonID == "" {
		return nil, NewValidationError("lesson_id", "required")
	}
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	if err := requireOwner(p, lesson.UserID); err != nil {
		return nil, err
	}
	switch lesson.Status {
	case models.LessonGenerating:
		return nil, ErrGenerating
	case models.LessonFailed:
		return nil, NewValidationError("lesson_id", "lesson generation failed")
	}

	v, err := s.build(ctx, lesson, scenes)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VizInvalid {
		s.publishReady(ctx, lesson, v)
	}
	return v, nil
}

// Get fetches a visualization by id. Ownership rides on its lesson.
func (s *VisualizationService) Get(ctx context.Context, p *models.Principal, id string) (*models.Visualization, error) {
	v, err := s.vizzes.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get visualization: %w", err)
	}
	if err := s.authorize(ctx, p, v.LessonID); err != nil {
		return nil, err
	}
	return v, nil
}

// LatestForLesson returns the canonical visualization for playback. When
// the lesson exists but no visualization does yet, ErrGenerating tells the
// caller to retry shortly.
func (s *VisualizationService) LatestForLesson(ctx context.Context, p *models.Principal, lessonID string) (*models.Visualization, error) {
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	if err := requireOwner(p, lesson.UserID); err != nil {
		return nil, err
	}

	v, err := s.vizzes.LatestByLesson(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			switch lesson.Status {
			case models.LessonFailed:
				return nil, ErrNotFound
			default:
				// Ready or still generating; the pipeline will deliver.
				return nil, ErrGenerating
			}
		}
		return nil, fmt.Errorf("failed to get visualization: %w", err)
	}
	return v, nil
}

func (s *VisualizationService) authorize(ctx context.Context, p *models.Principal, lessonID string) error {
	lesson, err := s.lessons.Get(ctx, lessonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get lesson: %w", err)
	}
	return requireOwner(p, lesson.UserID)
}

// Narration pacing for synthesized scenes, in words per second, and the
// bounds keeping a scene teachable.
const (
	narrationWPS     = 2.5
	minSceneDuration = 6.0
	maxSceneDuration = 60.0
)

// SynthesizeScenes builds a plain but valid scene sequence from the lesson
// sections: one scene per section with the heading written top center, the
// prose in the center, and the section's first image on the right.
func SynthesizeScenes(lesson *models.Lesson) []models.Scene {
	scenes := make([]models.Scene, 0, len(lesson.Sections))
	for i, section := range lesson.Sections {
		duration := narrationSeconds(section.Content)

		shapes := []models.Shape{
			{Type: models.ShapeText, Zone: "top_center", Text: section.Heading, FontSize: 44},
			{Type: models.ShapeText, Zone: "center", Text: displayText(section.Content), FontSize: 28},
		}
		animations := []models.Animation{
			{ShapeIndex: 0, Kind: models.AnimWrite, Start: 0, Duration: 1.5},
			{ShapeIndex: 1, Kind: models.AnimFadeIn, Start: 1.5, Duration: 1.0},
		}
		if len(section.ImageRefs) > 0 {
			shapes = append(shapes, models.Shape{
				Type:     models.ShapeImage,
				Zone:     "center_right",
				ImageRef: section.ImageRefs[0],
				Width:    360,
				Height:   270,
			})
			animations = append(animations, models.Animation{
				ShapeIndex: 2, Kind: models.AnimFadeIn, Start: 2, Duration: 1,
			})
		}

		scenes = append(scenes, models.Scene{
			ID:         fmt.Sprintf("scene_%d", i+1),
			Title:      section.Heading,
			Duration:   duration,
			Shapes:     shapes,
			Animations: animations,
			Audio:      &models.Audio{Text: section.Content, StartTime: 0, Duration: duration},
		})
	}
	return scenes
}

// narrationSeconds estimates how long a section takes to read aloud.
func narrationSeconds(text string) float64 {
	secs := float64(len(strings.Fields(text))) / narrationWPS
	if secs < minSceneDuration {
		return minSceneDuration
	}
	if secs > maxSceneDuration {
		return maxSceneDuration
	}
	return secs
}

// displayText trims prose to something that fits on the stage; the full
// text still rides in the scene audio.
func displayText(content string) string {
	const maxWords = 40
	words := strings.Fields(content)
	if len(words) <= maxWords {
		return content
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
