package store

import (
	"context"
	"database/sql"

	"github.com/chalklabs/chalk/pkg/models"
)

// Visualizations persists resolved scene sequences. Each regeneration
// inserts a new record; the latest per lesson is canonical for playback.
type Visualizations struct {
	db *sql.DB
}

// NewVisualizations creates the visualization store.
func NewVisualizations(db *sql.DB) *Visualizations {
	return &Visualizations{db: db}
}

const visualizationColumns = `id, lesson_id, scenes, total_duration, canvas_width, canvas_height,
	status, errors, warnings, generated_at`

func scanVisualization(row interface{ Scan(...any) error }) (*models.Visualization, error) {
	var v models.Visualization
	var scenes, errs, warns []byte
	err := row.Scan(&v.ID, &v.LessonID, &scenes, &v.TotalDuration, &v.CanvasWidth,
		&v.CanvasHeight, &v.Status, &errs, &warns, &v.GeneratedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := unmarshalJSON(scenes, &v.Scenes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(errs, &v.Errors); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(warns, &v.Warnings); err != nil {
		return nil, err
	}
	return &v, nil
}

// Insert writes a visualization record. The (lesson_id, generated_at)
// uniqueness makes re-publishing the same generation idempotent.
func (s *Visualizations) Insert(ctx context.Context, v *models.Visualization) error {
	scenes, err := marshalJSON(v.Scenes)
	if err != nil {
		return err
	}
	errs, err := marshalJSON(v.Errors)
	if err != nil {
		return err
	}
	warns, err := marshalJSON(v.Warnings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO visualizations (id, lesson_id, scenes, total_duration, canvas_width, canvas_height, status, errors, warnings, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.LessonID, scenes, v.TotalDuration, v.CanvasWidth, v.CanvasHeight,
		v.Status, errs, warns, v.GeneratedAt)
	return translateErr(err)
}

// Get fetches a visualization by id.
func (s *Visualizations) Get(ctx context.Context, id string) (*models.Visualization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+visualizationColumns+` FROM visualizations
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanVisualization(row)
}

// LatestByLesson returns the newest persisted visualization for a lesson.
func (s *Visualizations) LatestByLesson(ctx context.Context, lessonID string) (*models.Visualization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+visualizationColumns+` FROM visualizations
		 WHERE lesson_id = $1 AND deleted_at IS NULL
		 ORDER BY generated_at DESC LIMIT 1`, lessonID)
	return scanVisualization(row)
}

// MarkServed moves a persisted visualization to the served state the first
// time a teaching channel streams it.
func (s *Visualizations) MarkServed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE visualizations SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.VizServed, models.VizPersisted)
	return translateErr(err)
}

