package models

import "time"

// VisualizationStatus is the per-visualization state machine position:
// accepted, validated, resolved, persisted, served, with terminal failures
// invalid (structural errors) and store_failed (persistence errors).
type VisualizationStatus string

const (
	VizAccepted    VisualizationStatus = "accepted"
	VizValidated   VisualizationStatus = "validated"
	VizResolved    VisualizationStatus = "resolved"
	VizPersisted   VisualizationStatus = "persisted"
	VizServed      VisualizationStatus = "served"
	VizInvalid     VisualizationStatus = "invalid"
	VizStoreFailed VisualizationStatus = "store_failed"
)

// ShapeType discriminates the shape tagged union.
type ShapeType string

const (
	ShapeCircle    ShapeType = "circle"
	ShapeRectangle ShapeType = "rectangle"
	ShapeLine      ShapeType = "line"
	ShapeArrow     ShapeType = "arrow"
	ShapeText      ShapeType = "text"
	ShapeImage     ShapeType = "image"
	ShapePolygon   ShapeType = "polygon"
)

// Known reports whether the type is a member of the union.
func (t ShapeType) Known() bool {
	switch t {
	case ShapeCircle, ShapeRectangle, ShapeLine, ShapeArrow, ShapeText, ShapeImage, ShapePolygon:
		return true
	}
	return false
}

// AnimationKind discriminates the animation tagged union.
type AnimationKind string

const (
	AnimFadeIn  AnimationKind = "fadeIn"
	AnimFadeOut AnimationKind = "fadeOut"
	AnimScale   AnimationKind = "scale"
	AnimMove    AnimationKind = "move"
	AnimRotate  AnimationKind = "rotate"
	AnimPulse   AnimationKind = "pulse"
	AnimGlow    AnimationKind = "glow"
	AnimDraw    AnimationKind = "draw"
	AnimWrite   AnimationKind = "write"
	AnimOrbit   AnimationKind = "orbit"
)

// Known reports whether the kind is a member of the union.
func (k AnimationKind) Known() bool {
	switch k {
	case AnimFadeIn, AnimFadeOut, AnimScale, AnimMove, AnimRotate, AnimPulse, AnimGlow, AnimDraw, AnimWrite, AnimOrbit:
		return true
	}
	return false
}

// Point is a 2D coordinate in canvas pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Shape is one drawable element of a scene. Exactly one of explicit (X, Y)
// or Zone must be set on input; after coordinate resolution X and Y always
// hold the shape's center. Fields beyond Type apply per kind.
type Shape struct {
	Type     ShapeType `json:"type"`
	X        *float64  `json:"x,omitempty"`
	Y        *float64  `json:"y,omitempty"`
	Zone     string    `json:"zone,omitempty"`
	Radius   float64   `json:"radius,omitempty"`
	Width    float64   `json:"width,omitempty"`
	Height   float64   `json:"height,omitempty"`
	Points   []Point   `json:"points,omitempty"`
	Text     string    `json:"text,omitempty"`
	FontSize float64   `json:"font_size,omitempty"`
	ImageRef string    `json:"image_ref,omitempty"`
	Color    string    `json:"color,omitempty"`
}

// Positioned reports whether the shape carries explicit coordinates.
func (s *Shape) Positioned() bool {
	return s.X != nil && s.Y != nil
}

// Animation animates one shape of its scene, addressed by index.
type Animation struct {
	ShapeIndex int                `json:"shape_index"`
	Kind       AnimationKind      `json:"type"`
	Start      float64            `json:"start"`
	Duration   float64            `json:"duration"`
	Ease       string             `json:"ease,omitempty"`
	From       map[string]float64 `json:"from,omitempty"`
	To         map[string]float64 `json:"to,omitempty"`
	Repeat     int                `json:"repeat,omitempty"`
}

// End is the animation's finish time within its scene.
func (a *Animation) End() float64 {
	return a.Start + a.Duration
}

// Audio is a scene's narration track: text plus when to speak it.
// Synthesis and playback are client concerns.
type Audio struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
}

// Scene is one time-bounded step of the teaching sequence.
type Scene struct {
	ID         string      `json:"scene_id,omitempty"`
	Title      string      `json:"title,omitempty"`
	Duration   float64     `json:"duration"`
	Shapes     []Shape     `json:"shapes"`
	Animations []Animation `json:"animations,omitempty"`
	Audio      *Audio      `json:"audio,omitempty"`
	Background string      `json:"background,omitempty"`
}

// Visualization is the resolved, validated, timed scene sequence derived
// from a lesson. Regeneration creates a new record; the latest per lesson
// is canonical for playback.
type Visualization struct {
	ID            string              `json:"visualization_id"`
	LessonID      string              `json:"lesson_id"`
	Scenes        []Scene             `json:"scenes"`
	TotalDuration float64             `json:"total_duration"`
	CanvasWidth   int                 `json:"canvas_width"`
	CanvasHeight  int                 `json:"canvas_height"`
	Status        VisualizationStatus `json:"status"`
	Errors        []string            `json:"errors"`
	Warnings      []string            `json:"warnings"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

// NewVisualizationID derives the persistence id for a lesson's
// visualization generated at t. Lesson and second-resolution timestamp
// together make regeneration writes idempotent.
func NewVisualizationID(lessonID string, t time.Time) string {
	return "viz_" + lessonID + "_" + t.UTC().Format("20060102150405")
}
