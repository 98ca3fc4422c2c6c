package canvas

import (
	"strings"
	"unicode/utf8"

	"github.com/chalklabs/chalk/pkg/models"
)

// Rect is an axis-aligned rectangle in canvas pixels.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

func (r Rect) Width() float64   { return r.MaxX - r.MinX }
func (r Rect) Height() float64  { return r.MaxY - r.MinY }
func (r Rect) CenterX() float64 { return (r.MinX + r.MaxX) / 2 }
func (r Rect) CenterY() float64 { return (r.MinY + r.MaxY) / 2 }

// Intersects reports whether the interiors overlap. Touching edges do not
// count as overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX < o.MaxX && o.MinX < r.MaxX && r.MinY < o.MaxY && o.MinY < r.MaxY
}

// Contains reports whether o lies entirely within r.
func (r Rect) Contains(o Rect) bool {
	return o.MinX >= r.MinX && o.MaxX <= r.MaxX && o.MinY >= r.MinY && o.MaxY <= r.MaxY
}

// rectAround builds the rectangle of the given dimensions centered on (cx, cy).
func rectAround(cx, cy, w, h float64) Rect {
	return Rect{MinX: cx - w/2, MinY: cy - h/2, MaxX: cx + w/2, MaxY: cy + h/2}
}

// Fallback extents for shapes that omit size hints. Generators frequently
// leave sizes to the renderer; placement still needs a footprint.
const (
	defaultCircleRadius = 40.0
	defaultBoxWidth     = 160.0
	defaultBoxHeight    = 90.0
	defaultStrokeLength = 120.0
	defaultFontSize     = 24.0

	// Approximate glyph metrics for text footprints. Exact text metrics
	// belong to the renderer; placement only needs a conservative box.
	glyphWidthFactor = 0.6
	lineHeightFactor = 1.2
)

// shapeExtents returns the width and height of the shape's axis-aligned
// bounding box. Never returns a dimension below 1.
func shapeExtents(s *models.Shape) (w, h float64) {
	switch s.Type {
	case models.ShapeCircle:
		r := s.Radius
		if r <= 0 {
			r = defaultCircleRadius
		}
		w, h = 2*r, 2*r
	case models.ShapeRectangle, models.ShapeImage:
		w, h = s.Width, s.Height
		if w <= 0 {
			w = defaultBoxWidth
		}
		if h <= 0 {
			h = defaultBoxHeight
		}
	case models.ShapeText:
		w, h = textExtents(s.Text, s.FontSize)
	case models.ShapeLine, models.ShapeArrow, models.ShapePolygon:
		if box, ok := pointExtents(s.Points); ok {
			w, h = box.Width(), box.Height()
		} else {
			w, h = defaultStrokeLength, defaultStrokeLength
		}
	default:
		w, h = defaultBoxWidth, defaultBoxHeight
	}
	return max(w, 1), max(h, 1)
}

// textExtents estimates a text block's footprint from its longest line and
// line count.
func textExtents(text string, fontSize float64) (w, h float64) {
	if fontSize <= 0 {
		fontSize = defaultFontSize
	}
	longest, lines := 0, 0
	for _, line := range strings.Split(text, "\n") {
		lines++
		if n := utf8.RuneCountInString(line); n > longest {
			longest = n
		}
	}
	if lines == 0 {
		lines = 1
	}
	return float64(longest) * fontSize * glyphWidthFactor, float64(lines) * fontSize * lineHeightFactor
}

// pointExtents returns the bounding box of a vertex list.
func pointExtents(points []models.Point) (Rect, bool) {
	if len(points) == 0 {
		return Rect{}, false
	}
	box := Rect{MinX: points[0].X, MinY: points[0].Y, MaxX: points[0].X, MaxY: points[0].Y}
	for _, p := range points[1:] {
		box.MinX = min(box.MinX, p.X)
		box.MinY = min(box.MinY, p.Y)
		box.MaxX = max(box.MaxX, p.X)
		box.MaxY = max(box.MaxY, p.Y)
	}
	return box, true
}
