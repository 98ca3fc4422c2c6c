package canvas

import (
	"fmt"

	"github.com/chalklabs/chalk/pkg/models"
)

// epsilon absorbs float accumulation in the sweep loops.
const epsilon = 1e-9

// ResolveScene resolves symbolic zone placements for one scene, in shape
// order. Shapes already placed (explicitly positioned or resolved earlier)
// claim their footprint; later zone shapes pack around them. A zone with no
// room left sends the shape to the zone center with a warning; layout never
// fails a visualization.
//
// After resolution every shape has X and Y set to its center, and vertex
// lists are translated so their bounding-box center coincides with it.
func ResolveScene(sceneIndex int, scene *models.Scene) []string {
	var warnings []string
	placed := make([]Rect, 0, len(scene.Shapes))

	for i := range scene.Shapes {
		shape := &scene.Shapes[i]
		w, h := shapeExtents(shape)

		var cx, cy float64
		switch {
		case shape.Positioned():
			cx, cy = *shape.X, *shape.Y
			if clampedX, clampedY := clampToCanvas(cx, cy); clampedX != cx || clampedY != cy {
				warnings = append(warnings, fmt.Sprintf(
					"scene %d shape %d: explicit position (%g, %g) outside canvas, clamped",
					sceneIndex, i, cx, cy))
				cx, cy = clampedX, clampedY
			}
		case shape.Zone != "":
			zone, ok := ZoneBounds(shape.Zone)
			if !ok {
				// Unknown zones are validation errors; nothing to place.
				continue
			}
			var fits bool
			cx, cy, fits = packIntoZone(zone, w, h, placed)
			if !fits {
				warnings = append(warnings, fmt.Sprintf(
					"scene %d shape %d: zone %q exhausted, placed at zone center",
					sceneIndex, i, shape.Zone))
				cx, cy = zone.CenterX(), zone.CenterY()
			}
		default:
			continue
		}

		setCenter(shape, cx, cy)
		placed = append(placed, rectAround(cx, cy, w, h))
	}
	return warnings
}

// packIntoZone sweeps candidate centers left to right, then top to bottom,
// stepping by the shape's bounding dimension plus the placement margin.
// The first candidate whose box fits the zone and overlaps nothing wins.
func packIntoZone(zone Rect, w, h float64, placed []Rect) (cx, cy float64, ok bool) {
	halfW, halfH := w/2, h/2
	for y := zone.MinY + halfH; y+halfH <= zone.MaxY+epsilon; y += h + placeMargin {
		for x := zone.MinX + halfW; x+halfW <= zone.MaxX+epsilon; x += w + placeMargin {
			candidate := rectAround(x, y, w, h)
			if !intersectsAny(candidate, placed) {
				return x, y, true
			}
		}
	}
	return 0, 0, false
}

func intersectsAny(r Rect, placed []Rect) bool {
	for _, p := range placed {
		if r.Intersects(p) {
			return true
		}
	}
	return false
}

func clampToCanvas(x, y float64) (float64, float64) {
	return min(max(x, 0), CanvasWidth), min(max(y, 0), CanvasHeight)
}

// setCenter pins the shape's center and drags any vertex list along so the
// points' bounding-box center lands on the same spot. The zone name is kept
// on the shape for traceability; resolved coordinates take precedence over
// it from here on.
func setCenter(shape *models.Shape, cx, cy float64) {
	if box, ok := pointExtents(shape.Points); ok {
		dx, dy := cx-box.CenterX(), cy-box.CenterY()
		if dx != 0 || dy != 0 {
			for i := range shape.Points {
				shape.Points[i].X += dx
				shape.Points[i].Y += dy
			}
		}
	}
	x, y := cx, cy
	shape.X, shape.Y = &x, &y
}
