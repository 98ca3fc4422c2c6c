// Package canvas resolves candidate visualizations against the fixed
// 1920x1080 stage: structural validation, symbolic zone placement with
// overlap avoidance, animation timing reconciliation and audio truncation.
// It is pure geometry and bookkeeping; persistence and transport live with
// the callers.
package canvas

// Stage geometry. The nine zones are derived from these numbers, never
// configured per request.
const (
	CanvasWidth  = 1920.0
	CanvasHeight = 1080.0

	// padding is the margin between the canvas edge and the zone grid.
	padding = 50.0
	// spacing is the gutter between adjacent zones.
	spacing = 20.0
	// placeMargin separates packed shapes within a zone.
	placeMargin = 10.0
)

// zoneGrid maps each symbolic zone name to its (row, column) in the 3x3 grid.
var zoneGrid = map[string][2]int{
	"top_left":      {0, 0},
	"top_center":    {0, 1},
	"top_right":     {0, 2},
	"center_left":   {1, 0},
	"center":        {1, 1},
	"center_right":  {1, 2},
	"bottom_left":   {2, 0},
	"bottom_center": {2, 1},
	"bottom_right":  {2, 2},
}

// ZoneNames returns the nine zone names, reading order.
func ZoneNames() []string {
	return []string{
		"top_left", "top_center", "top_right",
		"center_left", "center", "center_right",
		"bottom_left", "bottom_center", "bottom_right",
	}
}

// ValidZone reports whether name is one of the nine zones.
func ValidZone(name string) bool {
	_, ok := zoneGrid[name]
	return ok
}

// ZoneSize returns the dimensions every zone shares.
func ZoneSize() (width, height float64) {
	width = (CanvasWidth - 2*padding - 2*spacing) / 3
	height = (CanvasHeight - 2*padding - 2*spacing) / 3
	return width, height
}

// ZoneBounds returns the bounding rectangle of a named zone.
func ZoneBounds(name string) (Rect, bool) {
	rc, ok := zoneGrid[name]
	if !ok {
		return Rect{}, false
	}
	w, h := ZoneSize()
	minX := padding + float64(rc[1])*(w+spacing)
	minY := padding + float64(rc[0])*(h+spacing)
	return Rect{MinX: minX, MinY: minY, MaxX: minX + w, MaxY: minY + h}, true
}
