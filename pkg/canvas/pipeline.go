package canvas

import "github.com/chalklabs/chalk/pkg/models"

// Resolve runs the in-memory half of the visualization pipeline over a
// candidate: structural validation, then coordinate resolution and timing
// reconciliation. It mutates the visualization in place, stamping canvas
// dimensions, errors, warnings, total duration and status.
//
// Status afterwards is either invalid (structural errors, scenes untouched)
// or resolved. Persistence transitions (persisted, served, store_failed)
// belong to the caller.
func Resolve(v *models.Visualization) {
	v.CanvasWidth = int(CanvasWidth)
	v.CanvasHeight = int(CanvasHeight)
	v.Status = models.VizAccepted
	v.Errors = []string{}
	v.Warnings = []string{}

	if errs := Validate(v.Scenes); len(errs) > 0 {
		v.Errors = errs
		v.Status = models.VizInvalid
		return
	}
	v.Status = models.VizValidated

	for i := range v.Scenes {
		v.Warnings = append(v.Warnings, ResolveScene(i, &v.Scenes[i])...)
	}
	for i := range v.Scenes {
		v.Warnings = append(v.Warnings, ReconcileScene(i, &v.Scenes[i])...)
	}
	v.TotalDuration = TotalDuration(v.Scenes)
	v.Status = models.VizResolved
}
