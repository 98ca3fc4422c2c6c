package canvas

import (
	"fmt"

	"github.com/chalklabs/chalk/pkg/models"
)

// Validate runs structural validation over a candidate scene sequence and
// returns every violation found. A non-empty result means the whole
// visualization is invalid; no partial rendering is attempted.
func Validate(scenes []models.Scene) []string {
	var errs []string
	if len(scenes) == 0 {
		return []string{"visualization has no scenes"}
	}

	for si := range scenes {
		scene := &scenes[si]
		if scene.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("scene %d: duration must be positive, got %g", si, scene.Duration))
		}

		for i := range scene.Shapes {
			shape := &scene.Shapes[i]
			loc := fmt.Sprintf("scene %d shape %d", si, i)

			if !shape.Type.Known() {
				errs = append(errs, fmt.Sprintf("%s: unknown shape type %q", loc, shape.Type))
				continue
			}
			if !shape.Positioned() && shape.Zone == "" {
				errs = append(errs, fmt.Sprintf("%s: needs explicit coordinates or a zone", loc))
			}
			if shape.Zone != "" && !ValidZone(shape.Zone) {
				errs = append(errs, fmt.Sprintf("%s: unknown zone %q", loc, shape.Zone))
			}
			switch shape.Type {
			case models.ShapeImage:
				if shape.ImageRef == "" {
					errs = append(errs, fmt.Sprintf("%s: image without a reference", loc))
				}
			case models.ShapeText:
				if shape.Text == "" {
					errs = append(errs, fmt.Sprintf("%s: text without content", loc))
				}
			}
		}

		for i := range scene.Animations {
			anim := &scene.Animations[i]
			loc := fmt.Sprintf("scene %d animation %d", si, i)

			if !anim.Kind.Known() {
				errs = append(errs, fmt.Sprintf("%s: unknown animation type %q", loc, anim.Kind))
			}
			if anim.ShapeIndex < 0 || anim.ShapeIndex >= len(scene.Shapes) {
				errs = append(errs, fmt.Sprintf("%s: shape_index %d out of range (scene has %d shapes)",
					loc, anim.ShapeIndex, len(scene.Shapes)))
			}
			if anim.Duration <= 0 {
				errs = append(errs, fmt.Sprintf("%s: duration must be positive, got %g", loc, anim.Duration))
			}
		}
	}
	return errs
}
