package canvas

import (
	"fmt"

	"github.com/chalklabs/chalk/pkg/models"
)

// ReconcileScene fixes a scene's timeline so that every animation runs
// within the scene and audio never outlives it:
//
//   - animation starts below zero are clamped to zero,
//   - the scene duration is extended to cover the latest animation end,
//   - audio exceeding the (possibly extended) duration is truncated.
//
// Each adjustment emits a warning; none of them fails the visualization.
func ReconcileScene(sceneIndex int, scene *models.Scene) []string {
	var warnings []string

	for i := range scene.Animations {
		anim := &scene.Animations[i]
		if anim.Start < 0 {
			warnings = append(warnings, fmt.Sprintf(
				"scene %d animation %d: start %g clamped to 0", sceneIndex, i, anim.Start))
			anim.Start = 0
		}
	}

	var latest float64
	for i := range scene.Animations {
		if end := scene.Animations[i].End(); end > latest {
			latest = end
		}
	}
	if latest > scene.Duration {
		warnings = append(warnings, fmt.Sprintf(
			"scene %d: duration extended from %gs to %gs to cover animations",
			sceneIndex, scene.Duration, latest))
		scene.Duration = latest
	}

	if audio := scene.Audio; audio != nil {
		if audio.StartTime < 0 {
			warnings = append(warnings, fmt.Sprintf(
				"scene %d: audio start %g clamped to 0", sceneIndex, audio.StartTime))
			audio.StartTime = 0
		}
		if audio.StartTime > scene.Duration {
			warnings = append(warnings, fmt.Sprintf(
				"scene %d: audio starts after the scene ends, truncated to nothing", sceneIndex))
			audio.StartTime = scene.Duration
			audio.Duration = 0
		} else if audio.StartTime+audio.Duration > scene.Duration {
			truncated := scene.Duration - audio.StartTime
			warnings = append(warnings, fmt.Sprintf(
				"scene %d: audio truncated from %gs to %gs to fit the scene",
				sceneIndex, audio.Duration, truncated))
			audio.Duration = truncated
		}
	}

	return warnings
}

// TotalDuration sums the scene durations.
func TotalDuration(scenes []models.Scene) float64 {
	var total float64
	for i := range scenes {
		total += scenes[i].Duration
	}
	return total
}
