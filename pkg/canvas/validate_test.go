package canvas

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalklabs/chalk/pkg/models"
)

func validScene() models.Scene {
	return models.Scene{
		Duration: 10,
		Shapes: []models.Shape{
			{Type: models.ShapeText, Zone: "top_center", Text: "Photosynthesis"},
			{Type: models.ShapeCircle, X: fp(400), Y: fp(300), Radius: 50},
			{Type: models.ShapeImage, Zone: "center_right", ImageRef: "documents/d/pages/1", Width: 320, Height: 240},
		},
		Animations: []models.Animation{
			{ShapeIndex: 0, Kind: models.AnimWrite, Start: 0, Duration: 2},
			{ShapeIndex: 1, Kind: models.AnimFadeIn, Start: 1, Duration: 1.5},
		},
	}
}

func TestValidate_AcceptsWellFormedScenes(t *testing.T) {
	assert.Empty(t, Validate([]models.Scene{validScene(), validScene()}))
}

func TestValidate_RejectsEmptyVisualization(t *testing.T) {
	errs := Validate(nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no scenes")
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Scene)
		want   string
	}{
		{
			"non-positive duration",
			func(s *models.Scene) { s.Duration = 0 },
			"duration must be positive",
		},
		{
			"unknown shape type",
			func(s *models.Scene) { s.Shapes[0].Type = "blob" },
			`unknown shape type "blob"`,
		},
		{
			"no position and no zone",
			func(s *models.Scene) { s.Shapes[0].Zone = "" },
			"needs explicit coordinates or a zone",
		},
		{
			"unknown zone",
			func(s *models.Scene) { s.Shapes[0].Zone = "upper_left" },
			`unknown zone "upper_left"`,
		},
		{
			"image without reference",
			func(s *models.Scene) { s.Shapes[2].ImageRef = "" },
			"image without a reference",
		},
		{
			"text without content",
			func(s *models.Scene) { s.Shapes[0].Text = "" },
			"text without content",
		},
		{
			"animation index out of range",
			func(s *models.Scene) { s.Animations[0].ShapeIndex = 3 },
			"shape_index 3 out of range",
		},
		{
			"negative animation index",
			func(s *models.Scene) { s.Animations[0].ShapeIndex = -1 },
			"out of range",
		},
		{
			"unknown animation kind",
			func(s *models.Scene) { s.Animations[0].Kind = "teleport" },
			`unknown animation type "teleport"`,
		},
		{
			"non-positive animation duration",
			func(s *models.Scene) { s.Animations[0].Duration = 0 },
			"duration must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := validScene()
			tt.mutate(&scene)
			errs := Validate([]models.Scene{scene})
			require.NotEmpty(t, errs)
			found := false
			for _, e := range errs {
				if strings.Contains(e, tt.want) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tt.want, errs)
		})
	}
}

func TestValidate_AccumulatesAcrossScenes(t *testing.T) {
	bad1 := validScene()
	bad1.Duration = -1
	bad2 := validScene()
	bad2.Shapes[0].Text = ""
	bad2.Animations[1].ShapeIndex = 99

	errs := Validate([]models.Scene{bad1, bad2})
	assert.Len(t, errs, 3, "all violations reported, not just the first: %v", errs)
	assert.Contains(t, errs[0], "scene 0")
	assert.Contains(t, errs[1], "scene 1")
}
