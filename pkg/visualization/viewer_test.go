package visualization

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"pituitarymask/internal/models"
)

// createTestVolumes builds a gradient background and a small cubic mask
func createTestVolumes(width, height, depth int) (*models.Volume, *models.Volume) {
	bg := models.NewVolume(width, height, depth)
	mask := models.NewVolume(width, height, depth)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				bg.Set(x, y, z, float64(x+y+z))
				if x >= 2 && x < 4 && y >= 3 && y < 5 && z >= 1 && z < 3 {
					mask.Set(x, y, z, 1)
				}
			}
		}
	}
	return bg, mask
}

// TestNewViewer verifies the window and shape checks
func TestNewViewer(t *testing.T) {
	bg, mask := createTestVolumes(10, 8, 5)

	viewer, err := NewViewer(bg, mask)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	low, high := viewer.Window()
	if low < 0 || high > 20 || low >= high {
		t.Errorf("Unexpected window [%f, %f]", low, high)
	}

	if _, err := NewViewer(bg, models.NewVolume(10, 8, 4)); err == nil {
		t.Error("Expected error for mismatched mask, got nil")
	}

	if _, err := NewViewer(nil, nil); err == nil {
		t.Error("Expected error for missing background, got nil")
	}
}

// TestExtractSlice verifies slice dimensions and the mask overlay
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	bg, mask := createTestVolumes(width, height, depth)

	viewer, err := NewViewer(bg, mask)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	tests := []struct {
		axis          string
		position      int
		width, height int
	}{
		{"x", 2, depth, height},
		{"y", 3, width, depth},
		{"z", 1, width, height},
	}
	for _, tt := range tests {
		img, err := viewer.ExtractSlice(tt.axis, tt.position)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", tt.axis, err)
		}
		b := img.Bounds()
		if b.Dx() != tt.width || b.Dy() != tt.height {
			t.Errorf("Expected %s slice dimensions %dx%d, got %dx%d",
				tt.axis, tt.width, tt.height, b.Dx(), b.Dy())
		}
	}

	img, err := viewer.ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	rgba := img.(*image.RGBA)

	// inside the mask the red channel dominates
	in := rgba.RGBAAt(2, 3)
	if in.R <= in.G {
		t.Errorf("Expected red overlay inside mask, got %+v", in)
	}
	// outside the mask the pixel stays grey
	out := rgba.RGBAAt(8, 0)
	if out.R != out.G || out.G != out.B {
		t.Errorf("Expected grey pixel outside mask, got %+v", out)
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestCentroid verifies the slice positions chosen for previews
func TestCentroid(t *testing.T) {
	bg, mask := createTestVolumes(10, 8, 5)

	viewer, _ := NewViewer(bg, mask)
	x, y, z := viewer.Centroid()
	// mask covers x in [2,3], y in [3,4], z in [1,2]; centre of mass rounds up
	if x != 3 || y != 4 || z != 2 {
		t.Errorf("Expected centroid (3,4,2), got (%d,%d,%d)", x, y, z)
	}

	empty, _ := NewViewer(bg, models.NewVolume(10, 8, 5))
	x, y, z = empty.Centroid()
	if x != 5 || y != 4 || z != 2 {
		t.Errorf("Expected volume centre (5,4,2), got (%d,%d,%d)", x, y, z)
	}
}

// TestSquarePixels verifies anisotropic slices are stretched to square pixels
func TestSquarePixels(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 3))
	src.SetRGBA(0, 0, color.RGBA{R: 9, A: 255})

	out := SquarePixels(src, 1, 2)
	b := out.Bounds()
	if b.Dx() != 4 || b.Dy() != 6 {
		t.Errorf("Expected 4x6, got %dx%d", b.Dx(), b.Dy())
	}

	if same := SquarePixels(src, 1, 1); same != image.Image(src) {
		t.Error("Expected isotropic slice to be returned unchanged")
	}
}

// TestSaveOrthogonal verifies that the three preview files are written
func TestSaveOrthogonal(t *testing.T) {
	bg, mask := createTestVolumes(10, 8, 5)
	bg.Spacing = [3]float64{1, 1, 2}

	viewer, err := NewViewer(bg, mask)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	outputDir := filepath.Join(t.TempDir(), "preview")
	paths, err := viewer.SaveOrthogonal(outputDir, "mask")
	if err != nil {
		t.Fatalf("Failed to save previews: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 preview files, got %d", len(paths))
	}

	for _, axis := range []string{"x", "y", "z"} {
		filename := filepath.Join(outputDir, "mask_"+axis+".png")
		f, err := os.Open(filename)
		if err != nil {
			t.Fatalf("Expected preview file %s: %v", filename, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", filename, err)
		}
		// z spacing is doubled, so the x-axis slice is twice as wide as deep
		if axis == "x" && img.Bounds().Dx() != 10 {
			t.Errorf("Expected x preview width 10, got %d", img.Bounds().Dx())
		}
	}
}
