// Package visualization renders quality-control previews of a warped mask on
// top of the subject image.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"pituitarymask/internal/models"
)

// overlay colour and opacity of mask voxels
var maskColor = color.RGBA{R: 255, G: 32, B: 32, A: 255}

const maskOpacity = 0.5

// Viewer extracts orthogonal slices from a subject volume with an optional
// label mask blended on top.
type Viewer struct {
	// background holds the subject intensities
	background *models.Volume

	// mask is drawn over the background where non-zero; may be nil
	mask *models.Volume

	// intensity window mapped onto black..white
	low  float64
	high float64
}

// NewViewer creates a viewer. The intensity window spans the 1st to 99th
// percentile of the background.
func NewViewer(background, mask *models.Volume) (*Viewer, error) {
	if background == nil {
		return nil, fmt.Errorf("background volume is required")
	}
	if err := background.Validate(); err != nil {
		return nil, err
	}
	if mask != nil && !background.SameShape(mask) {
		return nil, fmt.Errorf("mask %dx%dx%d does not match background %dx%dx%d",
			mask.Width, mask.Height, mask.Depth, background.Width, background.Height, background.Depth)
	}

	sorted := make([]float64, len(background.Data))
	copy(sorted, background.Data)
	sort.Float64s(sorted)

	v := &Viewer{
		background: background,
		mask:       mask,
		low:        stat.Quantile(0.01, stat.Empirical, sorted, nil),
		high:       stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
	return v, nil
}

// Window returns the intensity range mapped onto the grey scale.
func (v *Viewer) Window() (low, high float64) {
	return v.low, v.high
}

func (v *Viewer) gray(value float64) uint8 {
	if v.high <= v.low {
		if value > v.low {
			return 255
		}
		return 0
	}
	t := (value - v.low) / (v.high - v.low)
	return uint8(math.Round(255 * math.Max(0, math.Min(1, t))))
}

func blend(g uint8, over color.RGBA, alpha float64) color.RGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-alpha) + float64(b)*alpha))
	}
	return color.RGBA{R: mix(g, over.R), G: mix(g, over.G), B: mix(g, over.B), A: 255}
}

func (v *Viewer) pixel(x, y, z int) color.RGBA {
	idx := v.background.Index(x, y, z)
	g := v.gray(v.background.Data[idx])
	if v.mask != nil && v.mask.Data[idx] != 0 {
		return blend(g, maskColor, maskOpacity)
	}
	return color.RGBA{R: g, G: g, B: g, A: 255}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	b := v.background

	var img *image.RGBA
	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= b.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, b.Width)
		}
		img = image.NewRGBA(image.Rect(0, 0, b.Depth, b.Height))
		for y := 0; y < b.Height; y++ {
			for z := 0; z < b.Depth; z++ {
				img.SetRGBA(z, y, v.pixel(position, y, z))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= b.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, b.Height)
		}
		img = image.NewRGBA(image.Rect(0, 0, b.Width, b.Depth))
		for z := 0; z < b.Depth; z++ {
			for x := 0; x < b.Width; x++ {
				img.SetRGBA(x, z, v.pixel(x, position, z))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= b.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, b.Depth)
		}
		img = image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
		for y := 0; y < b.Height; y++ {
			for x := 0; x < b.Width; x++ {
				img.SetRGBA(x, y, v.pixel(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// pixelSpacing returns the physical size of an image pixel for a slice axis
func (v *Viewer) pixelSpacing(axis string) (sx, sy float64) {
	s := v.background.Spacing
	switch axis {
	case "x", "X":
		return s[2], s[1]
	case "y", "Y":
		return s[0], s[2]
	default:
		return s[0], s[1]
	}
}

// SquarePixels rescales a slice so that one image pixel covers the same
// distance horizontally and vertically.
func SquarePixels(img image.Image, sx, sy float64) image.Image {
	if sx <= 0 || sy <= 0 || sx == sy {
		return img
	}
	unit := math.Min(sx, sy)
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * sx / unit))
	h := int(math.Round(float64(b.Dy()) * sy / unit))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Centroid returns the voxel nearest to the centre of mass of the mask, or
// the centre of the volume when the mask is empty or absent.
func (v *Viewer) Centroid() (x, y, z int) {
	b := v.background
	cx, cy, cz := b.Width/2, b.Height/2, b.Depth/2
	if v.mask == nil {
		return cx, cy, cz
	}

	var sx, sy, sz float64
	n := 0
	for k := 0; k < b.Depth; k++ {
		for j := 0; j < b.Height; j++ {
			for i := 0; i < b.Width; i++ {
				if v.mask.At(i, j, k) != 0 {
					sx += float64(i)
					sy += float64(j)
					sz += float64(k)
					n++
				}
			}
		}
	}
	if n == 0 {
		return cx, cy, cz
	}
	return int(math.Round(sx / float64(n))), int(math.Round(sy / float64(n))), int(math.Round(sz / float64(n)))
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveOrthogonal writes the three slices through the mask centroid as
// <prefix>_x.png, <prefix>_y.png and <prefix>_z.png and returns their paths.
func (v *Viewer) SaveOrthogonal(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	cx, cy, cz := v.Centroid()
	positions := map[string]int{"x": cx, "y": cy, "z": cz}

	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, positions[axis])
		if err != nil {
			return paths, err
		}
		sx, sy := v.pixelSpacing(axis)
		img = SquarePixels(img, sx, sy)

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}

	return paths, nil
}
