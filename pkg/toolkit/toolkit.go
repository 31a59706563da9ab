// Package toolkit exposes the image operations the segmentation pipelines
// depend on: reading and writing images, N4 bias field correction,
// registration, resampling through transforms and mask thresholding.
//
// ANTs is the production implementation. Registration, resampling and bias
// correction run the ANTs command-line tools; image I/O and thresholding
// are done in process.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"pituitarymask/internal/models"
)

var (
	// ErrUnknownTransform is returned for registration types without a stage recipe.
	ErrUnknownTransform = errors.New("unknown transform type")

	// ErrUnknownInterpolator is returned for unsupported resampling interpolators.
	ErrUnknownInterpolator = errors.New("unknown interpolator")
)

// Image is an in-memory volume, optionally backed by a file holding the same
// content so that command-line tools can read it without re-encoding.
type Image struct {
	Volume *models.Volume

	// Path is empty when the volume exists only in memory.
	Path string
}

// NewImage wraps a volume that has no file on disk.
func NewImage(v *models.Volume) *Image {
	return &Image{Volume: v}
}

// TransformList is an ordered list of transform files, in the order
// antsApplyTransforms expects them.
type TransformList []string

// Interpolator selects how voxel values are sampled during resampling.
type Interpolator string

const (
	Linear          Interpolator = "Linear"
	NearestNeighbor Interpolator = "NearestNeighbor"
	GenericLabel    Interpolator = "GenericLabel"
	BSpline         Interpolator = "BSpline"
)

// Validate reports whether the interpolator is supported.
func (i Interpolator) Validate() error {
	switch i {
	case Linear, NearestNeighbor, GenericLabel, BSpline:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownInterpolator, string(i))
}

// Toolkit is the set of image operations used by the pipelines.
type Toolkit interface {
	ReadImage(path string) (*Image, error)
	WriteImage(img *Image, path string) error
	BiasCorrect(ctx context.Context, img *Image) (*Image, error)

	// Register computes the forward transforms aligning moving onto fixed.
	Register(ctx context.Context, fixed, moving *Image, kind string) (TransformList, error)

	// ApplyTransforms resamples moving into the space of fixed.
	ApplyTransforms(ctx context.Context, fixed, moving *Image, transforms TransformList, interp Interpolator) (*Image, error)

	// ThresholdMask returns 1 where the image is at least low, 0 elsewhere.
	ThresholdMask(img *Image, low float64) (*Image, error)
}

// maxStderr bounds the stderr tail kept in ToolError messages
const maxStderr = 2000

// ToolError describes a toolkit binary that exited unsuccessfully.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > maxStderr {
		cut := len(msg) - maxStderr
		for cut < len(msg) && !utf8.RuneStart(msg[cut]) {
			cut++
		}
		msg = "..." + msg[cut:]
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d: %v", e.Tool, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d: %v\n%s", e.Tool, e.ExitCode, e.Err, msg)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
