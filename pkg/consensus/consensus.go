// Package consensus combines label masks warped from several atlases into a
// single mask by voxel-wise voting.
package consensus

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"pituitarymask/internal/models"
	"pituitarymask/pkg/nifti"
)

// ErrShapeMismatch is returned when a mask does not match the accumulator grid.
var ErrShapeMismatch = errors.New("mask shape does not match accumulator")

// Accumulator keeps the running voxel-wise sum of the masks added to it.
// The zero value is ready to use. It is not safe for concurrent use.
type Accumulator struct {
	sum   *models.Volume
	count int
}

// Add folds one mask into the sum. The first mask fixes the grid.
func (a *Accumulator) Add(mask *models.Volume) error {
	if mask == nil {
		return fmt.Errorf("nil mask")
	}
	if err := mask.Validate(); err != nil {
		return err
	}

	if a.sum == nil {
		a.sum = mask.Clone()
		a.sum.DataType = nifti.DTFloat32
		a.count = 1
		return nil
	}

	if !a.sum.SameShape(mask) {
		return fmt.Errorf("%w: have %dx%dx%d, got %dx%dx%d", ErrShapeMismatch,
			a.sum.Width, a.sum.Height, a.sum.Depth, mask.Width, mask.Height, mask.Depth)
	}
	floats.Add(a.sum.Data, mask.Data)
	a.count++
	return nil
}

// Sum returns the accumulated volume, or nil if nothing was added.
func (a *Accumulator) Sum() *models.Volume {
	return a.sum
}

// Count returns the number of masks added.
func (a *Accumulator) Count() int {
	return a.count
}

// Threshold returns a uint8 mask holding 1 where low <= value <= high and 0
// elsewhere. No morphological cleanup is applied.
func Threshold(v *models.Volume, low, high float64) *models.Volume {
	out := models.NewVolumeLike(v)
	out.DataType = nifti.DTUint8
	for i, val := range v.Data {
		if val >= low && val <= high {
			out.Data[i] = 1
		}
	}
	return out
}

// ThresholdAtLeast keeps every voxel whose value is at least low. The upper
// bound is the volume maximum, so equality with low is included.
func ThresholdAtLeast(v *models.Volume, low float64) *models.Volume {
	if len(v.Data) == 0 {
		return models.NewVolumeLike(v)
	}
	return Threshold(v, low, floats.Max(v.Data))
}

// Dice returns the Dice overlap of the non-zero voxels of two masks.
// Two empty masks overlap perfectly.
func Dice(a, b *models.Volume) (float64, error) {
	if !a.SameShape(b) {
		return 0, ErrShapeMismatch
	}
	var inA, inB, both int
	for i := range a.Data {
		x, y := a.Data[i] != 0, b.Data[i] != 0
		if x {
			inA++
		}
		if y {
			inB++
		}
		if x && y {
			both++
		}
	}
	if inA+inB == 0 {
		return 1, nil
	}
	return 2 * float64(both) / float64(inA+inB), nil
}

// Labels returns the sorted distinct voxel values of a volume.
func Labels(v *models.Volume) []float64 {
	seen := make(map[float64]struct{})
	for _, val := range v.Data {
		seen[val] = struct{}{}
	}
	labels := make([]float64, 0, len(seen))
	for val := range seen {
		labels = append(labels, val)
	}
	sort.Float64s(labels)
	return labels
}

// CountNonZero returns the number of non-zero voxels.
func CountNonZero(v *models.Volume) int {
	n := 0
	for _, val := range v.Data {
		if val != 0 {
			n++
		}
	}
	return n
}
