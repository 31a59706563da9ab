package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Volume represents a 3D image held in memory together with the spatial
// metadata needed to place it in world coordinates.
type Volume struct {
	// Data is the 3D volume data as a 1D array, x fastest then y then z
	Data []float64

	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z
	Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing [3]float64

	// Origin is the world position of voxel (0, 0, 0) in mm
	Origin [3]float64

	// Direction holds the unit axis vectors of the grid as columns
	Direction [3][3]float64

	// DataType is the NIfTI storage code of the file the volume came from.
	// Zero means no preference.
	DataType int
}

// NewVolume allocates a zeroed volume with unit spacing and identity direction.
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:    make([]float64, width*height*depth),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: [3]float64{1, 1, 1},
	}
	for i := 0; i < 3; i++ {
		v.Direction[i][i] = 1
	}
	return v
}

// NewVolumeLike allocates a zeroed volume on the same grid as ref.
func NewVolumeLike(ref *Volume) *Volume {
	v := &Volume{
		Data:      make([]float64, len(ref.Data)),
		Width:     ref.Width,
		Height:    ref.Height,
		Depth:     ref.Depth,
		Spacing:   ref.Spacing,
		Origin:    ref.Origin,
		Direction: ref.Direction,
		DataType:  ref.DataType,
	}
	return v
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index converts voxel coordinates to an offset into Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := NewVolumeLike(v)
	copy(c.Data, v.Data)
	return c
}

// SameShape reports whether both volumes have identical dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// VoxelVolume returns the physical volume of one voxel in mm³.
func (v *Volume) VoxelVolume() float64 {
	return math.Abs(v.Spacing[0] * v.Spacing[1] * v.Spacing[2])
}

// Validate checks that the voxel buffer matches the dimensions.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("data length %d does not match dimensions %dx%dx%d",
			len(v.Data), v.Width, v.Height, v.Depth)
	}
	return nil
}

// Affine returns the 4x4 matrix mapping voxel indices to world coordinates.
func (v *Volume) Affine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.Set(r, c, v.Direction[r][c]*v.Spacing[c])
		}
		a.Set(r, 3, v.Origin[r])
	}
	a.Set(3, 3, 1)
	return a
}

// SetAffine decomposes a voxel-to-world matrix into spacing, direction and
// origin. Columns with zero length keep the unit axis and unit spacing.
func (v *Volume) SetAffine(a mat.Matrix) {
	for c := 0; c < 3; c++ {
		col := mat.NewVecDense(3, []float64{a.At(0, c), a.At(1, c), a.At(2, c)})
		norm := mat.Norm(col, 2)
		if norm == 0 {
			v.Spacing[c] = 1
			for r := 0; r < 3; r++ {
				v.Direction[r][c] = 0
			}
			v.Direction[c][c] = 1
			continue
		}
		v.Spacing[c] = norm
		for r := 0; r < 3; r++ {
			v.Direction[r][c] = col.AtVec(r) / norm
		}
	}
	for r := 0; r < 3; r++ {
		v.Origin[r] = a.At(r, 3)
	}
}

// WorldPoint maps voxel coordinates to world coordinates in mm.
func (v *Volume) WorldPoint(x, y, z float64) [3]float64 {
	idx := mat.NewVecDense(4, []float64{x, y, z, 1})
	var out mat.VecDense
	out.MulVec(v.Affine(), idx)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}
