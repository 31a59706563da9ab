package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"pituitarymask/internal/models"
)

// IsNifti reports whether the path carries a NIfTI-1 file extension.
func IsNifti(path string) bool {
	p := strings.ToLower(path)
	return strings.HasSuffix(p, ".nii") || strings.HasSuffix(p, ".nii.gz")
}

func isCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Read loads a .nii or .nii.gz file into a volume.
func Read(path string) (*models.Volume, error) {
	if !IsNifti(path) {
		return nil, fmt.Errorf("%w: %s is not a .nii or .nii.gz file", ErrUnsupported, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isCompressed(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	v, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return v, nil
}

// Decode reads a single-file NIfTI-1 stream.
func Decode(r io.Reader) (*models.Volume, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	h, order, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}

	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i+1])
		if dims[i] <= 0 {
			return nil, fmt.Errorf("invalid dim[%d]=%d", i+1, dims[i])
		}
	}

	dt := dataTypes[int(h.DataType)]
	bytesPer := dt.bitPix / 8

	offset := headerSize
	if int(h.VoxOffset) > headerSize {
		offset = int(h.VoxOffset)
	}
	// dims are int16, so the product cannot overflow int64
	voxels := int64(dims[0]) * int64(dims[1]) * int64(dims[2])
	dataSize := voxels * int64(bytesPer)
	if int64(len(b)) < int64(offset)+dataSize {
		return nil, fmt.Errorf("truncated image data: need %d bytes, have %d", int64(offset)+dataSize, len(b))
	}

	v := &models.Volume{
		Width:    dims[0],
		Height:   dims[1],
		Depth:    dims[2],
		DataType: int(h.DataType),
	}
	v.Data = make([]float64, v.Len())

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scaled := slope != 0 && !(slope == 1 && inter == 0)

	data := b[offset : offset+int(dataSize)]
	for i := range v.Data {
		val := dt.decode(data[i*bytesPer:], order)
		if scaled {
			val = val*slope + inter
		}
		v.Data[i] = val
	}

	setGeometry(v, h)
	return v, nil
}

// setGeometry fills spacing, origin and direction from the header:
// sform first, then qform, then bare pixdim.
func setGeometry(v *models.Volume, h Header) {
	switch {
	case h.SFormCode > xformUnknown:
		a := mat.NewDense(4, 4, nil)
		for c := 0; c < 4; c++ {
			a.Set(0, c, float64(h.SRowX[c]))
			a.Set(1, c, float64(h.SRowY[c]))
			a.Set(2, c, float64(h.SRowZ[c]))
		}
		a.Set(3, 3, 1)
		v.SetAffine(a)

	case h.QFormCode > xformUnknown:
		qfac := 1.0
		if h.PixDim[0] < 0 {
			qfac = -1
		}
		v.Direction = quaternToRotation(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD), qfac)
		v.Spacing = pixdimSpacing(h)
		v.Origin = [3]float64{float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)}

	default:
		v.Spacing = pixdimSpacing(h)
		v.Direction = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		v.Origin = [3]float64{}
	}
}

func pixdimSpacing(h Header) [3]float64 {
	var s [3]float64
	for i := 0; i < 3; i++ {
		s[i] = math.Abs(float64(h.PixDim[i+1]))
		if s[i] == 0 {
			s[i] = 1
		}
	}
	return s
}

// Write stores the volume at path, gzip-compressed when the path ends in .gz.
// Voxels are encoded with v.DataType, or float32 when that type is unknown.
func Write(v *models.Volume, path string) error {
	if !IsNifti(path) {
		return fmt.Errorf("%w: %s is not a .nii or .nii.gz file", ErrUnsupported, path)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if isCompressed(path) {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := Encode(w, v); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes the volume as a little-endian single-file NIfTI-1 stream.
func Encode(w io.Writer, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}

	code := v.DataType
	dt, ok := dataTypes[code]
	if !ok {
		code = DTFloat32
		dt = dataTypes[code]
	}

	h := buildHeader(v, code, dt.bitPix)
	order := binary.LittleEndian
	hb, err := h.encode(order)
	if err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}

	bytesPer := dt.bitPix / 8
	buf := make([]byte, len(v.Data)*bytesPer)
	for i, val := range v.Data {
		dt.encode(buf[i*bytesPer:], order, val)
	}
	_, err = w.Write(buf)
	return err
}

func buildHeader(v *models.Volume, code, bitPix int) Header {
	h := Header{
		SizeOfHdr: minHeaderSize,
		DataType:  int16(code),
		BitPix:    int16(bitPix),
		VoxOffset: headerSize,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		QFormCode: xformScannerAnat,
		SFormCode: xformScannerAnat,
		Magic:     magicSingleFile,
	}
	h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}

	b, c, d, qfac := rotationToQuatern(v.Direction)
	h.PixDim = [8]float32{float32(qfac), float32(v.Spacing[0]), float32(v.Spacing[1]), float32(v.Spacing[2]), 0, 0, 0, 0}
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = float32(v.Origin[0]), float32(v.Origin[1]), float32(v.Origin[2])

	a := v.Affine()
	for col := 0; col < 4; col++ {
		h.SRowX[col] = float32(a.At(0, col))
		h.SRowY[col] = float32(a.At(1, col))
		h.SRowZ[col] = float32(a.At(2, col))
	}

	copy(h.Descrip[:], "pituitarymask")
	return h
}
