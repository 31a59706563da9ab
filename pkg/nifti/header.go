// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz) into models.Volume values.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupported is returned for files this package cannot represent.
var ErrUnsupported = errors.New("unsupported nifti file")

const (
	minHeaderSize = 348
	headerSize    = 352
)

// Transform codes
const (
	xformUnknown     = 0
	xformScannerAnat = 1
)

// Units
const (
	unitsMM = 2
)

// Header defines the on-disk layout of the NIfTI-1 header.
//
// Type translation from nifti1 C header to golang:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0" for single-file images
}

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// ReadHeader decodes a header and returns the byte order of the file.
// The byte order is inferred from sizeof_hdr, which must read as 348.
func ReadHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < minHeaderSize {
		return Header{}, nil, fmt.Errorf("header too short: %d bytes", len(b))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(b[:4])) != minHeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(b[:4])) != minHeaderSize {
			return Header{}, nil, fmt.Errorf("%w: cannot infer byte order from sizeof_hdr", ErrUnsupported)
		}
	}

	var h Header
	if err := binary.Read(bytes.NewReader(b[:minHeaderSize]), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("error decoding header: %w", err)
	}
	if err := validateHeader(h); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

func validateHeader(h Header) error {
	switch {
	case h.Magic != magicSingleFile:
		return fmt.Errorf("%w: header and data must be stored in the same file", ErrUnsupported)
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("%w: dim[0]=%d not in range [1, 7]", ErrUnsupported, h.Dim[0])
	}
	for i := 4; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return fmt.Errorf("%w: only 3D images are supported, dim[%d]=%d", ErrUnsupported, i, h.Dim[i])
		}
	}
	if _, ok := dataTypes[int(h.DataType)]; !ok {
		return fmt.Errorf("%w: datatype %d", ErrUnsupported, h.DataType)
	}
	return nil
}

func (h Header) encode(order binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, h); err != nil {
		return nil, err
	}
	// Extension flag: no extensions follow.
	buf.Write([]byte{0, 0, 0, 0})
	return buf.Bytes(), nil
}
