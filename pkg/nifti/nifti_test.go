package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pituitarymask/internal/models"
)

// createTestVolume builds a small volume with an oblique, left-handed grid
func createTestVolume(dataType int) *models.Volume {
	v := models.NewVolume(5, 4, 3)
	v.DataType = dataType
	v.Spacing = [3]float64{0.9, 1.1, 2.5}
	v.Origin = [3]float64{-90.5, 126, -72}

	// rotation of 30 degrees about z, then flip the z axis
	cos, sin := math.Cos(math.Pi/6), math.Sin(math.Pi/6)
	v.Direction = [3][3]float64{
		{cos, -sin, 0},
		{sin, cos, 0},
		{0, 0, -1},
	}

	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				v.Set(x, y, z, float64(x+2*y+3*z))
			}
		}
	}
	return v
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"volume.nii", "volume.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			in := createTestVolume(DTInt16)
			path := filepath.Join(dir, name)

			require.NoError(t, Write(in, path))
			out, err := Read(path)
			require.NoError(t, err)

			assert.Equal(t, in.Width, out.Width)
			assert.Equal(t, in.Height, out.Height)
			assert.Equal(t, in.Depth, out.Depth)
			assert.Equal(t, DTInt16, out.DataType)
			if diff := cmp.Diff(in.Data, out.Data); diff != "" {
				t.Errorf("voxel data mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(in.Spacing, out.Spacing, approx); diff != "" {
				t.Errorf("spacing mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(in.Origin, out.Origin, approx); diff != "" {
				t.Errorf("origin mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(in.Direction, out.Direction, approx); diff != "" {
				t.Errorf("direction mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteUnknownDataTypeFallsBackToFloat32(t *testing.T) {
	in := createTestVolume(0)
	in.Data[0] = 0.25

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in))

	out, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, DTFloat32, out.DataType)
	assert.InDelta(t, 0.25, out.Data[0], 1e-7)
}

func TestIntegerEncodingRounds(t *testing.T) {
	v := models.NewVolume(3, 1, 1)
	v.DataType = DTUint8
	v.Data = []float64{0.6, 254.4, 300}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, v))
	out, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 254, 255}, out.Data)
}

// encodeRaw writes a header and float32 payload with the given byte order
func encodeRaw(t *testing.T, h Header, order binary.ByteOrder, data []float32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, order, h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, order, data))
	return buf.Bytes()
}

func rawHeader(nx, ny, nz int16) Header {
	return Header{
		SizeOfHdr: minHeaderSize,
		Dim:       [8]int16{3, nx, ny, nz, 1, 1, 1, 1},
		DataType:  DTFloat32,
		BitPix:    32,
		PixDim:    [8]float32{1, 2, 3, 4},
		VoxOffset: headerSize,
		Magic:     magicSingleFile,
	}
}

func TestDecodeBigEndianWithScaling(t *testing.T) {
	h := rawHeader(2, 1, 1)
	h.SclSlope = 2
	h.SclInter = -1

	b := encodeRaw(t, h, binary.BigEndian, []float32{3, 5})
	v, err := Decode(bytes.NewReader(b))
	require.NoError(t, err)

	assert.Equal(t, []float64{5, 9}, v.Data)
	// no qform or sform: pixdim spacing, identity direction, zero origin
	assert.Equal(t, [3]float64{2, 3, 4}, v.Spacing)
	assert.Equal(t, [3]float64{}, v.Origin)
	assert.Equal(t, [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, v.Direction)
}

func TestDecodeQformOnly(t *testing.T) {
	h := rawHeader(1, 1, 1)
	h.QFormCode = xformScannerAnat
	h.PixDim[0] = -1
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = 10, 20, 30

	b := encodeRaw(t, h, binary.LittleEndian, []float32{7})
	v, err := Decode(bytes.NewReader(b))
	require.NoError(t, err)

	assert.Equal(t, [3]float64{10, 20, 30}, v.Origin)
	// identity quaternion with qfac -1 flips the z axis
	assert.InDelta(t, -1, v.Direction[2][2], 1e-9)
	assert.InDelta(t, 1, v.Direction[0][0], 1e-9)
}

func TestDecodeRejects4D(t *testing.T) {
	h := rawHeader(1, 1, 1)
	h.Dim[0] = 4
	h.Dim[4] = 2

	b := encodeRaw(t, h, binary.LittleEndian, []float32{1, 2})
	_, err := Decode(bytes.NewReader(b))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	h := rawHeader(4, 4, 4)
	b := encodeRaw(t, h, binary.LittleEndian, []float32{1, 2})
	_, err := Decode(bytes.NewReader(b))
	assert.Error(t, err)
}

func TestDecodeRejectsOversizedDimsWithoutAllocating(t *testing.T) {
	// header alone, claiming a 32767^3 float32 volume
	h := rawHeader(32767, 32767, 32767)
	b := encodeRaw(t, h, binary.LittleEndian, nil)

	_, err := Decode(bytes.NewReader(b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated image data")
}

func TestDecodeSkipsHeaderExtensions(t *testing.T) {
	h := rawHeader(3, 1, 1)
	h.VoxOffset = headerSize + 16

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	// extension flag set, then one 16-byte extension: esize, ecode, payload
	buf.Write([]byte{1, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int32{16, 6}))
	buf.Write(bytes.Repeat([]byte{0xff}, 8))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{1.5, -2, 42}))

	v, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2, 42}, v.Data)

	// the same payload without room for the extension is truncated
	_, err = Decode(bytes.NewReader(buf.Bytes()[:buf.Len()-4]))
	assert.Error(t, err)
}

func TestReadRejectsOtherFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.mha")
	require.NoError(t, os.WriteFile(path, []byte("ObjectType = Image"), 0644))

	_, err := Read(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestQuaternionConversionIsInverse(t *testing.T) {
	rotations := [][3][3]float64{
		{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		{{-1, 0, 0}, {0, -1, 0}, {0, 0, 1}},
		{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}},
		{{1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
	}
	for _, r := range rotations {
		b, c, d, qfac := rotationToQuatern(r)
		got := quaternToRotation(b, c, d, qfac)
		if diff := cmp.Diff(r, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
			t.Errorf("rotation mismatch (-want +got):\n%s", diff)
		}
	}
}
