package nifti

import (
	"encoding/binary"
	"math"
)

// NIfTI datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

type dataType struct {
	bitPix int
	decode func(b []byte, order binary.ByteOrder) float64
	encode func(b []byte, order binary.ByteOrder, v float64)
}

var dataTypes = map[int]dataType{
	DTUint8: {
		bitPix: 8,
		decode: func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) },
		encode: func(b []byte, _ binary.ByteOrder, v float64) { b[0] = uint8(clampRound(v, 0, math.MaxUint8)) },
	},
	DTInt8: {
		bitPix: 8,
		decode: func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) },
		encode: func(b []byte, _ binary.ByteOrder, v float64) {
			b[0] = byte(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		},
	},
	DTInt16: {
		bitPix: 16,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) },
		encode: func(b []byte, o binary.ByteOrder, v float64) {
			o.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		},
	},
	DTUint16: {
		bitPix: 16,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) },
		encode: func(b []byte, o binary.ByteOrder, v float64) {
			o.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
		},
	},
	DTInt32: {
		bitPix: 32,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) },
		encode: func(b []byte, o binary.ByteOrder, v float64) {
			o.PutUint32(b, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		},
	},
	DTUint32: {
		bitPix: 32,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) },
		encode: func(b []byte, o binary.ByteOrder, v float64) {
			o.PutUint32(b, uint32(clampRound(v, 0, math.MaxUint32)))
		},
	},
	DTFloat32: {
		bitPix: 32,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, math.Float32bits(float32(v))) },
	},
	DTFloat64: {
		bitPix: 64,
		decode: func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, math.Float64bits(v)) },
	},
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
